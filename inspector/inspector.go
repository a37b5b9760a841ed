// Package inspector produces one-level descriptions of registered objects.
//
// Every non-primitive child is handed out as a new (or memoized) handle
// instead of being inlined, so clients can walk arbitrarily large and cyclic
// graphs one step at a time. An Inspector only reads; callers are
// responsible for running it where reading host state is safe.
package inspector

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/peephole/handles"
	"github.com/chazu/peephole/introspect"
)

var log = commonlog.GetLogger("peephole.inspector")

// ErrNotFound is returned for handles that are unknown or were cleared.
var ErrNotFound = errors.New("inspector: handle not found")

// Inspector describes objects held by a handle registry.
type Inspector struct {
	registry *handles.Registry
	in       introspect.Introspector
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithIntrospector replaces the default reflection walker.
func WithIntrospector(in introspect.Introspector) Option {
	return func(i *Inspector) { i.in = in }
}

// New creates an Inspector over registry.
func New(registry *handles.Registry, opts ...Option) *Inspector {
	i := &Inspector{registry: registry, in: introspect.Default}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Registry returns the registry the inspector hands handles out of.
func (i *Inspector) Registry() *handles.Registry { return i.registry }

// Root registers v under a fresh or existing handle and describes it as a
// named entry point.
func (i *Inspector) Root(name string, v any) (RootEntry, error) {
	h, err := i.registry.Register(v)
	if err != nil {
		return RootEntry{}, fmt.Errorf("inspector: root %s: %w", name, err)
	}
	t := reflect.TypeOf(v)
	return RootEntry{
		Name:         name,
		HandleID:     h.String(),
		Type:         introspect.TypeName(t),
		AssemblyName: introspect.PackageOf(t),
	}, nil
}

// Inspect describes the object behind h. Read failures of individual members
// or elements are reported inline; the call itself only fails for stale
// handles.
func (i *Inspector) Inspect(h handles.Handle) (*Result, error) {
	obj, ok := i.registry.TryGet(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return i.describe(h, reflect.ValueOf(obj)), nil
}

func (i *Inspector) describe(h handles.Handle, v reflect.Value) *Result {
	res := &Result{HandleID: h.String(), Type: "null", Members: []Member{}}
	v = introspect.Unwrap(v)
	if introspect.IsNil(v) {
		return res
	}

	res.Type = introspect.TypeName(v.Type())
	res.AssemblyName = introspect.PackageOf(v.Type())
	res.Value = introspect.Preview(v)
	res.CollectionInfo = i.collection(h, v)
	res.Members = i.members(h, v)
	return res
}

// slotKey names the place a child value was read from, so that children
// without an identity of their own keep one handle across inspects.
type slotKey struct {
	owner handles.Handle
	slot  string
	typ   reflect.Type
}

func (i *Inspector) members(h handles.Handle, v reflect.Value) []Member {
	ms := i.in.Members(v, introspect.Accessible)
	out := make([]Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, i.member(h, m))
	}
	slices.SortStableFunc(out, func(a, b Member) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (i *Inspector) member(owner handles.Handle, m introspect.Member) Member {
	rv, err := m.Read()
	if err != nil {
		log.Debugf("reading member %s: %s", m.Name, err)
		return Member{
			Name:         m.Name,
			Type:         introspect.TypeName(m.Type),
			AssemblyName: introspect.PackageOf(m.Type),
			Value:        fmt.Sprintf("<error: %s>", err),
		}
	}
	s := i.render(rv, m.Type, slotKey{owner: owner, slot: "member:" + m.Name})
	return Member{
		Name:         m.Name,
		Type:         s.typ,
		AssemblyName: s.pkg,
		IsPrimitive:  s.primitive,
		HandleID:     s.handle,
		Value:        s.value,
	}
}

// collection enumerates v eagerly when it is a dictionary or sequence. An
// enumeration error ends the walk; what was read so far is kept.
func (i *Inspector) collection(owner handles.Handle, v reflect.Value) *CollectionInfo {
	if d, ok := introspect.AsDictionary(v); ok {
		info := &CollectionInfo{IsCollection: true, ElementType: introspect.TypeName(d.ValueType()), Elements: []Element{}}
		entries, err := d.Entries(-1)
		if err != nil {
			log.Warningf("enumerating %s: %s", v.Type(), err)
		}
		for idx, e := range entries {
			pair, h, err := i.pair(owner, idx, e)
			if err != nil {
				continue
			}
			id := h.String()
			info.Elements = append(info.Elements, Element{
				Index:    idx,
				HandleID: &id,
				Type:     introspect.TypeName(reflect.TypeOf(pair)),
				Value:    introspect.Preview(reflect.ValueOf(pair)),
			})
		}
		info.Count = len(info.Elements)
		return info
	}

	seq, ok := introspect.AsSequence(v)
	if !ok {
		return nil
	}
	elem := seq.ElemType()
	info := &CollectionInfo{IsCollection: true, ElementType: introspect.TypeName(elem), Elements: []Element{}}
	err := seq.Each(func(idx int, e reflect.Value) bool {
		s := i.render(e, elem, slotKey{owner: owner, slot: fmt.Sprintf("elem:%d", idx)})
		info.Elements = append(info.Elements, Element{
			Index:       idx,
			HandleID:    s.handle,
			Type:        s.typ,
			IsPrimitive: s.primitive,
			Value:       s.value,
		})
		return true
	})
	if err != nil {
		log.Warningf("enumerating %s: %s", v.Type(), err)
	}
	info.Count = len(info.Elements)
	return info
}

// slot is the rendering shared by members and elements.
type slot struct {
	typ       string
	pkg       string
	primitive bool
	handle    *string
	value     any
}

// pair returns the boxed entry for e under a handle that stays the same for
// the same dictionary and key. The box is refreshed with the current value.
func (i *Inspector) pair(owner handles.Handle, idx int, e introspect.Entry) (*introspect.Pair, handles.Handle, error) {
	key := slotKey{owner: owner, slot: "entry:" + introspect.KeyString(e.Key)}
	if key.slot == "entry:" {
		key.slot = fmt.Sprintf("entry#%d", idx)
	}
	h, ref, err := i.registry.Derive(key, func() any { return &introspect.Pair{} })
	if err != nil {
		return nil, handles.Nil, err
	}
	p := ref.(*introspect.Pair)
	p.Key, p.Value = boxed(e.Key), boxed(e.Value)
	return p, h, nil
}

func (i *Inspector) render(v reflect.Value, declared reflect.Type, at slotKey) slot {
	v = introspect.Unwrap(v)
	if introspect.IsNil(v) {
		t := declared
		if t == nil && v.IsValid() {
			t = v.Type()
		}
		return slot{typ: introspect.TypeName(t), pkg: introspect.PackageOf(t), primitive: primitiveType(t)}
	}

	t := v.Type()
	if introspect.Classify(t).Scalar() {
		return slot{typ: introspect.TypeName(t), pkg: introspect.PackageOf(t), primitive: true, value: introspect.Literal(v)}
	}
	if t.Kind() == reflect.Pointer && introspect.Classify(t.Elem()).Scalar() {
		return slot{typ: introspect.TypeName(t.Elem()), pkg: introspect.PackageOf(t), primitive: true, value: introspect.Literal(v.Elem())}
	}

	s := slot{typ: introspect.TypeName(t), pkg: introspect.PackageOf(t), value: introspect.Preview(v)}
	if h, ok := i.register(v, at); ok {
		id := h.String()
		s.handle = &id
	}
	return s
}

// register hands out a handle for v. Struct and array values that live
// inside an addressable parent are registered by address so that the handle
// keeps reading the live storage. Other values without identity are boxed
// once per slot and the box is refreshed on every inspect.
func (i *Inspector) register(v reflect.Value, at slotKey) (handles.Handle, bool) {
	switch v.Kind() {
	case reflect.Struct, reflect.Array:
		if v.CanAddr() {
			v = v.Addr()
		}
	}
	x, ok := introspect.Interface(v)
	if !ok {
		return handles.Nil, false
	}
	if _, ok := introspect.IdentityOf(v); ok {
		h, err := i.registry.Register(x)
		return h, err == nil
	}

	at.typ = v.Type()
	h, ref, err := i.registry.Derive(at, func() any { return reflect.New(at.typ).Interface() })
	if err != nil {
		return handles.Nil, false
	}
	reflect.ValueOf(ref).Elem().Set(reflect.ValueOf(x))
	return h, true
}

func primitiveType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if introspect.Classify(t).Scalar() {
		return true
	}
	return t.Kind() == reflect.Pointer && introspect.Classify(t.Elem()).Scalar()
}

// boxed returns v as an interface, or its preview text when reflection does
// not allow taking it out.
func boxed(v reflect.Value) any {
	if x, ok := introspect.Interface(v); ok {
		return x
	}
	return introspect.Preview(v)
}
