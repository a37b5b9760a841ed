// Package introspect adapts Go reflection into the member-level view that the
// inspector, the dumper and cache discovery work against.
//
// Hosts whose objects need a different shape (computed members, hidden
// wrappers) can register a fast path for a concrete type with
// Reflector.Override; everything else goes through the generic walker.
//
// Methods are never called unless they are known to be read-only: either
// their name follows the Get/Is/Has query convention or the host listed them
// with Reflector.Accessors. Zero-argument methods in general (Lock, Stop,
// ReadByte, Next) change the state they are called on.
package introspect

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Visibility selects which members Members returns.
type Visibility int

const (
	// Accessible is every named field, exported or package-internal, plus
	// the read-only accessors.
	Accessible Visibility = iota
	// Exported narrows Accessible to exported fields.
	Exported
)

// MemberKind distinguishes stored fields from computed members.
type MemberKind int

const (
	FieldMember MemberKind = iota
	AccessorMember
	StaticMember
)

func (k MemberKind) String() string {
	switch k {
	case FieldMember:
		return "field"
	case AccessorMember:
		return "accessor"
	case StaticMember:
		return "static"
	}
	return "unknown"
}

// ErrNoValue is returned by a getter whose result could not be produced.
var ErrNoValue = errors.New("introspect: no value")

// Member is one readable member of a value.
type Member struct {
	Name string
	Kind MemberKind
	// Type is the declared type. It is nil for static members whose type is
	// only known once read.
	Type reflect.Type

	read func() (reflect.Value, error)
}

// Read returns the current value of the member. Panics raised by getters are
// converted to errors so a single bad member never aborts a walk.
func (m Member) Read() (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = reflect.Value{}
			err = fmt.Errorf("introspect: reading %s: %v", m.Name, r)
		}
	}()
	if m.read == nil {
		return reflect.Value{}, ErrNoValue
	}
	return m.read()
}

// NewMember builds a member from an arbitrary read function. Host fast paths
// use it to describe computed members.
func NewMember(name string, kind MemberKind, typ reflect.Type, read func() (reflect.Value, error)) Member {
	return Member{Name: name, Kind: kind, Type: typ, read: read}
}

// Static describes a package-level value that logically belongs to a holder
// object, the way static members belong to a class.
func Static(name string, get func() (any, error)) Member {
	return Member{
		Name: name,
		Kind: StaticMember,
		read: func() (reflect.Value, error) {
			v, err := get()
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(v), nil
		},
	}
}

// Introspector lists the members of a value.
type Introspector interface {
	Members(v reflect.Value, vis Visibility) []Member
}

// MemberFunc lists members for a value of one registered type.
type MemberFunc func(v reflect.Value, vis Visibility) []Member

// Reflector is the generic reflection-backed Introspector.
type Reflector struct {
	mu        sync.RWMutex
	overrides map[reflect.Type]MemberFunc
	accessors map[reflect.Type]map[string]bool
}

// Default is the process-wide reflector used when callers do not supply one.
var Default = NewReflector()

// NewReflector creates a Reflector with no overrides.
func NewReflector() *Reflector {
	return &Reflector{
		overrides: make(map[reflect.Type]MemberFunc),
		accessors: make(map[reflect.Type]map[string]bool),
	}
}

// Override registers a fast path for values of type t (or *t).
func (r *Reflector) Override(t reflect.Type, fn MemberFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[t] = fn
}

// Accessors marks zero-argument methods of t (or *t) as safe to call while
// reading. Use it for getters that do not follow the Get/Is/Has convention.
func (r *Reflector) Accessors(t reflect.Type, names ...string) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.accessors[t]
	if set == nil {
		set = make(map[string]bool)
		r.accessors[t] = set
	}
	for _, n := range names {
		set[n] = true
	}
}

func (r *Reflector) registered(t reflect.Type, name string) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessors[t][name]
}

func (r *Reflector) override(t reflect.Type) (MemberFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.overrides[t]
	return fn, ok
}

// Members lists the fields and accessors of v. Pointers and interfaces are
// followed; the pointer (when there is one) supplies the method set.
func (r *Reflector) Members(v reflect.Value, vis Visibility) []Member {
	if !v.IsValid() {
		return nil
	}
	if fn, ok := r.override(v.Type()); ok {
		return fn(v, vis)
	}

	recv := v
	for recv.Kind() == reflect.Interface {
		if recv.IsNil() {
			return nil
		}
		recv = recv.Elem()
	}
	base, ok := Indirect(recv)
	if !ok {
		return nil
	}
	if fn, ok := r.override(base.Type()); ok {
		return fn(recv, vis)
	}

	var members []Member
	if base.Kind() == reflect.Struct {
		base = Addressable(base)
		members = append(members, fields(base, vis)...)
	}

	if recv.Kind() != reflect.Pointer && base.CanAddr() {
		recv = base.Addr()
	}
	members = append(members, r.getters(recv)...)
	return members
}

func fields(base reflect.Value, vis Visibility) []Member {
	t := base.Type()
	out := make([]Member, 0, t.NumField())
	for i := range t.NumField() {
		sf := t.Field(i)
		if sf.Name == "_" {
			continue
		}
		if vis == Exported && !sf.IsExported() {
			continue
		}
		out = append(out, Member{
			Name: sf.Name,
			Kind: FieldMember,
			Type: sf.Type,
			read: func() (reflect.Value, error) {
				return Field(base, i), nil
			},
		})
	}
	return out
}

var errorType = reflect.TypeFor[error]()

// queryPrefixes name methods that answer a question about their receiver.
var queryPrefixes = []string{"Get", "Is", "Has"}

func isQuery(name string) bool {
	for _, p := range queryPrefixes {
		rest, ok := strings.CutPrefix(name, p)
		if !ok || rest == "" {
			continue
		}
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func (r *Reflector) getters(recv reflect.Value) []Member {
	if !recv.CanInterface() {
		return nil
	}
	t := recv.Type()
	var out []Member
	for i := range t.NumMethod() {
		m := t.Method(i)
		if !isGetter(m.Type) || promoted(t, m.Name) {
			continue
		}
		if !isQuery(m.Name) && !r.registered(t, m.Name) {
			continue
		}
		out = append(out, accessor(recv, m.Name, m.Type.Out(0), i))
	}
	return out
}

func accessor(recv reflect.Value, name string, typ reflect.Type, i int) Member {
	return Member{
		Name: name,
		Kind: AccessorMember,
		Type: typ,
		read: func() (reflect.Value, error) {
			res := recv.Method(i).Call(nil)
			if len(res) == 2 && !res[1].IsNil() {
				return reflect.Value{}, res[1].Interface().(error)
			}
			return res[0], nil
		},
	}
}

// Method returns the named zero-argument method of v as an accessor member,
// whether or not it is read-only. Callers that know a host protocol (an
// asset link's Load, say) use it to call exactly that method.
func Method(v reflect.Value, name string) (Member, bool) {
	recv := Unwrap(v)
	if !recv.IsValid() || IsNil(recv) {
		return Member{}, false
	}
	if recv.Kind() != reflect.Pointer && recv.CanAddr() {
		recv = recv.Addr()
	}
	if !recv.CanInterface() {
		return Member{}, false
	}
	m, ok := recv.Type().MethodByName(name)
	if !ok || !isGetter(m.Type) {
		return Member{}, false
	}
	return accessor(recv, name, m.Type.Out(0), m.Index), true
}

// isGetter reports whether a method type (receiver first) takes no arguments
// and returns T or (T, error).
func isGetter(mt reflect.Type) bool {
	if mt.NumIn() != 1 || mt.IsVariadic() {
		return false
	}
	switch mt.NumOut() {
	case 1:
		return mt.Out(0) != errorType
	case 2:
		return mt.Out(0) != errorType && mt.Out(1) == errorType
	}
	return false
}

// promoted reports whether the named method comes from an embedded field.
// Those are compiler-generated wrappers and would duplicate the embedded
// member's own view.
func promoted(t reflect.Type, name string) bool {
	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct {
		return false
	}
	for i := range st.NumField() {
		f := st.Field(i)
		if !f.Anonymous {
			continue
		}
		if _, ok := f.Type.MethodByName(name); ok {
			return true
		}
		if f.Type.Kind() != reflect.Pointer {
			if _, ok := reflect.PointerTo(f.Type).MethodByName(name); ok {
				return true
			}
		}
	}
	return false
}

// Fields returns only the stored fields of v with the given visibility.
func Fields(in Introspector, v reflect.Value, vis Visibility) []Member {
	all := in.Members(v, vis)
	out := all[:0:0]
	for _, m := range all {
		if m.Kind == FieldMember {
			out = append(out, m)
		}
	}
	return out
}

// MemberByName finds a field or accessor by exact name.
func MemberByName(in Introspector, v reflect.Value, name string) (Member, bool) {
	for _, m := range in.Members(v, Accessible) {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}
