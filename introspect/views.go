package introspect

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Enumerable is implemented by host containers that are neither slices nor
// maps but can still be iterated. Enumerate stops early when yield returns
// false; an error reports a failure part way through.
type Enumerable interface {
	Enumerate(yield func(any) bool) error
}

// Keyed is implemented by host containers with dictionary semantics.
type Keyed interface {
	EnumerateEntries(yield func(key, value any) bool) error
}

var (
	enumerableType = reflect.TypeFor[Enumerable]()
	keyedType      = reflect.TypeFor[Keyed]()
	syncMapType    = reflect.TypeFor[sync.Map]()
	anyType        = reflect.TypeFor[any]()
)

// Entry is one key/value pair of a dictionary view.
type Entry struct {
	Key   reflect.Value
	Value reflect.Value
}

// Pair is the boxed form of a dictionary entry, used where an entry has to
// stand on its own (for instance as a collection element with a handle).
type Pair struct {
	Key   any
	Value any
}

func (p *Pair) String() string {
	return fmt.Sprintf("%v: %v", p.Key, p.Value)
}

// Dictionary is a read view over a dictionary-shaped value.
type Dictionary struct {
	typ  reflect.Type
	m    reflect.Value
	sm   *sync.Map
	host Keyed
}

// AsDictionary reports whether v is dictionary-shaped: a Go map, a sync.Map
// or a host Keyed container.
func AsDictionary(v reflect.Value) (*Dictionary, bool) {
	v = Unwrap(v)
	if !v.IsValid() || IsNil(v) {
		return nil, false
	}
	if x, ok := Interface(v); ok {
		if k, ok := x.(Keyed); ok {
			return &Dictionary{typ: v.Type(), host: k}, true
		}
	}
	base, ok := Indirect(v)
	if !ok {
		return nil, false
	}
	switch {
	case base.Kind() == reflect.Map:
		return &Dictionary{typ: base.Type(), m: base}, true
	case base.Type() == syncMapType && base.CanAddr():
		if x, ok := Interface(base.Addr()); ok {
			return &Dictionary{typ: base.Type(), sm: x.(*sync.Map)}, true
		}
	}
	return nil, false
}

// IsDictionaryType reports whether values of type t are dictionary-shaped.
func IsDictionaryType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Implements(keyedType) {
		return true
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Map || t == syncMapType
}

// ValueType is the declared type of the dictionary's values.
func (d *Dictionary) ValueType() reflect.Type {
	if d.m.IsValid() {
		return d.m.Type().Elem()
	}
	return anyType
}

// Len is the number of entries. Host containers are counted by iteration.
func (d *Dictionary) Len() int {
	if d.m.IsValid() {
		return d.m.Len()
	}
	n := 0
	_ = d.Range(func(reflect.Value, reflect.Value) bool {
		n++
		return true
	})
	return n
}

// Range visits entries in the container's own order until fn returns false.
func (d *Dictionary) Range(fn func(k, v reflect.Value) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("introspect: ranging %s: %v", d.typ, r)
		}
	}()
	switch {
	case d.m.IsValid():
		it := d.m.MapRange()
		for it.Next() {
			if !fn(it.Key(), it.Value()) {
				return nil
			}
		}
	case d.sm != nil:
		d.sm.Range(func(k, v any) bool {
			return fn(reflect.ValueOf(k), reflect.ValueOf(v))
		})
	case d.host != nil:
		return d.host.EnumerateEntries(func(k, v any) bool {
			return fn(reflect.ValueOf(k), reflect.ValueOf(v))
		})
	}
	return nil
}

// Entries returns up to limit entries in a deterministic key order. A
// negative limit means no limit. Entries read before a failure are returned
// together with the error.
func (d *Dictionary) Entries(limit int) ([]Entry, error) {
	var all []Entry
	err := d.Range(func(k, v reflect.Value) bool {
		all = append(all, Entry{Key: k, Value: v})
		return true
	})
	slices.SortStableFunc(all, func(a, b Entry) int { return CompareKeys(a.Key, b.Key) })
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, err
}

// CompareKeys orders dictionary keys: numbers numerically, strings
// lexically, anything else by its rendered text.
func CompareKeys(a, b reflect.Value) int {
	a, b = Unwrap(a), Unwrap(b)
	if a.IsValid() && b.IsValid() && a.Kind() == b.Kind() {
		switch a.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return cmp.Compare(a.Int(), b.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return cmp.Compare(a.Uint(), b.Uint())
		case reflect.Float32, reflect.Float64:
			return cmp.Compare(a.Float(), b.Float())
		case reflect.String:
			return cmp.Compare(a.String(), b.String())
		}
	}
	return cmp.Compare(KeyString(a), KeyString(b))
}

// Sequence is a read view over an ordered collection.
type Sequence struct {
	v    reflect.Value
	host Enumerable
}

// AsSequence reports whether v is an enumerable, non-string value: a slice,
// an array or a host Enumerable. Channels are not enumerated since reading
// them would consume host data.
func AsSequence(v reflect.Value) (*Sequence, bool) {
	v = Unwrap(v)
	if !v.IsValid() || IsNil(v) {
		return nil, false
	}
	if x, ok := Interface(v); ok {
		if e, ok := x.(Enumerable); ok {
			return &Sequence{v: v, host: e}, true
		}
	}
	base, ok := Indirect(v)
	if !ok {
		return nil, false
	}
	switch base.Kind() {
	case reflect.Slice, reflect.Array:
		return &Sequence{v: base}, true
	}
	return nil, false
}

// IsSequenceType reports whether values of type t are enumerable.
func IsSequenceType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Implements(enumerableType) {
		return true
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Slice || t.Kind() == reflect.Array
}

// ElemType is the declared element type, or interface{} when unknown.
func (s *Sequence) ElemType() reflect.Type {
	if s.host == nil {
		return s.v.Type().Elem()
	}
	return anyType
}

// Each visits elements in order until fn returns false.
func (s *Sequence) Each(fn func(i int, e reflect.Value) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("introspect: enumerating %s: %v", s.v.Type(), r)
		}
	}()
	if s.host != nil {
		i := 0
		return s.host.Enumerate(func(x any) bool {
			ok := fn(i, reflect.ValueOf(x))
			i++
			return ok
		})
	}
	for i := range s.v.Len() {
		if !fn(i, s.v.Index(i)) {
			return nil
		}
	}
	return nil
}
