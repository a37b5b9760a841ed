package introspect

import (
	"reflect"
	"unsafe"
)

// Indirect follows pointers and interfaces until it reaches a concrete
// value. It reports false if a nil is met on the way.
func Indirect(v reflect.Value) (reflect.Value, bool) {
	for v.IsValid() {
		switch v.Kind() {
		case reflect.Pointer, reflect.Interface:
			if v.IsNil() {
				return v, false
			}
			v = v.Elem()
		default:
			return v, true
		}
	}
	return v, false
}

// Unwrap strips interface layers but keeps pointers.
func Unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

// IsNil reports whether v is invalid or a nil of a nilable kind.
func IsNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return v.IsNil()
	}
	return false
}

// Addressable returns v, copied into fresh storage when it cannot be
// addressed. Fields of an addressable struct can be read even when they are
// unexported, so walkers call this before descending into a struct.
func Addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() || !v.CanInterface() {
		return v
	}
	p := reflect.New(v.Type()).Elem()
	p.Set(v)
	return p
}

// Field returns field i of the struct v. Unexported fields of addressable
// structs are re-derived through their address so that the result is not
// marked read-only; this keeps Interface and Call usable further down.
func Field(v reflect.Value, i int) reflect.Value {
	f := v.Field(i)
	if f.CanInterface() || !f.CanAddr() {
		return f
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
}

// Interface returns v as an any when reflection permits it.
func Interface(v reflect.Value) (any, bool) {
	if !v.IsValid() || !v.CanInterface() {
		return nil, false
	}
	return v.Interface(), true
}

// Identity is the key under which a reference-typed value is tracked.
type Identity struct {
	Type reflect.Type
	Ptr  uintptr
	Len  int
}

// IdentityOf returns the identity of a reference-typed value. Value types
// (structs, arrays, scalars) have no identity and report false.
func IdentityOf(v reflect.Value) (Identity, bool) {
	v = Unwrap(v)
	if !v.IsValid() {
		return Identity{}, false
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return Identity{}, false
		}
		return Identity{Type: v.Type(), Ptr: v.Pointer()}, true
	case reflect.Slice:
		if v.IsNil() {
			return Identity{}, false
		}
		return Identity{Type: v.Type(), Ptr: v.Pointer(), Len: v.Len()}, true
	}
	return Identity{}, false
}
