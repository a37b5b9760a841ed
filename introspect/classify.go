package introspect

import (
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Class is the coarse shape of a type as far as rendering is concerned.
type Class int

const (
	// Reference values are walked or handed out as handles.
	Reference Class = iota
	// Primitive values (booleans, numbers, strings) render as themselves.
	Primitive
	// Enum values are integers with a symbolic String form.
	Enum
	// Identifier values are 128-bit ids: uuid.UUID and other named
	// [16]byte types.
	Identifier
	// Timestamp values are time.Time.
	Timestamp
	// Span values are time.Duration.
	Span
)

// Scalar reports whether values of this class render inline.
func (c Class) Scalar() bool { return c != Reference }

var (
	timeType     = reflect.TypeFor[time.Time]()
	durationType = reflect.TypeFor[time.Duration]()
	uuidType     = reflect.TypeFor[uuid.UUID]()
	stringerType = reflect.TypeFor[fmt.Stringer]()
)

// Classify returns the class of t. Pointers are always Reference; callers
// that treat *T like a nullable T should classify t.Elem().
func Classify(t reflect.Type) Class {
	if t == nil {
		return Reference
	}
	switch t {
	case timeType:
		return Timestamp
	case durationType:
		return Span
	case uuidType:
		return Identifier
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if t.PkgPath() != "" && (t.Implements(stringerType) || reflect.PointerTo(t).Implements(stringerType)) {
			return Enum
		}
		return Primitive
	case reflect.Bool, reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128, reflect.String:
		return Primitive
	case reflect.Array:
		if t.Name() != "" && t.Len() == 16 && t.Elem().Kind() == reflect.Uint8 {
			return Identifier
		}
	}
	return Reference
}

// Literal renders a scalar value as a JSON-friendly Go value: bool, int64,
// uint64, float64 or string. It must only be called for scalar classes.
func Literal(v reflect.Value) any {
	v = Unwrap(v)
	switch Classify(v.Type()) {
	case Enum:
		return enumName(v)
	case Identifier:
		return identifierString(v)
	case Timestamp:
		if t, ok := Interface(v); ok {
			return t.(time.Time).Format(time.RFC3339Nano)
		}
		return v.Type().String()
	case Span:
		return time.Duration(v.Int()).String()
	}
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return f
	case reflect.Complex64, reflect.Complex128:
		return strconv.FormatComplex(v.Complex(), 'g', -1, 128)
	case reflect.String:
		return v.String()
	}
	return nil
}

func enumName(v reflect.Value) any {
	if s, ok := callString(v); ok {
		return s
	}
	if v.CanAddr() {
		if s, ok := callString(v.Addr()); ok {
			return s
		}
	}
	if v.Kind() >= reflect.Uint && v.Kind() <= reflect.Uintptr {
		return strconv.FormatUint(v.Uint(), 10)
	}
	return strconv.FormatInt(v.Int(), 10)
}

func callString(v reflect.Value) (s string, ok bool) {
	x, ok := Interface(v)
	if !ok {
		return "", false
	}
	st, ok := x.(fmt.Stringer)
	if !ok {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			s, ok = "", false
		}
	}()
	return st.String(), true
}

func identifierString(v reflect.Value) string {
	var id uuid.UUID
	for i := range id {
		id[i] = byte(v.Index(i).Uint())
	}
	return id.String()
}

// TypeName is the display name of a type.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "null"
	}
	return t.String()
}

// PackageOf is the import path that declares t, looking through pointers.
// Predeclared and unnamed composite types report "builtin".
func PackageOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if p := t.PkgPath(); p != "" {
		return p
	}
	return "builtin"
}

// PreviewLimit bounds the length, in runes, of a string preview.
const PreviewLimit = 500

// Preview renders a short, safe description of v. Stringers and errors use
// their own text; other references render as their type and size.
func Preview(v reflect.Value) string {
	v = Unwrap(v)
	if !v.IsValid() {
		return ""
	}
	if IsNil(v) {
		return "<nil>"
	}
	if Classify(v.Type()).Scalar() {
		return truncate(fmt.Sprint(Literal(v)))
	}
	if s, ok := describe(v); ok {
		return truncate(s)
	}
	base, _ := Indirect(v)
	if base.IsValid() && base.Kind() != reflect.Struct && Classify(base.Type()).Scalar() {
		return truncate(fmt.Sprint(Literal(base)))
	}
	switch base.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return truncate(fmt.Sprintf("%s (len %d)", v.Type(), base.Len()))
	}
	return truncate(v.Type().String())
}

func describe(v reflect.Value) (s string, ok bool) {
	x, ok := Interface(v)
	if !ok {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			s, ok = "", false
		}
	}()
	switch x := x.(type) {
	case error:
		return x.Error(), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	n := 0
	for i := range s {
		if n == PreviewLimit {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// KeyString renders a dictionary key as text, for identifier matching and
// stable ordering. Keys that cannot be rendered yield "".
func KeyString(k reflect.Value) string {
	k = Unwrap(k)
	if !k.IsValid() {
		return ""
	}
	if Classify(k.Type()).Scalar() {
		return fmt.Sprint(Literal(k))
	}
	if k.Kind() == reflect.Array && k.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, k.Len())
		for i := range b {
			b[i] = byte(k.Index(i).Uint())
		}
		return hex.EncodeToString(b)
	}
	if s, ok := describe(k); ok {
		return s
	}
	if x, ok := Interface(k); ok {
		return fmt.Sprint(x)
	}
	return ""
}
