package export

import (
	"reflect"
	"slices"
	"strings"

	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/introspect"
)

const (
	flatMaxFields     = 100
	flatMaxComponents = 200
)

// Flatten produces a one-level record: the meta columns, every scalar field
// of v, and the distinct type names of its components when it has a
// component collection.
func Flatten(in introspect.Introspector, meta content.Meta, v any) map[string]any {
	if in == nil {
		in = introspect.Default
	}
	rec := map[string]any{
		"guid":      meta.ID,
		"name":      meta.Name,
		"type":      fullType(meta),
		"namespace": meta.Namespace,
	}
	rv := reflect.ValueOf(v)
	fields := introspect.Fields(in, rv, introspect.Accessible)
	if len(fields) > flatMaxFields {
		fields = fields[:flatMaxFields]
	}
	for _, f := range fields {
		fv, err := f.Read()
		if err != nil {
			continue
		}
		fv = introspect.Unwrap(fv)
		if introspect.IsNil(fv) {
			continue
		}
		if !introspect.Classify(fv.Type()).Scalar() {
			p, ok := introspect.Indirect(fv)
			if !ok || !introspect.Classify(p.Type()).Scalar() {
				continue
			}
			fv = p
		}
		rec[f.Name] = introspect.Literal(fv)
	}
	if comps := componentTypes(fields); len(comps) > 0 {
		rec["components"] = comps
	}
	return rec
}

// componentTypes reads the first collection field whose name mentions
// components.
func componentTypes(fields []introspect.Member) []string {
	for _, f := range fields {
		if !strings.Contains(f.Name, "Component") {
			continue
		}
		fv, err := f.Read()
		if err != nil {
			return nil
		}
		seq, ok := introspect.AsSequence(fv)
		if !ok {
			continue
		}
		seen := map[string]struct{}{}
		_ = seq.Each(func(_ int, e reflect.Value) bool {
			e = introspect.Unwrap(e)
			if introspect.IsNil(e) {
				return true
			}
			seen[qualifiedName(e.Type())] = struct{}{}
			return true
		})
		names := make([]string, 0, len(seen))
		for n := range seen {
			names = append(names, n)
		}
		slices.Sort(names)
		if len(names) > flatMaxComponents {
			names = names[:flatMaxComponents]
		}
		return names
	}
	return nil
}

func fullType(meta content.Meta) string {
	if meta.Namespace == "" {
		return meta.Type
	}
	return meta.Namespace + "." + meta.Type
}

// qualifiedName is the import path and name of t, looking through pointers.
func qualifiedName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
