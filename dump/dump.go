// Package dump serializes an object graph into a bounded tree of Nodes.
//
// The walk is limited in depth, in collection width and in fields per
// record, and it terminates on cyclic graphs by tracking every reference it
// has entered. Failures to read a field, key or element drop that entry;
// nothing about the shape of the data makes Dump fail.
package dump

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/chazu/peephole/introspect"
)

// CycleMode selects how a reference that was already visited is rendered.
type CycleMode int

const (
	// CycleNull renders a revisit as null.
	CycleNull CycleMode = iota
	// CycleStub renders a revisit as {"$ref": "<type>"}.
	CycleStub
)

func (c CycleMode) String() string {
	switch c {
	case CycleNull:
		return "null"
	case CycleStub:
		return "stub"
	}
	return fmt.Sprintf("CycleMode(%d)", int(c))
}

// ParseCycleMode parses "null" or "stub".
func ParseCycleMode(s string) (CycleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null", "":
		return CycleNull, nil
	case "stub", "ref":
		return CycleStub, nil
	}
	return CycleNull, fmt.Errorf("dump: unknown cycle mode %q", s)
}

// UnmarshalText lets configuration files name the mode.
func (c *CycleMode) UnmarshalText(b []byte) error {
	m, err := ParseCycleMode(string(b))
	if err != nil {
		return err
	}
	*c = m
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (c CycleMode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Defaults.
const (
	DefaultMaxDepth      = 3
	DefaultMaxCollection = 200
	DefaultMaxFields     = 100
)

// Options bound a dump.
type Options struct {
	MaxDepth      int
	MaxCollection int
	MaxFields     int
	Cycle         CycleMode
	// Introspector lists record fields. Nil means introspect.Default.
	Introspector introspect.Introspector
}

// DefaultOptions returns depth 3, 200 elements per collection, 100 fields
// per record and null cycle markers.
func DefaultOptions() Options {
	return Options{
		MaxDepth:      DefaultMaxDepth,
		MaxCollection: DefaultMaxCollection,
		MaxFields:     DefaultMaxFields,
		Cycle:         CycleNull,
	}
}

func (o Options) normalized() Options {
	o.MaxCollection = max(o.MaxCollection, 0)
	o.MaxFields = max(o.MaxFields, 0)
	if o.Introspector == nil {
		o.Introspector = introspect.Default
	}
	return o
}

// Dump walks root with the given options. Each call has its own visited set.
func Dump(root any, opts Options) Node {
	return DumpValue(reflect.ValueOf(root), opts)
}

// DumpValue is Dump for callers that already hold a reflect.Value.
func DumpValue(root reflect.Value, opts Options) Node {
	d := &dumper{
		opts:    opts.normalized(),
		visited: make(map[introspect.Identity]struct{}),
	}
	return d.node(root, opts.MaxDepth)
}

type dumper struct {
	opts    Options
	visited map[introspect.Identity]struct{}
}

// node renders v. Following a pointer or an interface does not consume
// depth; entering a collection or a record does.
func (d *dumper) node(v reflect.Value, depth int) Node {
	for {
		v = introspect.Unwrap(v)
		if introspect.IsNil(v) || depth < 0 {
			return nil
		}
		t := v.Type()
		if introspect.Classify(t).Scalar() {
			return introspect.Literal(v)
		}
		if t.Kind() == reflect.Pointer && introspect.Classify(t.Elem()).Scalar() {
			return introspect.Literal(v.Elem())
		}

		if id, ok := introspect.IdentityOf(v); ok {
			if _, seen := d.visited[id]; seen {
				return d.revisit(t)
			}
			d.visited[id] = struct{}{}
		}

		if dict, ok := introspect.AsDictionary(v); ok {
			return d.dictionary(dict, depth)
		}
		if seq, ok := introspect.AsSequence(v); ok {
			return d.sequence(seq, depth)
		}
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
			continue
		}
		return d.record(v, depth)
	}
}

func (d *dumper) revisit(t reflect.Type) Node {
	if d.opts.Cycle != CycleStub {
		return nil
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &Ref{Type: introspect.TypeName(t)}
}

// dictionary renders the first MaxCollection entries in key order as pairs.
func (d *dumper) dictionary(dict *introspect.Dictionary, depth int) Node {
	entries, _ := dict.Entries(d.opts.MaxCollection)
	out := make([]Pair, 0, len(entries))
	for _, e := range entries {
		out = append(out, Pair{
			Key:   d.node(e.Key, depth-1),
			Value: d.node(e.Value, depth-1),
		})
	}
	return out
}

func (d *dumper) sequence(seq *introspect.Sequence, depth int) Node {
	out := make([]Node, 0, min(d.opts.MaxCollection, 64))
	_ = seq.Each(func(i int, e reflect.Value) bool {
		if i >= d.opts.MaxCollection {
			return false
		}
		out = append(out, d.node(e, depth-1))
		return true
	})
	return out
}

// record renders every instance field, exported or not, in declaration
// order. Fields holding nil and fields that fail to read are left out.
func (d *dumper) record(v reflect.Value, depth int) Node {
	rec := &Record{Type: introspect.TypeName(v.Type())}
	if v.Kind() != reflect.Struct {
		return rec
	}
	fields := introspect.Fields(d.opts.Introspector, v, introspect.Accessible)
	if len(fields) > d.opts.MaxFields {
		fields = fields[:d.opts.MaxFields]
	}
	for _, f := range fields {
		fv, err := f.Read()
		if err != nil || introspect.IsNil(introspect.Unwrap(fv)) {
			continue
		}
		rec.Fields = append(rec.Fields, Field{Name: f.Name, Value: d.node(fv, depth-1)})
	}
	return rec
}
