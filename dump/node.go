package dump

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Node is one value of a dump tree: nil, bool, int64, uint64, float64,
// string, []Node, []Pair, *Record or *Ref.
type Node = any

// Pair is one dictionary entry.
type Pair struct {
	Key   Node `json:"key"`
	Value Node `json:"value"`
}

// Ref stands in for a reference that was already dumped higher up.
type Ref struct {
	Type string `json:"$ref"`
}

// Field is one named member of a Record.
type Field struct {
	Name  string
	Value Node
}

// Record is a plain object: its type tag followed by its fields in
// declaration order.
type Record struct {
	Type   string
	Fields []Field
}

// Get returns the value of the named field.
func (r *Record) Get(name string) (Node, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes "$type" first and the fields in order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"$type":`)
	t, err := json.Marshal(r.Type)
	if err != nil {
		return nil, err
	}
	buf.Write(t)
	for _, f := range r.Fields {
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("dump: field %s: %w", f.Name, err)
		}
		buf.WriteByte(',')
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalCBOR encodes the record as a map. Canonical mode sorts the keys, so
// equal records always encode to equal bytes.
func (r *Record) MarshalCBOR() ([]byte, error) {
	m := make(map[string]Node, len(r.Fields)+1)
	m["$type"] = r.Type
	for _, f := range r.Fields {
		m[f.Name] = f.Value
	}
	return cborEncMode.Marshal(m)
}

// MarshalCBOR encodes v (typically a Node or a struct holding Nodes) in
// canonical CBOR.
func MarshalCBOR(v any) ([]byte, error) {
	b, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dump: marshal cbor: %w", err)
	}
	return b, nil
}
