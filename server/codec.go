package server

import (
	"encoding/json"

	"connectrpc.com/connect"
	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/peephole/dump"
)

// The service messages are plain Go structs, so the default protobuf codecs
// are replaced by JSON and CBOR ones keyed off the json tags.

// JSONCodec is registered under "json", replacing the protojson codec.
type JSONCodec struct{}

var _ connect.Codec = JSONCodec{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// CBORCodec is registered under "cbor".
type CBORCodec struct{}

var _ connect.Codec = CBORCodec{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(v any) ([]byte, error) { return dump.MarshalCBOR(v) }

func (CBORCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, v)
}
