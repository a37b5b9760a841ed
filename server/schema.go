package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas of the JSON API. Range bounds are clamped by the
// content store, so only their types are checked here.
var (
	inspectSchema = mustSchema(`{
		"type": "object",
		"properties": {"handleId": {"type": "string"}}
	}`)
	rangeSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"start": {"type": "integer"},
			"count": {"type": "integer"}
		}
	}`)
	exportSchema = mustSchema(`{
		"type": "object",
		"properties": {"reason": {"type": "string", "maxLength": 64}}
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("server: invalid schema: %s", err))
	}
	return s
}

// decodeBody validates a JSON body against schema and decodes it into v.
// An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New("invalid request body: " + strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
