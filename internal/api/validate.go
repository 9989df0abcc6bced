package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loanconsult/crm/internal/apperr"
)

const maxBodyBytes = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

// Schemas holds the compiled request body schemas keyed by file name.
type Schemas map[string]*jsonschema.Schema

func LoadSchemas() (Schemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(e.Name(), doc); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", e.Name(), err)
		}
	}

	schemas := Schemas{}
	for _, e := range entries {
		sch, err := c.Compile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", e.Name(), err)
		}
		schemas[e.Name()] = sch
	}
	return schemas, nil
}

// decodeValid validates the request body against the named schema before
// decoding it into v.
func (s Schemas) decodeValid(r *http.Request, name string, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.Invalid, "failed to read request body", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Invalid, "request body is not valid JSON", err)
	}
	sch, ok := s[name]
	if !ok {
		return apperr.Newf(apperr.Internal, "schema %s is not loaded", name)
	}
	if err := sch.Validate(inst); err != nil {
		return apperr.Wrap(apperr.Validation, err.Error(), err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.Invalid, "invalid request body", err)
	}
	return nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperr.Wrap(apperr.Invalid, "invalid request body", err)
	}
	return nil
}
