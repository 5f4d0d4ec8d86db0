package handler

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dukerupert/hapo/internal/apperr"
)

const maxBodyBytes = 64 << 10

//go:embed schemas/*.json
var schemaFS embed.FS

var schemas = mustLoadSchemas()

func mustLoadSchemas() map[string]*gojsonschema.Schema {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		panic(fmt.Sprintf("read schemas: %v", err))
	}
	out := make(map[string]*gojsonschema.Schema, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			panic(fmt.Sprintf("read schema %s: %v", e.Name(), err))
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", e.Name(), err))
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = s
	}
	return out
}

// decode validates the request body against the named schema, then
// unmarshals it into v.
func decode(w http.ResponseWriter, r *http.Request, schema string, v any) error {
	s, ok := schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %q", schema)
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Validation("request body too large or unreadable")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return apperr.Validation("invalid JSON body")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apperr.Validation("%s", strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation("invalid request: %v", err)
	}
	return nil
}
