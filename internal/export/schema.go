package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/export-v1.schema.json
var envelopeSchema []byte

const envelopeSchemaURL = "export-v1.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(envelopeSchemaURL, bytes.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(envelopeSchemaURL)
})

// Validate checks a JSON export against the envelope schema, and that
// totalEvents agrees with the number of logs.
func Validate(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse export: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("export does not match schema: %w", err)
	}

	var env struct {
		TotalEvents int               `json:"totalEvents"`
		Logs        []json.RawMessage `json:"logs"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse export: %w", err)
	}
	if env.TotalEvents != len(env.Logs) {
		return fmt.Errorf("totalEvents is %d but the export holds %d events", env.TotalEvents, len(env.Logs))
	}
	return nil
}
