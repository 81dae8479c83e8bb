package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaBase        = "https://honeyclass.local/schemas/"
	recordSchemaURL   = schemaBase + "attack_record.json"
	batchSchemaURL    = schemaBase + "predict_batch.json"
	recordSchemaFile  = "schemas/attack_record.json"
	batchSchemaFile   = "schemas/predict_batch.json"
	maxRequestBodyLen = 8 << 20
)

// SchemaValidator validates request bodies against the embedded JSON schemas.
type SchemaValidator struct {
	record *jsonschema.Schema
	batch  *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	for url, file := range map[string]string{
		recordSchemaURL: recordSchemaFile,
		batchSchemaURL:  batchSchemaFile,
	} {
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", file, err)
		}
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", file, err)
		}
	}

	record, err := compiler.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile record schema: %w", err)
	}
	batch, err := compiler.Compile(batchSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile batch schema: %w", err)
	}
	return &SchemaValidator{record: record, batch: batch}, nil
}

// ValidateRecord validates one attack record document.
func (v *SchemaValidator) ValidateRecord(data []byte) error {
	return validate(v.record, data)
}

// ValidateBatch validates a batch prediction request document.
func (v *SchemaValidator) ValidateBatch(data []byte) error {
	return validate(v.batch, data)
}

func validate(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
