// Package schema validates ledger artifacts against the embedded v1
// JSON Schemas so external consumers can rely on a stable shape.
package schema

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed v1/*.schema.json
var schemaFS embed.FS

const (
	// ChainRecord is the schema for a single hash-chained event record.
	ChainRecord = "chain_record"
	// SessionSeal is the schema for a sealed session summary.
	SessionSeal = "session_seal"
)

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func load(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema)
		for _, schemaName := range []string{ChainRecord, SessionSeal} {
			data, err := schemaFS.ReadFile("v1/" + schemaName + ".schema.json")
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", schemaName, err)
				return
			}
			compiler := jsonschema.NewCompiler()
			compiler.AssertFormat = true
			schema, err := compiler.Compile(data)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", schemaName, err)
				return
			}
			compiled[schemaName] = schema
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return schema, nil
}

// ValidateJSON checks a single JSON document against the named schema.
func ValidateJSON(name string, data []byte) error {
	schema, err := load(name)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

// ValidateJSONL checks every non-empty line of a JSONL document against
// the named schema.
func ValidateJSONL(name string, data []byte) error {
	schema, err := load(name)
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
