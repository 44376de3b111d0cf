package stage

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var builtinSchemas embed.FS

// Validator decides whether a stage payload satisfies the stage's completion
// conditions. It returns the unmet conditions; an empty result means the stage
// may be completed.
type Validator interface {
	Validate(ctx context.Context, id ID, payload Payload) []string
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, id ID, payload Payload) []string

func (f ValidatorFunc) Validate(ctx context.Context, id ID, payload Payload) []string {
	return f(ctx, id, payload)
}

// SchemaValidator checks payloads against one compiled JSON Schema per stage.
type SchemaValidator struct {
	schemas map[ID]*jsonschema.Schema
	sources map[ID]string
}

// NewSchemaValidator compiles the built-in stage schemas. When overrideDir is
// non-empty, any <key>.json found there replaces the built-in schema for that
// stage.
func NewSchemaValidator(overrideDir string) (*SchemaValidator, error) {
	v := &SchemaValidator{
		schemas: make(map[ID]*jsonschema.Schema, Count),
		sources: make(map[ID]string, Count),
	}
	for _, def := range catalog {
		raw, source, err := loadSchema(def, overrideDir)
		if err != nil {
			return nil, err
		}
		schema, err := compileSchema(def.Key, raw)
		if err != nil {
			return nil, fmt.Errorf("stage %s schema (%s): %w", def.Key, source, err)
		}
		v.schemas[def.ID] = schema
		v.sources[def.ID] = source
	}
	return v, nil
}

func loadSchema(def Definition, overrideDir string) ([]byte, string, error) {
	name := def.Key + ".json"
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			return data, path, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, "", fmt.Errorf("read stage schema %s: %w", path, err)
		}
	}
	data, err := builtinSchemas.ReadFile("schemas/" + name)
	if err != nil {
		return nil, "", fmt.Errorf("read built-in stage schema %s: %w", name, err)
	}
	return data, "built-in", nil
}

func compileSchema(key string, raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := key + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(_ context.Context, id ID, payload Payload) []string {
	if !id.Valid() {
		return []string{fmt.Sprintf("unknown stage %d", int(id))}
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []string{"payload is required"}
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return []string{"payload is not valid JSON"}
	}
	schema, ok := v.schemas[id]
	if !ok {
		return nil
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	return unmetConditions(verr)
}

// HealthCheck reports which schema each stage is using.
func (v *SchemaValidator) HealthCheck() []Health {
	out := make([]Health, 0, Count)
	for _, id := range All() {
		if _, ok := v.schemas[id]; !ok {
			out = append(out, Unhealthy(id.Name(), "no schema loaded"))
			continue
		}
		out = append(out, Healthy(id.Name(), v.sources[id]))
	}
	return out
}

// unmetConditions flattens a validation error tree into its leaf messages.
func unmetConditions(verr *jsonschema.ValidationError) []string {
	seen := map[string]struct{}{}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		msg := fmt.Sprintf("%s: %s", instancePath(e.InstanceLocation), e.Message)
		if _, dup := seen[msg]; dup {
			return
		}
		seen[msg] = struct{}{}
		out = append(out, msg)
	}
	walk(verr)
	sort.Strings(out)
	return out
}

func instancePath(pointer string) string {
	pointer = strings.Trim(pointer, "/")
	if pointer == "" {
		return "payload"
	}
	return "payload." + strings.ReplaceAll(pointer, "/", ".")
}
