package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/qri-io/jsonschema"
)

// ToolInputSchema is the JSON-Schema subset a tool declares for its arguments: an object with
// named, primitive-typed properties, some of them required.
type ToolInputSchema struct {
	Type       string                    `json:"type"`
	Required   []string                  `json:"required,omitempty"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
}

// SchemaProperty declares one argument field.
type SchemaProperty struct {
	// Type is one of "string", "integer", "number", "boolean", "array" or "object".
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// compiledSchema pairs the declared schema with its validator. The validator registers its keywords
// lazily on first use, so calls into it are serialized by mu.
type compiledSchema struct {
	decl      ToolInputSchema
	validator *jsonschema.Schema
	mu        *sync.Mutex
}

var primitiveTypes = []string{"string", "integer", "number", "boolean", "array", "object"}

func compileInputSchema(s ToolInputSchema) (compiledSchema, error) {
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Type != "object" {
		return compiledSchema{}, errors.Newf("input schema type must be object, got %q", s.Type)
	}
	for name, prop := range s.Properties {
		if prop.Type != "" && !slices.Contains(primitiveTypes, prop.Type) {
			return compiledSchema{}, errors.Newf("property %q has unsupported type %q", name, prop.Type)
		}
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return compiledSchema{}, errors.Newf("required field %q is not declared in properties", name)
		}
	}

	bs, err := json.Marshal(s)
	if err != nil {
		return compiledSchema{}, errors.Wrap(err, "failed to marshal input schema")
	}
	validator := &jsonschema.Schema{}
	if err := json.Unmarshal(bs, validator); err != nil {
		return compiledSchema{}, errors.Wrap(err, "failed to compile input schema")
	}

	return compiledSchema{decl: s, validator: validator, mu: &sync.Mutex{}}, nil
}

// validate checks presence of every required field first, so the caller learns exactly which fields
// are missing, then runs the full schema for primitive type checks.
func (c compiledSchema) validate(ctx context.Context, tool string, args map[string]any) error {
	var missing []string
	for _, name := range c.decl.Required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &InvalidArgumentsError{Tool: tool, Missing: missing}
	}

	c.mu.Lock()
	vs := c.validator.Validate(ctx, validationView(args))
	c.mu.Unlock()
	if vs.Errs == nil || len(*vs.Errs) == 0 {
		return nil
	}

	var problems []string
	for _, kerr := range *vs.Errs {
		path := strings.TrimPrefix(kerr.PropertyPath, "/")
		if path == "" {
			problems = append(problems, kerr.Message)
			continue
		}
		problems = append(problems, fmt.Sprintf("%s: %s", path, kerr.Message))
	}
	return &InvalidArgumentsError{Tool: tool, Problems: problems}
}

// normalizeArguments round-trips the arguments through JSON, so handlers see the same value shapes
// whether the call came off the wire or from in-process code: json.Number numbers, []any arrays and
// map[string]any objects. Numbers keep their literal, so integers of any size reach the handler
// exactly.
func normalizeArguments(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	bs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeJSON(bs, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// decodeJSON unmarshals data into v with numbers decoded as json.Number.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// validationView copies v replacing json.Number with the Go value the validator types by: int64
// for integral literals, float64 otherwise. Integers beyond int64 only need their type checked, so
// they stand in as zero.
func validationView(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = validationView(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = validationView(e)
		}
		return out
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if _, err := ParseInteger(v); err == nil {
			return int64(0)
		}
		f, _ := v.Float64()
		return f
	default:
		return v
	}
}

// ParseInteger parses an integral JSON number of any size. Literals such as 1e3 or 2.0 are
// accepted when their value is whole.
func ParseInteger(n json.Number) (*big.Int, error) {
	s := n.String()
	if i, ok := new(big.Int).SetString(s, 10); ok {
		return i, nil
	}
	f, _, err := big.ParseFloat(s, 10, 4096, big.ToNearestEven)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid number %q", s)
	}
	if !f.IsInt() {
		return nil, errors.Newf("%s is not an integer", s)
	}
	i, _ := f.Int(nil)
	return i, nil
}
