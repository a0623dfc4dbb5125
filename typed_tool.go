package mcp

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
)

// NewTypedTool builds a tool definition and handler from an argument struct A. The input schema is
// reflected from A: json tags name the fields, fields without omitempty are required, and the
// description comes from the jsonschema tag, e.g.
//
//	type addArgs struct {
//		A int `json:"a" jsonschema:"description=First number"`
//	}
//
// The handler decodes the validated arguments into A before calling fn.
func NewTypedTool[A any](
	name, description string,
	fn func(ctx context.Context, args A) (CallToolResult, error),
) (Tool, ToolHandler) {
	tool := Tool{
		Name:        name,
		Description: description,
		InputSchema: reflectInputSchema[A](),
	}

	handler := ToolHandlerFunc(func(ctx context.Context, raw map[string]any) (CallToolResult, error) {
		bs, err := json.Marshal(raw)
		if err != nil {
			return CallToolResult{}, errors.Wrap(err, "failed to marshal arguments")
		}
		var args A
		if err := json.Unmarshal(bs, &args); err != nil {
			return CallToolResult{}, errors.Wrap(err, "failed to decode arguments")
		}
		return fn(ctx, args)
	})

	return tool, handler
}

func reflectInputSchema[A any]() ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))

	out := ToolInputSchema{
		Type:       "object",
		Properties: map[string]SchemaProperty{},
	}
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = SchemaProperty{
				Type:        el.Value.Type,
				Description: el.Value.Description,
			}
		}
	}
	if len(s.Required) > 0 {
		out.Required = append(out.Required, s.Required...)
	}

	return out
}
