package mcp_test

import (
	"context"
	"testing"

	"github.com/TangGee/mcp-toolserver"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
)

type weatherArgs struct {
	City  string `json:"city" jsonschema:"description=City name"`
	Days  int    `json:"days" jsonschema:"description=Forecast length"`
	Units string `json:"units,omitempty" jsonschema:"description=metric or imperial"`
}

func TestNewTypedToolSchema(t *testing.T) {
	tool, _ := mcp.NewTypedTool("weather", "Get the forecast",
		func(context.Context, weatherArgs) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, nil
		})

	want := mcp.Tool{
		Name:        "weather",
		Description: "Get the forecast",
		InputSchema: mcp.ToolInputSchema{
			Type:     "object",
			Required: []string{"city", "days"},
			Properties: map[string]mcp.SchemaProperty{
				"city":  {Type: "string", Description: "City name"},
				"days":  {Type: "integer", Description: "Forecast length"},
				"units": {Type: "string", Description: "metric or imperial"},
			},
		},
	}
	if diff := cmp.Diff(want, tool); diff != "" {
		t.Errorf("tool mismatch (-want +got):\n%s", diff)
	}
}

func TestNewTypedToolInvoke(t *testing.T) {
	var got weatherArgs
	tool, handler := mcp.NewTypedTool("weather", "Get the forecast",
		func(_ context.Context, args weatherArgs) (mcp.CallToolResult, error) {
			got = args
			return mcp.TextResultf("%s for %d days", args.City, args.Days), nil
		})

	reg := mcp.NewToolRegistry()
	reg.MustRegister(tool, handler)

	result, err := reg.Invoke(context.Background(), "weather", map[string]any{"city": "Oslo", "days": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(weatherArgs{City: "Oslo", Days: 3}, got); diff != "" {
		t.Errorf("decoded args mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(mcp.TextResult("Oslo for 3 days"), result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	_, err = reg.Invoke(context.Background(), "weather", map[string]any{"city": "Oslo"})
	var argsErr *mcp.InvalidArgumentsError
	if !errors.As(err, &argsErr) {
		t.Fatalf("expected *InvalidArgumentsError, got %v", err)
	}
	if diff := cmp.Diff([]string{"days"}, argsErr.Missing); diff != "" {
		t.Errorf("missing fields mismatch (-want +got):\n%s", diff)
	}
}
