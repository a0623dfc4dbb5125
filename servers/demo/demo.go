// Package demo provides the reference tools served by the binaries: add_numbers and greeting.
package demo

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/TangGee/mcp-toolserver"
	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
)

// ServerName is the name the demo server reports in its handshake.
const ServerName = "MetaGPTIntegration"

// AddNumbersArgs are the arguments of add_numbers. The operands are kept as JSON literals so sums
// are exact at any size.
type AddNumbersArgs struct {
	A json.Number `json:"a" jsonschema:"type=integer,description=First number"`
	B json.Number `json:"b" jsonschema:"type=integer,description=Second number"`
}

// GreetingArgs are the arguments of greeting.
type GreetingArgs struct {
	Name string `json:"name" jsonschema:"description=Name to greet"`
}

type entry struct {
	tool    mcp.Tool
	handler mcp.ToolHandler
}

// AddNumbers returns the sum of a and b as text.
func AddNumbers(_ context.Context, args AddNumbersArgs) (mcp.CallToolResult, error) {
	a, err := mcp.ParseInteger(args.A)
	if err != nil {
		return mcp.CallToolResult{}, errors.WithHint(errors.Wrap(err, "operand a"), "a must be an integer")
	}
	b, err := mcp.ParseInteger(args.B)
	if err != nil {
		return mcp.CallToolResult{}, errors.WithHint(errors.Wrap(err, "operand b"), "b must be an integer")
	}
	return mcp.TextResult(new(big.Int).Add(a, b).String()), nil
}

// Greeting returns "Hello, <name>!".
func Greeting(_ context.Context, args GreetingArgs) (mcp.CallToolResult, error) {
	return mcp.TextResultf("Hello, %s!", args.Name), nil
}

func tools() []entry {
	addTool, addHandler := mcp.NewTypedTool("add_numbers", "Add two numbers", AddNumbers)
	greetTool, greetHandler := mcp.NewTypedTool("greeting", "Get a personalized greeting", Greeting)
	return []entry{
		{tool: addTool, handler: addHandler},
		{tool: greetTool, handler: greetHandler},
	}
}

// Register adds the demo tools whose names match at least one of patterns to reg, in a fixed
// order. Patterns use glob syntax ("add_*", "{greeting,add_numbers}"); no patterns registers every
// tool. It returns the names it registered.
func Register(reg *mcp.ToolRegistry, patterns ...string) ([]string, error) {
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid tool pattern %q", p)
		}
		matchers = append(matchers, g)
	}

	var registered []string
	for _, e := range tools() {
		if !matches(matchers, e.tool.Name) {
			continue
		}
		if err := reg.Register(e.tool, e.handler); err != nil {
			return registered, errors.Wrapf(err, "failed to register %s", e.tool.Name)
		}
		registered = append(registered, e.tool.Name)
	}

	return registered, nil
}

func matches(matchers []glob.Glob, name string) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, m := range matchers {
		if m.Match(name) {
			return true
		}
	}
	return false
}
