package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/TangGee/mcp-toolserver"
	"github.com/google/go-cmp/cmp"
)

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		want       mcp.RequestID
		wantString string
		wantErr    bool
	}{
		{
			name:       "string input",
			input:      `"test123"`,
			want:       mcp.StringID("test123"),
			wantString: "test123",
		},
		{
			name:       "integer input",
			input:      `42`,
			want:       mcp.NumberID(42),
			wantString: "42",
		},
		{
			name:       "numeric string stays a string",
			input:      `"42"`,
			want:       mcp.StringID("42"),
			wantString: "42",
		},
		{
			name:  "null input",
			input: `null`,
			want:  "",
		},
		{
			name:    "object input",
			input:   `{"key": "value"}`,
			wantErr: true,
		},
		{
			name:    "boolean input",
			input:   `true`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.RequestID
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("UnmarshalJSON() got = %s, want %s", got, tt.want)
			}
			if got.String() != tt.wantString {
				t.Errorf("String() got = %q, want %q", got.String(), tt.wantString)
			}
		})
	}
}

func TestRequestIDEchoesOriginalForm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "number id",
			input: `{"jsonrpc":"2.0","id":7,"method":"ping"}`,
			want:  `{"jsonrpc":"2.0","id":7,"result":{}}`,
		},
		{
			name:  "string id",
			input: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			want:  `{"jsonrpc":"2.0","id":"abc","result":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(tt.input), &req); err != nil {
				t.Fatalf("failed to unmarshal request: %v", err)
			}

			resp := mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      req.ID,
				Result:  json.RawMessage(`{}`),
			}
			bs, err := json.Marshal(resp)
			if err != nil {
				t.Fatalf("failed to marshal response: %v", err)
			}
			if string(bs) != tt.want {
				t.Errorf("got %s, want %s", bs, tt.want)
			}
		})
	}
}

func TestNotificationOmitsID(t *testing.T) {
	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal notification: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	if string(bs) != want {
		t.Errorf("got %s, want %s", bs, want)
	}
}

func TestCallToolResultWireForm(t *testing.T) {
	tests := []struct {
		name   string
		result mcp.CallToolResult
		want   string
	}{
		{
			name:   "text result",
			result: mcp.TextResult("5"),
			want:   `{"content":[{"type":"text","text":"5"}]}`,
		},
		{
			name: "error result",
			result: mcp.CallToolResult{
				Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "tool failed"}},
				IsError: true,
			},
			want: `{"content":[{"type":"text","text":"tool failed"}],"isError":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := json.Marshal(tt.result)
			if err != nil {
				t.Fatalf("failed to marshal result: %v", err)
			}
			if string(bs) != tt.want {
				t.Errorf("got %s, want %s", bs, tt.want)
			}
		})
	}
}

func TestJSONRPCErrorMessage(t *testing.T) {
	var msg mcp.JSONRPCMessage
	input := `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params","data":{"tool":"add_numbers","missing":["b"]}}}`
	if err := json.Unmarshal([]byte(input), &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if msg.Error == nil {
		t.Fatal("expected an error object")
	}

	want := mcp.JSONRPCError{
		Code:    -32602,
		Message: "invalid params",
		Data: map[string]any{
			"tool":    "add_numbers",
			"missing": []any{"b"},
		},
	}
	if diff := cmp.Diff(want, *msg.Error); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
}
