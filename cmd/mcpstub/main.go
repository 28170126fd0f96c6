// Development MCP stdio server with a few toy tools, for exercising the
// runtime's subprocess path without installing real dependency packages.
//
// Point a capability dependency at it:
//
//	{"name": "stub", "version": "0.0.1", "command": "mcpstub"}
//
// Tools: echo (returns its arguments), add (sums a and b), store/recall
// (process-local key/value memory).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Casys-AI/pmlrun/internal/version"
)

func main() {
	server := gomcp.NewServer(&gomcp.Implementation{
		Name:    "pmlrun-mcpstub",
		Version: version.GitCommit,
	}, nil)

	server.AddTool(&gomcp.Tool{
		Name:        "echo",
		Description: "returns its arguments as JSON text",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		data, _ := json.Marshal(req.Params.Arguments)
		return textResult(string(data)), nil
	})

	server.AddTool(&gomcp.Tool{
		Name:        "add",
		Description: "sums the numbers a and b",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		args, err := decodeArgs(req)
		if err != nil {
			return nil, err
		}
		a, aok := args["a"].(float64)
		b, bok := args["b"].(float64)
		if !aok || !bok {
			return nil, fmt.Errorf("add wants numeric a and b")
		}
		return textResult(fmt.Sprintf(`{"sum": %g}`, a+b)), nil
	})

	var (
		memMu  sync.Mutex
		memory = map[string]any{}
	)
	server.AddTool(&gomcp.Tool{
		Name:        "store",
		Description: "remembers value under key",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{},
			},
			"required": []string{"key"},
		},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		args, err := decodeArgs(req)
		if err != nil {
			return nil, err
		}
		key, _ := args["key"].(string)
		if key == "" {
			return nil, fmt.Errorf("store wants a key")
		}
		memMu.Lock()
		memory[key] = args["value"]
		memMu.Unlock()
		return textResult(`{"stored": true}`), nil
	})

	server.AddTool(&gomcp.Tool{
		Name:        "recall",
		Description: "returns the value stored under key",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string"},
			},
			"required": []string{"key"},
		},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		args, err := decodeArgs(req)
		if err != nil {
			return nil, err
		}
		key, _ := args["key"].(string)
		memMu.Lock()
		value, ok := memory[key]
		memMu.Unlock()
		data, _ := json.Marshal(map[string]any{"value": value, "found": ok})
		return textResult(string(data)), nil
	})

	if err := server.Run(context.Background(), &gomcp.StdioTransport{}); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func decodeArgs(req *gomcp.CallToolRequest) (map[string]any, error) {
	data, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("cannot read arguments: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("arguments are not an object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func textResult(text string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: text}},
	}
}
