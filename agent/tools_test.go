package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jordanhart/drover/backend"
)

func echoTool(name string) RegisteredTool {
	return RegisteredTool{
		Definition: backend.ToolDefinition{Name: name, Description: "echo"},
		Func: func(ctx context.Context, args json.RawMessage) (string, error) {
			parsed, err := ParseArguments(args)
			if err != nil {
				return "", err
			}
			text, _ := StringArg(parsed, "text")
			return text, nil
		},
	}
}

func TestRegistryRun(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("echo"))

	out, err := reg.Run(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hi" {
		t.Errorf("Run = %q, want %q", out, "hi")
	}

	if _, err := reg.Run(context.Background(), "missing", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown tool")
	} else if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("error = %v, want unknown tool", err)
	}
}

func TestRegistryCloneIsIndependent(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("echo"))
	reg.Register(echoTool("spawn_agent"))

	clone := reg.Clone()
	clone.Unregister("spawn_agent")

	if len(clone.Names()) != 1 {
		t.Errorf("clone has %d tools, want 1", len(clone.Names()))
	}
	if len(reg.Names()) != 2 {
		t.Errorf("parent has %d tools, want 2", len(reg.Names()))
	}
}

func TestArgumentHelpers(t *testing.T) {
	args, err := ParseArguments(json.RawMessage(`{"path":"src","limit":40}`))
	if err != nil {
		t.Fatalf("ParseArguments: %v", err)
	}
	if s, ok := StringArg(args, "path"); !ok || s != "src" {
		t.Errorf("StringArg = %q, %v", s, ok)
	}
	if n, ok := IntArg(args, "limit"); !ok || n != 40 {
		t.Errorf("IntArg = %d, %v", n, ok)
	}
	if _, ok := StringArg(args, "limit"); ok {
		t.Error("StringArg accepted a number")
	}
	if _, err := ParseArguments(json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for invalid arguments")
	}
}
