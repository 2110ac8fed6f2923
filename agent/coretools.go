package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordanhart/drover/backend"
)

// RegisterCoreTools registers the built-in tools on a Registry, backed by
// the given workspace.
func RegisterCoreTools(reg *Registry, ws *Workspace, defaultTimeout, maxTimeout time.Duration) {
	registerListFiles(reg, ws)
	registerReadFile(reg, ws)
	registerRunCommand(reg, ws, defaultTimeout, maxTimeout)
}

func registerListFiles(reg *Registry, ws *Workspace) {
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{
			Name:        "list_files",
			Description: "List the entries of a directory. Directories are suffixed with a slash.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory to list, relative to the workspace root. Default: the root.",
					},
				},
			},
		},
		Func: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			path, _ := StringArg(args, "path")
			return ws.ListFiles(path)
		},
	})
}

func registerReadFile(reg *Registry, ws *Workspace) {
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the workspace. Returns line-numbered content.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to read.",
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "1-based line number to start reading from.",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of lines to read. Default: 2000.",
					},
				},
				"required": []string{"file_path"},
			},
		},
		Func: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			filePath, ok := StringArg(args, "file_path")
			if !ok || filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			offset, _ := IntArg(args, "offset")
			limit, _ := IntArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			return ws.ReadFile(filePath, offset, limit)
		},
	})
}

func registerRunCommand(reg *Registry, ws *Workspace, defaultTimeout, maxTimeout time.Duration) {
	reg.Register(RegisteredTool{
		Definition: backend.ToolDefinition{
			Name:        "run_command",
			Description: "Run a shell command in the workspace and return its combined output.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "The shell command to execute.",
					},
					"timeout_ms": map[string]interface{}{
						"type":        "integer",
						"description": "Timeout in milliseconds. Defaults to the configured command timeout.",
					},
				},
				"required": []string{"command"},
			},
		},
		Func: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			command, ok := StringArg(args, "command")
			if !ok || command == "" {
				return "", fmt.Errorf("command is required")
			}
			timeout := defaultTimeout
			if ms, ok := IntArg(args, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
				if maxTimeout > 0 && timeout > maxTimeout {
					timeout = maxTimeout
				}
			}
			return ws.Exec(ctx, command, timeout)
		},
	})
}
