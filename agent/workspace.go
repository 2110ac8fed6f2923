package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Workspace is where core tools operate: a project directory with file
// access and shell execution. Relative paths resolve against the root.
type Workspace struct {
	root string
}

// NewWorkspace creates a Workspace rooted at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: dir}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

func (w *Workspace) resolve(path string) string {
	if path == "" {
		return w.root
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(w.root, path)
}

// ReadFile returns line-numbered file content. Offset is 1-based; limit 0
// means no line limit.
func (w *Workspace) ReadFile(path string, offset, limit int) (string, error) {
	data, err := os.ReadFile(w.resolve(path))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// ListFiles returns a sorted directory listing, one entry per line, with
// directories suffixed by a slash.
func (w *Workspace) ListFiles(path string) (string, error) {
	entries, err := os.ReadDir(w.resolve(path))
	if err != nil {
		return "", fmt.Errorf("list_files: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// Exec runs a shell command in the workspace, bounded by timeout. The
// combined output plus exit status is returned; a non-zero exit is reported
// in the output rather than as an error so the model can react to it.
func (w *Workspace) Exec(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, shellArg := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = w.root

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String() + "\n[command timed out]", nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Sprintf("%s\n[exit status %d]", out.String(), exitErr.ExitCode()), nil
		}
		return "", fmt.Errorf("run_command: %w", err)
	}
	return out.String(), nil
}
