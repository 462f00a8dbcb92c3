// Package file provides the readFile and writeFile tools, scoped to a
// single workspace directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	loom "github.com/nevindra/loom"
)

// maxReadChars caps how much of a file readFile returns.
const maxReadChars = 8000

// Workspace is the directory subtree the file tools may touch. Task-supplied
// paths resolve relative to its root; anything that would escape is refused.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: dir}
}

func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	// Clean before the escape check so "a/../../b" cannot sneak past it.
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return filepath.Join(w.root, cleaned), nil
}

// ReadTool implements readFile.
type ReadTool struct {
	ws *Workspace
}

// NewReadTool creates a readFile tool bound to ws.
func NewReadTool(ws *Workspace) *ReadTool {
	return &ReadTool{ws: ws}
}

func (t *ReadTool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "readFile",
		Description: "Read a file from the workspace. Large files are truncated to 8000 characters.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
	}
}

func (t *ReadTool) Execute(ctx context.Context, tc loom.ToolContext, input map[string]any) (loom.Result, error) {
	path, _ := input["path"].(string)
	resolved, err := t.ws.resolve(path)
	if err != nil {
		return loom.Result{}, fmt.Errorf("readFile: %w", err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return loom.Result{}, fmt.Errorf("readFile: %w", err)
	}

	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return loom.TextResult(content), nil
}

// WriteTool implements writeFile.
type WriteTool struct {
	ws *Workspace
}

// NewWriteTool creates a writeFile tool bound to ws.
func NewWriteTool(ws *Workspace) *WriteTool {
	return &WriteTool{ws: ws}
}

func (t *WriteTool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "writeFile",
		Description: "Write content to a file in the workspace, creating parent directories as needed.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
	}
}

func (t *WriteTool) Execute(ctx context.Context, tc loom.ToolContext, input map[string]any) (loom.Result, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	resolved, err := t.ws.resolve(path)
	if err != nil {
		return loom.Result{}, fmt.Errorf("writeFile: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return loom.Result{}, fmt.Errorf("writeFile: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return loom.Result{}, fmt.Errorf("writeFile: %w", err)
	}
	return loom.TextResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}
