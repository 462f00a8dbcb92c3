package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	loom "github.com/nevindra/loom"
)

func TestWriteThenRead(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	write := NewWriteTool(ws)
	read := NewReadTool(ws)

	res, err := write.Execute(context.Background(), loom.ToolContext{}, map[string]any{
		"path": "notes/report.md", "content": "# Findings\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.String(), "wrote 11 bytes") {
		t.Errorf("write result = %q", res.String())
	}

	res, err = read.Execute(context.Background(), loom.ToolContext{}, map[string]any{
		"path": "notes/report.md",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.String() != "# Findings\n" {
		t.Errorf("read = %q", res.String())
	}
}

func TestWriteCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	write := NewWriteTool(NewWorkspace(dir))

	_, err := write.Execute(context.Background(), loom.ToolContext{}, map[string]any{
		"path": "a/b/c.txt", "content": "nested",
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "a/b/c.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "nested" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteOverwrite(t *testing.T) {
	dir := t.TempDir()
	write := NewWriteTool(NewWorkspace(dir))
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		if _, err := write.Execute(ctx, loom.ToolContext{}, map[string]any{"path": "ow.txt", "content": content}); err != nil {
			t.Fatal(err)
		}
	}
	data, _ := os.ReadFile(filepath.Join(dir, "ow.txt"))
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	read := NewReadTool(ws)
	write := NewWriteTool(ws)
	ctx := context.Background()

	for _, path := range []string{"../etc/passwd", "a/../../secret", "/etc/passwd", ""} {
		if _, err := read.Execute(ctx, loom.ToolContext{}, map[string]any{"path": path}); err == nil {
			t.Errorf("read %q: expected error", path)
		}
		if _, err := write.Execute(ctx, loom.ToolContext{}, map[string]any{"path": path, "content": "x"}); err == nil {
			t.Errorf("write %q: expected error", path)
		}
	}
}

func TestDotsInFilenameAllowed(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir)
	if _, err := NewWriteTool(ws).Execute(context.Background(), loom.ToolContext{}, map[string]any{
		"path": "data..v2.txt", "content": "ok",
	}); err != nil {
		t.Fatalf("dots inside a name are not traversal: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data..v2.txt")); err != nil {
		t.Error(err)
	}
}

func TestReadTruncation(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("A", 10000)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0644); err != nil {
		t.Fatal(err)
	}

	read := NewReadTool(NewWorkspace(dir))
	res, err := read.Execute(context.Background(), loom.ToolContext{}, map[string]any{"path": "big.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.String()) > maxReadChars+100 {
		t.Errorf("content not truncated: %d chars", len(res.String()))
	}
	if !strings.HasSuffix(res.String(), "(truncated)") {
		t.Error("missing truncation marker")
	}
}

func TestReadNonexistent(t *testing.T) {
	read := NewReadTool(NewWorkspace(t.TempDir()))
	if _, err := read.Execute(context.Background(), loom.ToolContext{}, map[string]any{"path": "ghost.txt"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefinitions(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	if name := NewReadTool(ws).Definition().Name; name != "readFile" {
		t.Errorf("read tool name = %q", name)
	}
	if name := NewWriteTool(ws).Definition().Name; name != "writeFile" {
		t.Errorf("write tool name = %q", name)
	}
}
