package loom

import (
	"context"
	"strings"
	"testing"
)

type badSchemaTool struct{}

func (badSchemaTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "bad", Description: "broken schema", Parameters: []byte(`{"type":`)}
}

func (badSchemaTool) Execute(_ context.Context, _ ToolContext, _ map[string]any) (Result, error) {
	return Result{}, nil
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(&echoTool{}); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	tool, ok := r.Get("echo")
	if !ok {
		t.Fatal("Get(echo) not found")
	}
	if tool.Definition().Name != "echo" {
		t.Errorf("Definition().Name = %q, want echo", tool.Definition().Name)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should report not found")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(&echoTool{}); err != nil {
		t.Fatal(err)
	}
	err := r.Add(&echoTool{})
	if err == nil {
		t.Fatal("expected error for duplicate tool name")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(failToolNamed("")); err == nil {
		t.Fatal("expected error for empty tool name")
	}
}

// failToolNamed builds a minimal tool with the given name.
type namedTool struct{ name string }

func failToolNamed(name string) Tool { return namedTool{name: name} }

func (n namedTool) Definition() ToolDefinition {
	return ToolDefinition{Name: n.name, Description: "named"}
}
func (n namedTool) Execute(_ context.Context, _ ToolContext, _ map[string]any) (Result, error) {
	return TextResult("ok"), nil
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(badSchemaTool{}); err == nil {
		t.Fatal("expected error for uncompilable parameter schema")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := testRegistry(&stubFetchTool{}, stubSearchTool{}, &echoTool{})
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(Definitions()) = %d, want 3", len(defs))
	}
	want := []string{"echo", "fetchURLs", "webSearch"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("Definitions()[%d].Name = %q, want %q", i, def.Name, want[i])
		}
	}
}

func TestRegistryFilterByNames(t *testing.T) {
	r := testRegistry(&stubFetchTool{}, stubSearchTool{}, &echoTool{})
	defs := r.FilterByNames([]string{"webSearch", "nope", "echo"})
	if len(defs) != 2 {
		t.Fatalf("len = %d, want 2", len(defs))
	}
	if defs[0].Name != "webSearch" || defs[1].Name != "echo" {
		t.Errorf("order = [%s %s], want [webSearch echo]", defs[0].Name, defs[1].Name)
	}
}

func TestRegistryValidate(t *testing.T) {
	r := testRegistry(&echoTool{})

	if err := r.Validate("echo", map[string]any{"text": "hi"}); err != nil {
		t.Errorf("Validate(valid) = %v, want nil", err)
	}

	err := r.Validate("echo", map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	if KindOf(err) != KindInputInvalid {
		t.Errorf("KindOf(err) = %q, want %q", KindOf(err), KindInputInvalid)
	}

	err = r.Validate("ghost", nil)
	if KindOf(err) != KindToolNotFound {
		t.Errorf("KindOf(err) = %q, want %q", KindOf(err), KindToolNotFound)
	}
}

func TestRegistryValidateTypedSlices(t *testing.T) {
	// Resolver output hands tools []string, not []any; the JSON round-trip
	// inside Validate must accept it against an array schema.
	r := testRegistry(&stubFetchTool{})
	err := r.Validate(FetchURLsToolName, map[string]any{
		"urls": []string{"https://a.example", "https://b.example"},
	})
	if err != nil {
		t.Errorf("Validate([]string urls) = %v, want nil", err)
	}
}

func TestRegistryValidateNoSchemaAcceptsAnything(t *testing.T) {
	// Tools that declare no parameter schema accept any object.
	r := testRegistry(failTool{})
	if err := r.Validate("fail", map[string]any{"whatever": 1}); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
