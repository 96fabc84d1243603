package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stencila/jesta/internal/manifest"
)

func TestURLs(t *testing.T) {
	tests := []struct {
		arg, in, out string
	}{
		{"-", "stdin://", "stdout://"},
		{"doc.json", "file://doc.json", "file://doc.json"},
		{"string://{}", "string://{}", "string://{}"},
		{"https://example.org/a.json", "https://example.org/a.json", "https://example.org/a.json"},
	}
	for _, tt := range tests {
		if got := inputURL(tt.arg); got != tt.in {
			t.Errorf("inputURL(%q) = %q, want %q", tt.arg, got, tt.in)
		}
		if got := outputURL(tt.arg); got != tt.out {
			t.Errorf("outputURL(%q) = %q, want %q", tt.arg, got, tt.out)
		}
	}
}

func TestParseValue(t *testing.T) {
	if v := parseValue("42"); v != float64(42) {
		t.Errorf("parseValue(42) = %#v", v)
	}
	if v := parseValue("hello"); v != "hello" {
		t.Errorf("parseValue(hello) = %#v", v)
	}
	if v, ok := parseValue(`[1,2]`).([]any); !ok || len(v) != 2 {
		t.Errorf("parseValue([1,2]) = %#v", v)
	}
}

func TestWithOptional(t *testing.T) {
	params := withOptional(map[string]any{}, "format", "")
	if _, ok := params["format"]; ok {
		t.Fatal("empty value should not be set")
	}
	params = withOptional(params, "format", "json")
	if params["format"] != "json" {
		t.Fatalf("format = %v", params["format"])
	}
	if optional([]string{"a"}, 1) != "" || optional([]string{"a", "b"}, 1) != "b" {
		t.Fatal("optional returned the wrong argument")
	}
}

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	a, err := newApp(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), "error", manifest.Options{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	var out bytes.Buffer
	a.stdout = &out
	return a, &out
}

func TestPipeToFile(t *testing.T) {
	a, _ := newTestApp(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	out := filepath.Join(dir, "out.json")
	doc := `{"type":"CodeChunk","programmingLanguage":"js","text":"let x = 1"}`
	if err := os.WriteFile(in, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := a.pipe(context.Background(), []string{"compile"}, in, out); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(data), `"declares"`) {
		t.Errorf("compiled output has no declares:\n%s", data)
	}
}

func TestOutputPrintsJSON(t *testing.T) {
	a, out := newTestApp(t)
	if err := a.output(context.Background(), map[string]any{"type": "Paragraph"}, ""); err != nil {
		t.Fatalf("output: %v", err)
	}
	want := "{\n  \"type\": \"Paragraph\"\n}\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestRootCommandLists(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"serve", "manifest", "decode", "encode", "convert", "pull", "select", "execute", "vars", "get", "set"} {
		if c, _, err := cmd.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q not found", name)
		}
	}
}
