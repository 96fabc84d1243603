package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stencila/jesta/internal/node"
)

func TestEnterOutputs(t *testing.T) {
	s := New("test")
	ctx := context.Background()

	outputs, errs := s.Enter(ctx, "var e = 42")
	if len(outputs) != 0 || len(errs) != 0 {
		t.Fatalf("declaration must produce nothing, got %v %v", outputs, errs)
	}

	outputs, errs = s.Enter(ctx, "e * 2")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(outputs) != 1 || outputs[0] != 84.0 {
		t.Fatalf("expected [84], got %v", outputs)
	}

	outputs, _ = s.Enter(ctx, "({a: [1, 'two'], b: null})")
	obj, ok := outputs[0].(map[string]any)
	if !ok {
		t.Fatalf("expected object output, got %T", outputs[0])
	}
	if list := obj["a"].([]any); list[0] != 1.0 || list[1] != "two" {
		t.Errorf("unexpected output %v", obj)
	}
}

func TestEnterThrownError(t *testing.T) {
	s := New("test")
	outputs, errs := s.Enter(context.Background(), "throw new TypeError('bad thing')")
	if len(outputs) != 0 {
		t.Errorf("expected no outputs, got %v", outputs)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if errs[0]["type"] != "CodeError" || errs[0]["errorType"] != "TypeError" || errs[0]["errorMessage"] != "bad thing" {
		t.Errorf("unexpected error %v", errs[0])
	}
}

func TestEnterSyntaxError(t *testing.T) {
	s := New("test")
	_, errs := s.Enter(context.Background(), "var = ;")
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if msg, _ := errs[0]["errorMessage"].(string); msg == "" {
		t.Error("expected a message for the syntax error")
	}
}

func TestEnterErrorLikeResult(t *testing.T) {
	s := New("test")
	outputs, errs := s.Enter(context.Background(), "({message: 'oops', stack: 'at here'})")
	if len(outputs) != 0 || len(errs) != 1 {
		t.Fatalf("expected an error, got outputs=%v errors=%v", outputs, errs)
	}
	if errs[0]["errorMessage"] != "oops" {
		t.Errorf("unexpected error %v", errs[0])
	}

	// Entities with the same shape are values, not errors.
	outputs, errs = s.Enter(context.Background(), "({type: 'Thing', message: 'm', stack: 's'})")
	if len(outputs) != 1 || len(errs) != 0 {
		t.Fatalf("expected entity output, got outputs=%v errors=%v", outputs, errs)
	}
}

func TestEnterInterrupted(t *testing.T) {
	s := New("test")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outputs, errs := s.Enter(ctx, "while (true) {}")
	if len(outputs) != 0 {
		t.Errorf("expected no outputs, got %v", outputs)
	}
	if len(errs) != 1 || errs[0]["errorType"] != Interrupted || errs[0]["errorMessage"] != Interrupted {
		t.Fatalf("expected an Interrupted error, got %v", errs)
	}

	// The interrupt must not leak into the next evaluation.
	outputs, errs = s.Enter(context.Background(), "1 + 1")
	if len(errs) != 0 || len(outputs) != 1 || outputs[0] != 2.0 {
		t.Fatalf("session unusable after interrupt: outputs=%v errors=%v", outputs, errs)
	}
}

func TestVarsGetSetDelete(t *testing.T) {
	s := New("test")

	if err := s.Set("a", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("b", 3.14); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("c", "string"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("d", map[string]any{"type": "Datatable", "columns": []any{}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Enter(context.Background(), "var e = 42; function f() {}")

	want := map[string]string{"a": "Boolean", "b": "Number", "c": "Text", "d": "Datatable", "e": "Number"}
	vars := s.Vars()
	if len(vars) != len(want) {
		t.Fatalf("expected %v, got %v", want, vars)
	}
	for name, typ := range want {
		if vars[name] != typ {
			t.Errorf("%s: expected %s, got %s", name, typ, vars[name])
		}
	}

	if v, ok := s.Get("a"); !ok || v != true {
		t.Errorf("expected a=true, got %v %v", v, ok)
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("a"); ok {
		t.Error("a must be absent after delete")
	}

	// var bindings cannot be deleted, they become undefined.
	if err := s.Delete("e"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("e"); ok {
		t.Error("e must be absent after delete")
	}
}

func TestFuncsAndCall(t *testing.T) {
	s := New("test")
	s.Enter(context.Background(), "function add(x, y) { return x + y }; var n = 1")

	funcs := s.Funcs()
	if len(funcs) != 1 || funcs["add"] != "Function" {
		t.Fatalf("unexpected funcs %v", funcs)
	}

	got, err := s.Call(context.Background(), "add", []any{2.0, 3.0})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 5.0 {
		t.Errorf("expected 5, got %v", got)
	}

	_, err = s.Call(context.Background(), "n", nil)
	if !errors.Is(err, ErrNotFunction) {
		t.Errorf("expected ErrNotFunction, got %v", err)
	}
}

func TestRequireFromNodeModules(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "node_modules", "greet")
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "package.json"), []byte(`{"main": "lib.js"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "lib.js"), []byte(`module.exports = function (n) { return 'hello ' + n }`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New("test", WithModules(dir))
	outputs, errs := s.Enter(context.Background(), "const greet = require('greet'); greet('you')")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(outputs) != 1 || outputs[0] != "hello you" {
		t.Fatalf("expected greeting, got %v", outputs)
	}

	_, errs = s.Enter(context.Background(), "require('missing')")
	if len(errs) != 1 {
		t.Fatalf("expected error for missing module, got %v", errs)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := r.Get("doc-a")
	if r.Get("doc-a") != a {
		t.Error("expected the same session for the same document")
	}
	if r.Get("doc-b") == a {
		t.Error("sessions must not be shared across documents")
	}
	if r.Get("") != r.Get(DefaultDocument) {
		t.Error("empty id must map to the default document")
	}

	a.Set("x", 1.0)
	r.Discard("doc-a")
	if _, ok := r.Get("doc-a").Get("x"); ok {
		t.Error("discarded session state must not survive")
	}
	if got := r.Documents(); len(got) != 3 {
		t.Errorf("expected 3 documents, got %v", got)
	}
}

func TestLexicalBindings(t *testing.T) {
	s := New("test")
	ctx := context.Background()

	if _, errs := s.Enter(ctx, "const x = 6 * 7\nlet y = 'why'\nconst twice = n => n * 2"); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	if v, ok := s.Get("x"); !ok || v != 42.0 {
		t.Fatalf("expected x to be 42, got %v %v", v, ok)
	}
	vars := s.Vars()
	if vars["x"] != "Number" || vars["y"] != "String" {
		t.Errorf("expected lexical vars, got %v", vars)
	}
	if _, ok := vars["twice"]; ok {
		t.Errorf("function must not be listed as a variable: %v", vars)
	}
	if funcs := s.Funcs(); funcs["twice"] != "Function" {
		t.Errorf("expected twice in funcs, got %v", funcs)
	}
	if got, err := s.Call(ctx, "twice", []node.Node{21.0}); err != nil || got != 42.0 {
		t.Errorf("expected 42, got %v %v", got, err)
	}

	if err := s.Set("y", "changed"); err != nil {
		t.Fatalf("set let binding: %v", err)
	}
	if outputs, _ := s.Enter(ctx, "y"); len(outputs) != 1 || outputs[0] != "changed" {
		t.Errorf("script must see the new value, got %v", outputs)
	}
	if err := s.Set("x", 1.0); err == nil {
		t.Error("expected error assigning to a constant")
	}
	if v, _ := s.Get("x"); v != 42.0 {
		t.Errorf("constant must keep its value, got %v", v)
	}

	if err := s.Delete("x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("x"); ok {
		t.Error("deleted binding must be absent")
	}
	if _, ok := s.Vars()["x"]; ok {
		t.Error("deleted binding must not be listed")
	}
}

func TestLexicalBindingUninitialized(t *testing.T) {
	s := New("test")
	_, errs := s.Enter(context.Background(), "throw new Error('early')\nconst late = 1")
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if _, ok := s.Get("late"); ok {
		t.Error("binding in the temporal dead zone must be absent")
	}
}
