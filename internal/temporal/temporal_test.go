package temporal

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"go.temporal.io/sdk/testsuite"

	"github.com/stencila/jesta/internal/build"
	"github.com/stencila/jesta/internal/dispatch"
	"github.com/stencila/jesta/internal/manifest"
	"github.com/stencila/jesta/internal/methods"
	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/observability"
)

const article = `{"type":"Article","content":[{"type":"CodeChunk","programmingLanguage":"javascript","text":"const x = 6 * 7\nx"}]}`

func setupDependencies(t *testing.T) *build.RecordingInstaller {
	t.Helper()
	installer := &build.RecordingInstaller{}
	p := methods.New(methods.WithDir(t.TempDir()), methods.WithInstaller(installer))
	d, err := dispatch.New(p, manifest.Default(manifest.Options{}), dispatch.WithMetrics(observability.NewJestaMetrics()))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	SetDependencies(&Dependencies{Dispatcher: d})
	t.Cleanup(func() { SetDependencies(nil) })
	return installer
}

func firstChunk(t *testing.T, nodeJSON string) node.Entity {
	t.Helper()
	var root map[string]any
	if err := json.Unmarshal([]byte(nodeJSON), &root); err != nil {
		t.Fatalf("decode: %v", err)
	}
	chunk, ok := node.AsEntity(root["content"].([]any)[0])
	if !ok {
		t.Fatalf("expected a chunk in %s", nodeJSON)
	}
	return chunk
}

func TestMethodActivity(t *testing.T) {
	setupDependencies(t)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(MethodActivity)

	val, err := env.ExecuteActivity(MethodActivity, MethodInput{Method: "compile", NodeJSON: article})
	if err != nil {
		t.Fatalf("MethodActivity: %v", err)
	}
	var result MethodResult
	if err := val.Get(&result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if got := firstChunk(t, result.NodeJSON).Strings("declares"); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("expected declares [x], got %v", got)
	}
}

func TestMethodActivity_ProtocolErrorIsNotRetried(t *testing.T) {
	setupDependencies(t)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(MethodActivity)

	_, err := env.ExecuteActivity(MethodActivity, MethodInput{Method: "downcast", NodeJSON: "{}"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Incapable of downcast") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestMethodActivity_NoDependencies(t *testing.T) {
	SetDependencies(nil)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(MethodActivity)

	if _, err := env.ExecuteActivity(MethodActivity, MethodInput{Method: "clean", NodeJSON: "{}"}); err == nil {
		t.Fatal("expected error without dependencies")
	}
}

func TestPipeWorkflow(t *testing.T) {
	installer := setupDependencies(t)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(MethodActivity)

	env.ExecuteWorkflow(PipeWorkflow, PipeInput{
		NodeJSON: article,
		Calls:    []string{"clean", "compile", "execute"},
		Document: "doc-1",
	})

	if !env.IsWorkflowCompleted() {
		t.Fatal("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	var out PipeOutput
	if err := env.GetWorkflowResult(&out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.Steps != 3 {
		t.Fatalf("expected 3 steps, got %d", out.Steps)
	}

	chunk := firstChunk(t, out.NodeJSON)
	outputs, _ := chunk["outputs"].([]any)
	if len(outputs) != 1 || outputs[0] != float64(42) {
		t.Fatalf("expected outputs [42], got %v", chunk["outputs"])
	}
	if len(installer.Calls) != 0 {
		t.Fatalf("expected no installs, got %v", installer.Calls)
	}
}
