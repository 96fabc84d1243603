package methods

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stencila/jesta/internal/analysis"
	"github.com/stencila/jesta/internal/build"
	"github.com/stencila/jesta/internal/changes"
	"github.com/stencila/jesta/internal/graph"
	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/session"
)

// Method names recorded in history entries.
const (
	MethodCompile = "compile"
	MethodBuild   = "build"
	MethodExecute = "execute"
)

// apply runs fn on n itself when it is an entity, or on every entity below
// it otherwise.
func apply(ctx context.Context, n node.Node, fn node.MutateFunc) (node.Node, error) {
	if e, ok := node.AsEntity(n); ok {
		return fn(ctx, e)
	}
	return node.Mutate(ctx, n, fn)
}

// Compile derives the dependency facts of JavaScript code in the node.
func (p *Plugin) Compile(ctx context.Context, n node.Node, force bool) (node.Node, error) {
	out, err := apply(ctx, n, func(ctx context.Context, e node.Entity) (node.Node, error) {
		return p.compile(ctx, e, force)
	})
	if err != nil {
		return nil, err
	}
	p.storeFacts(ctx, out)
	return out, nil
}

func (p *Plugin) compile(ctx context.Context, e node.Entity, force bool) (node.Node, error) {
	switch e.Kind() {
	case node.KindCodeChunk, node.KindCodeExpression:
		if !e.IsJavaScript() {
			return e, nil
		}
		if !force && !changes.Needed(e, MethodCompile) {
			return e, nil
		}
		timer := changes.Start()
		analysis.Analyze(e.Text()).Apply(e)
		return p.Tracker.Record(e, MethodCompile, timer.Seconds()), nil
	default:
		return node.Mutate(ctx, e, func(ctx context.Context, child node.Entity) (node.Node, error) {
			return p.compile(ctx, child, force)
		})
	}
}

// storeFacts sends the facts of every code entity to the dependency graph.
// The document is keyed by the root's id.
func (p *Plugin) storeFacts(ctx context.Context, root node.Node) {
	if p.Graph == nil {
		return
	}
	document := session.DefaultDocument
	if e, ok := node.AsEntity(root); ok {
		if id, ok := e["id"].(string); ok && id != "" {
			document = id
		}
	}
	facts := CollectFacts(root)
	if err := p.Graph.StoreFacts(ctx, document, facts); err != nil {
		p.logger.Warn("Failed to store dependency facts", "document", document, "error", err)
	}
}

// CollectFacts lists the facts of every code entity in walk order.
func CollectFacts(root node.Node) []graph.CodeFacts {
	var facts []graph.CodeFacts
	var walk func(e node.Entity)
	walk = func(e node.Entity) {
		switch e.Kind() {
		case node.KindCodeChunk, node.KindCodeExpression:
			id, _ := e["id"].(string)
			if id == "" {
				id = strconv.Itoa(len(facts) + 1)
			}
			f := analysis.FromEntity(e)
			facts = append(facts, graph.CodeFacts{
				ID:       id,
				Kind:     e.Kind().String(),
				Declares: f.Declares,
				Assigns:  f.Assigns,
				Uses:     f.Uses,
				Imports:  f.Imports,
				Reads:    f.Reads,
			})
		default:
			node.Visit(e, walk)
		}
	}
	if e, ok := node.AsEntity(root); ok {
		walk(e)
	} else {
		node.Visit(root, walk)
	}
	return facts
}

// Build compiles JavaScript code chunks and installs the packages they
// import that are missing from package.json.
func (p *Plugin) Build(ctx context.Context, n node.Node, force bool) (node.Node, error) {
	return apply(ctx, n, func(ctx context.Context, e node.Entity) (node.Node, error) {
		return p.build(ctx, e, force)
	})
}

func (p *Plugin) build(ctx context.Context, e node.Entity, force bool) (node.Node, error) {
	switch e.Kind() {
	case node.KindCodeChunk:
		if !e.IsJavaScript() {
			return e, nil
		}
		compiled, err := p.compile(ctx, e, force)
		if err != nil {
			return nil, err
		}
		e = compiled.(node.Entity)
		if !force && !changes.Needed(e, MethodBuild) {
			return e, nil
		}

		timer := changes.Start()
		if err := p.install(ctx, e.Strings("imports")); err != nil {
			return nil, err
		}
		return p.Tracker.Record(e, MethodBuild, timer.Seconds()), nil
	case node.KindCodeExpression:
		return e, nil
	default:
		return node.Mutate(ctx, e, func(ctx context.Context, child node.Entity) (node.Node, error) {
			return p.build(ctx, child, force)
		})
	}
}

func (p *Plugin) install(ctx context.Context, imports []string) error {
	if len(imports) == 0 {
		return nil
	}
	pkg, err := build.Load(p.Dir)
	if err != nil {
		return err
	}
	missing := pkg.Missing(imports)
	if len(missing) == 0 {
		return nil
	}
	if err := p.Installer.Install(ctx, p.Dir, missing); err != nil {
		return fmt.Errorf("installing %v: %w", missing, err)
	}
	return nil
}

// BuildFacts returns the names of all packages imported by code in the node.
func BuildFacts(root node.Node) []string {
	var imports []string
	seen := make(map[string]bool)
	for _, f := range CollectFacts(root) {
		for _, name := range f.Imports {
			if !seen[name] {
				seen[name] = true
				imports = append(imports, name)
			}
		}
	}
	return imports
}

// Execute runs JavaScript code in the node within the document's session.
// Once ctx is cancelled the entity being run gets an Interrupted error and
// the remaining code is left as it was.
func (p *Plugin) Execute(ctx context.Context, document string, n node.Node, force bool) (node.Node, error) {
	s := p.Sessions.Get(document)
	return apply(ctx, n, func(ctx context.Context, e node.Entity) (node.Node, error) {
		return p.execute(ctx, s, e, force)
	})
}

func (p *Plugin) execute(ctx context.Context, s *session.Session, e node.Entity, force bool) (node.Node, error) {
	kind := e.Kind()
	switch kind {
	case node.KindCodeChunk, node.KindCodeExpression:
		if !e.IsJavaScript() || ctx.Err() != nil {
			return e, nil
		}
		if !force && !changes.Needed(e, MethodExecute) {
			return e, nil
		}

		var (
			prepared node.Node
			err      error
		)
		if kind == node.KindCodeChunk {
			prepared, err = p.build(ctx, e, force)
		} else {
			prepared, err = p.compile(ctx, e, force)
		}
		if err != nil {
			return nil, err
		}
		e = prepared.(node.Entity)

		timer := changes.Start()
		outputs, errs := s.Enter(ctx, e.Text())
		if kind == node.KindCodeChunk {
			setList(e, "outputs", outputs)
		} else if len(outputs) > 0 {
			e["output"] = outputs[0]
		} else {
			delete(e, "output")
		}
		setErrors(e, errs)

		if interrupted(errs) {
			return e, nil
		}
		return p.Tracker.Record(e, MethodExecute, timer.Seconds()), nil
	default:
		return node.Mutate(ctx, e, func(ctx context.Context, child node.Entity) (node.Node, error) {
			return p.execute(ctx, s, child, force)
		})
	}
}

func setList(e node.Entity, key string, items []node.Node) {
	if len(items) == 0 {
		delete(e, key)
		return
	}
	e[key] = items
}

func setErrors(e node.Entity, errs []node.Entity) {
	if len(errs) == 0 {
		delete(e, "errors")
		return
	}
	items := make([]any, len(errs))
	for i, err := range errs {
		items[i] = map[string]any(err)
	}
	e["errors"] = items
}

func interrupted(errs []node.Entity) bool {
	for _, e := range errs {
		if e["errorType"] == session.Interrupted {
			return true
		}
	}
	return false
}
