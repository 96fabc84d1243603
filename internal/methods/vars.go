package methods

import (
	"context"
	"sort"

	"github.com/stencila/jesta/internal/node"
)

// Get returns a variable of a document's session.
func (p *Plugin) Get(_ context.Context, document, name string) (node.Node, bool) {
	return p.Sessions.Get(document).Get(name)
}

// Set assigns a variable in a document's session.
func (p *Plugin) Set(_ context.Context, document, name string, value node.Node) error {
	return p.Sessions.Get(document).Set(name, value)
}

// Delete removes a variable from a document's session.
func (p *Plugin) Delete(_ context.Context, document, name string) error {
	return p.Sessions.Get(document).Delete(name)
}

// Vars lists the variables of a document and their types.
func (p *Plugin) Vars(_ context.Context, document string) map[string]string {
	return p.Sessions.Get(document).Vars()
}

// Funcs lists the functions of a document and their signatures.
func (p *Plugin) Funcs(_ context.Context, document string) map[string]string {
	return p.Sessions.Get(document).Funcs()
}

// Call invokes a function of a document. Arguments given as an object are
// passed in the lexicographic order of their names.
func (p *Plugin) Call(ctx context.Context, document, name string, args node.Node) (node.Node, error) {
	var positional []node.Node
	switch a := args.(type) {
	case nil:
	case []any:
		positional = a
	case map[string]any:
		keys := make([]string, 0, len(a))
		for k := range a {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			positional = append(positional, a[k])
		}
	default:
		positional = []node.Node{a}
	}
	return p.Sessions.Get(document).Call(ctx, name, positional)
}
