package methods

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stencila/jesta/internal/analysis"
	"github.com/stencila/jesta/internal/node"
)

var (
	chunkDerived      = append(append([]string(nil), analysis.Properties...), "outputs", "errors")
	expressionDerived = []string{"output", "errors"}
)

// Clean removes derived properties from every entity in the node: the
// dependency facts and results of code, and the history of all entities.
func (p *Plugin) Clean(ctx context.Context, n node.Node) (node.Node, error) {
	return apply(ctx, n, p.clean)
}

func (p *Plugin) clean(ctx context.Context, e node.Entity) (node.Node, error) {
	switch e.Kind() {
	case node.KindCodeChunk:
		for _, key := range chunkDerived {
			delete(e, key)
		}
	case node.KindCodeExpression:
		for _, key := range expressionDerived {
			delete(e, key)
		}
	}
	if meta := e.Meta(); meta != nil {
		delete(meta, "history")
		if len(meta) == 0 {
			delete(e, "meta")
		}
	}
	return node.Mutate(ctx, e, p.clean)
}

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// Select evaluates a path query such as "content[0].text" against the node.
// The second result is false when any segment is absent.
func (p *Plugin) Select(_ context.Context, n node.Node, query, lang string) (node.Node, bool, error) {
	switch lang {
	case "", "simplepath", "jspath":
	default:
		return nil, false, fmt.Errorf("Incapable of selecting with language %q", lang)
	}

	value := n
	for _, segment := range strings.Split(indexPattern.ReplaceAllString(query, ".$1"), ".") {
		if segment == "" {
			continue
		}
		switch v := value.(type) {
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false, nil
			}
			value = v[i]
		default:
			m, ok := node.AsMap(value)
			if !ok {
				return nil, false, nil
			}
			child, ok := m[segment]
			if !ok {
				return nil, false, nil
			}
			value = child
		}
	}
	return value, true, nil
}
