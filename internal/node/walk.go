package node

import (
	"context"
	"sort"
)

// Visit calls fn on every Entity reachable from n. It recurses through plain
// sequences and mappings but never inside an Entity it finds; fn decides
// whether to go further. Mapping keys are visited in sorted order.
func Visit(n Node, fn func(Entity)) {
	switch v := n.(type) {
	case []any:
		for _, child := range v {
			visitChild(child, fn)
		}
	default:
		m, ok := AsMap(n)
		if !ok {
			return
		}
		for _, key := range sortedKeys(m) {
			visitChild(m[key], fn)
		}
	}
}

func visitChild(child Node, fn func(Entity)) {
	if e, ok := AsEntity(child); ok {
		fn(e)
		return
	}
	Visit(child, fn)
}

// MutateFunc transforms a single entity.
type MutateFunc func(ctx context.Context, e Entity) (Node, error)

// Mutate rewrites n in place, replacing each Entity found below it with the
// result of fn. Like Visit, it does not recurse inside the entities it hands
// to fn. The first error aborts the walk.
func Mutate(ctx context.Context, n Node, fn MutateFunc) (Node, error) {
	switch v := n.(type) {
	case []any:
		for i, child := range v {
			out, err := mutateChild(ctx, child, fn)
			if err != nil {
				return n, err
			}
			v[i] = out
		}
		return v, nil
	default:
		m, ok := AsMap(n)
		if !ok {
			return n, nil
		}
		for _, key := range sortedKeys(m) {
			out, err := mutateChild(ctx, m[key], fn)
			if err != nil {
				return n, err
			}
			m[key] = out
		}
		return n, nil
	}
}

func mutateChild(ctx context.Context, child Node, fn MutateFunc) (Node, error) {
	if e, ok := AsEntity(child); ok {
		return fn(ctx, e)
	}
	return Mutate(ctx, child, fn)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
