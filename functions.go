package birpc

import (
	"context"
	"sort"
	"strings"
)

// Function is a locally registered callable. args are the deserialized
// Request arguments; the returned value is either a plain result, a
// Sequence (which triggers streaming instead of a single Response), or an
// error.
type Function func(ctx context.Context, binding Binding, args []any) (any, error)

// FunctionTree is an arbitrarily deep mapping whose leaves are Functions
// and whose intermediate nodes are further FunctionTrees. It is looked up
// by dot-separated path and may be mutated at runtime; lookups never
// cache a resolved Function.
type FunctionTree map[string]any

// Binding is the receiver context a Function is invoked with. *Endpoint
// satisfies Binding directly (rpc binding mode, letting a Function call
// back into its own endpoint); FunctionTreeBinding is the bare
// alternative used in functions binding mode.
type Binding interface {
	Functions() FunctionTree
	Meta() any
}

// FunctionTreeBinding exposes only the local function tree and metadata,
// without a way to reach back into the endpoint that invoked it.
type FunctionTreeBinding struct {
	tree FunctionTree
	meta any
}

// Functions implements Binding.
func (b FunctionTreeBinding) Functions() FunctionTree { return b.tree }

// Meta implements Binding.
func (b FunctionTreeBinding) Meta() any { return b.meta }

// Resolver may substitute the Function a path resolves to. It receives the
// dotted path and the default resolution, which is nil when the path does
// not resolve. Returning (nil, nil) falls through to not-found.
type Resolver func(ctx context.Context, path string, def Function) (Function, error)

// resolvePath walks tree segment by segment. A missing or non-callable
// terminal node is reported as ErrNotFound.
func resolvePath(tree FunctionTree, path string) (Function, error) {
	var node any = tree
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(FunctionTree)
		if !ok {
			return nil, ErrNotFound
		}
		next, ok := m[seg]
		if !ok || next == nil {
			return nil, ErrNotFound
		}
		node = next
	}
	fn, ok := node.(Function)
	if !ok {
		return nil, ErrNotFound
	}
	return fn, nil
}

// listMethods returns every dotted path whose terminal node is a Function,
// sorted for stable output. It backs the reserved "$methods" request, a
// generalized method-introspection call.
func listMethods(tree FunctionTree) []string {
	var names []string
	var walk func(prefix string, node FunctionTree)
	walk = func(prefix string, node FunctionTree) {
		for k, v := range node {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			switch vv := v.(type) {
			case Function:
				names = append(names, p)
			case FunctionTree:
				walk(p, vv)
			}
		}
	}
	walk("", tree)
	sort.Strings(names)
	return names
}
