// Package ctxstore models the workflow context: three JSON-shaped namespaces
// (input, state, output) addressed by dotted paths. The package is pure value
// manipulation — persistence lives in the store package, and the planner only
// ever sees cloned snapshots.
//
// Paths are dotted ("state.votes.total"). Writing a path creates intermediate
// objects as needed; last writer wins. Source expressions used by mappings
// take the form "$.<namespace>.<path>".
package ctxstore

import (
	"strings"
)

// Context holds the three per-run namespaces. Input is immutable after
// initialization by convention; the applier only ever writes state and output.
type Context struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
}

// New returns a Context initialized with the given workflow input and empty
// state and output namespaces. The input map is deep-copied so later caller
// mutations cannot leak into the run.
func New(input map[string]any) *Context {
	return &Context{
		Input:  cloneMap(input),
		State:  make(map[string]any),
		Output: make(map[string]any),
	}
}

// Clone returns a deep copy of the context. Planners receive clones so
// planning can never mutate run state.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	return &Context{
		Input:  cloneMap(c.Input),
		State:  cloneMap(c.State),
		Output: cloneMap(c.Output),
	}
}

// Doc returns the context as a single JSON-shaped document
// {"input": ..., "state": ..., "output": ...} suitable for condition
// evaluation.
func (c *Context) Doc() map[string]any {
	return map[string]any{
		"input":  c.Input,
		"state":  c.State,
		"output": c.Output,
	}
}

// Value resolves a dotted namespace path ("state.votes") against the context.
// The second return reports whether the path exists.
func (c *Context) Value(path string) (any, bool) {
	ns, rest, ok := splitNamespace(path)
	if !ok {
		return nil, false
	}
	root := c.namespace(ns)
	if root == nil {
		return nil, false
	}
	if rest == "" {
		return root, true
	}
	return Lookup(root, rest)
}

// Set writes a value at a dotted namespace path, creating intermediate
// objects as needed. Writes to the input namespace are rejected to preserve
// its immutability; the boolean reports whether the write happened.
func (c *Context) Set(path string, value any) bool {
	ns, rest, ok := splitNamespace(path)
	if !ok || rest == "" || ns == "input" {
		return false
	}
	root := c.namespace(ns)
	if root == nil {
		return false
	}
	Write(root, rest, value)
	return true
}

// Resolve evaluates a source expression of the form "$.<ns>.<path>" against
// the context. Missing sources return (nil, false) rather than an error so
// mapping application can skip absent keys.
func (c *Context) Resolve(expr string) (any, bool) {
	if !strings.HasPrefix(expr, "$.") {
		return nil, false
	}
	return c.Value(expr[2:])
}

// ApplyMapping resolves each mapping source against the context and returns
// the resulting object keyed by mapping target. Missing sources yield absent
// keys.
func (c *Context) ApplyMapping(mapping map[string]string) map[string]any {
	if len(mapping) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(mapping))
	for target, source := range mapping {
		if v, ok := c.Resolve(source); ok {
			out[target] = cloneValue(v)
		}
	}
	return out
}

func (c *Context) namespace(ns string) map[string]any {
	switch ns {
	case "input":
		return c.Input
	case "state":
		return c.State
	case "output":
		return c.Output
	default:
		return nil
	}
}

func splitNamespace(path string) (ns, rest string, ok bool) {
	if path == "" {
		return "", "", false
	}
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:], true
	}
	return path, "", true
}

// Lookup resolves a dotted path against a JSON object tree. Only object keys
// are traversed; indexing into arrays is not supported by context paths.
func Lookup(root map[string]any, path string) (any, bool) {
	cur := any(root)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Write sets a dotted path in a JSON object tree, creating intermediate
// objects on demand. Non-object intermediate values are replaced.
func Write(root map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = cloneValue(value)
}

// BranchSource resolves a merge source expression in the "_branch.output.*"
// namespace against one branch's output object. An empty remainder returns
// the whole output.
func BranchSource(source string, branchOutput map[string]any) (any, bool) {
	const prefix = "_branch.output"
	if !strings.HasPrefix(source, prefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(source, prefix)
	rest = strings.TrimPrefix(rest, ".")
	if rest == "" {
		return branchOutput, true
	}
	return Lookup(branchOutput, rest)
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		dst := make([]any, len(val))
		for i, item := range val {
			dst[i] = cloneValue(item)
		}
		return dst
	default:
		return v
	}
}
