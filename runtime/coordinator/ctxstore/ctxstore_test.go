package ctxstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCopiesInput(t *testing.T) {
	input := map[string]any{"user": map[string]any{"name": "ada"}}
	ctx := New(input)

	input["user"].(map[string]any)["name"] = "mutated"
	v, ok := ctx.Value("input.user.name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)
}

func TestSetCreatesIntermediateObjects(t *testing.T) {
	ctx := New(nil)
	require.True(t, ctx.Set("state.votes.total", 3))

	v, ok := ctx.Value("state.votes.total")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSetRejectsInputNamespace(t *testing.T) {
	ctx := New(map[string]any{"x": 1})
	assert.False(t, ctx.Set("input.x", 2))
	assert.False(t, ctx.Set("state", 2), "bare namespace has no path")
	assert.False(t, ctx.Set("bogus.x", 2))

	v, _ := ctx.Value("input.x")
	assert.Equal(t, 1, v)
}

func TestSetReplacesNonObjectIntermediate(t *testing.T) {
	ctx := New(nil)
	require.True(t, ctx.Set("state.x", "scalar"))
	require.True(t, ctx.Set("state.x.y", 1))

	v, ok := ctx.Value("state.x.y")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestValueMissingPath(t *testing.T) {
	ctx := New(nil)
	_, ok := ctx.Value("state.missing")
	assert.False(t, ok)
	_, ok = ctx.Value("")
	assert.False(t, ok)
}

func TestCloneIsolation(t *testing.T) {
	ctx := New(map[string]any{"k": "v"})
	require.True(t, ctx.Set("state.items", []any{1, 2}))

	clone := ctx.Clone()
	require.True(t, clone.Set("state.items", []any{9}))
	clone.State["extra"] = true

	v, ok := ctx.Value("state.items")
	require.True(t, ok)
	assert.Equal(t, []any{1, 2}, v)
	_, ok = ctx.Value("state.extra")
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	ctx := New(map[string]any{"x": 1})
	require.True(t, ctx.Set("state.y", 2))

	cases := []struct {
		expr string
		want any
		ok   bool
	}{
		{"$.input.x", 1, true},
		{"$.state.y", 2, true},
		{"$.state.missing", nil, false},
		{"state.y", nil, false},
		{"$.output.z", nil, false},
	}
	for _, tc := range cases {
		v, ok := ctx.Resolve(tc.expr)
		assert.Equal(t, tc.ok, ok, tc.expr)
		if tc.ok {
			assert.Equal(t, tc.want, v, tc.expr)
		}
	}
}

func TestApplyMappingSkipsMissingSources(t *testing.T) {
	ctx := New(map[string]any{"name": "ada"})
	require.True(t, ctx.Set("state.score", 0.9))

	out := ctx.ApplyMapping(map[string]string{
		"who":   "$.input.name",
		"score": "$.state.score",
		"gone":  "$.state.absent",
	})
	assert.Equal(t, map[string]any{"who": "ada", "score": 0.9}, out)
	assert.Empty(t, ctx.ApplyMapping(nil))
}

func TestApplyMappingClonesValues(t *testing.T) {
	ctx := New(nil)
	require.True(t, ctx.Set("state.obj", map[string]any{"a": 1}))

	out := ctx.ApplyMapping(map[string]string{"o": "$.state.obj"})
	out["o"].(map[string]any)["a"] = 99

	v, _ := ctx.Value("state.obj.a")
	assert.Equal(t, 1, v)
}

func TestBranchSource(t *testing.T) {
	output := map[string]any{"result": map[string]any{"score": 0.5}}

	v, ok := BranchSource("_branch.output", output)
	require.True(t, ok)
	assert.Equal(t, output, v)

	v, ok = BranchSource("_branch.output.result.score", output)
	require.True(t, ok)
	assert.Equal(t, 0.5, v)

	_, ok = BranchSource("_branch.output.missing", output)
	assert.False(t, ok)

	_, ok = BranchSource("$.state.x", output)
	assert.False(t, ok)
}

func TestWriteLastWriterWins(t *testing.T) {
	root := map[string]any{}
	Write(root, "a.b", 1)
	Write(root, "a.b", 2)

	v, ok := Lookup(root, "a.b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}
