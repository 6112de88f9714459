package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalEmptyExpressionMatches(t *testing.T) {
	c := NewConditions()
	ok, err := c.Eval("", map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalTruthiness(t *testing.T) {
	doc := map[string]any{
		"input": map[string]any{"count": 3.0},
		"state": map[string]any{"score": 0.9, "flag": false},
	}
	c := NewConditions()

	cases := []struct {
		expr string
		want bool
	}{
		{".state.score >= 0.8", true},
		{".state.score > 1", false},
		{".state.flag", false},
		{".state.missing", false},
		{".input.count", true},
		{`.input.count == 3`, true},
	}
	for _, tc := range cases {
		ok, err := c.Eval(tc.expr, doc)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, ok, tc.expr)
	}
}

func TestEvalParseError(t *testing.T) {
	c := NewConditions()
	_, err := c.Eval(".state.score >=", map[string]any{})
	assert.Error(t, err)
}

func TestEvalRuntimeError(t *testing.T) {
	c := NewConditions()
	_, err := c.Eval(`.state | keys`, map[string]any{"state": "not an object"})
	assert.Error(t, err)
}

func TestEvalCachesCompiledExpressions(t *testing.T) {
	c := NewConditions()
	doc := map[string]any{"state": map[string]any{"x": 1.0}}
	for i := 0; i < 3; i++ {
		ok, err := c.Eval(".state.x == 1", doc)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
