package planner

import (
	"fmt"
	"sync"

	"github.com/itchyny/gojq"
)

// Conditions evaluates transition condition expressions. Conditions are jq
// programs run against the context document {input, state, output}; the
// transition matches when the first produced value is truthy (neither null
// nor false). Compiled programs are cached per expression.
type Conditions struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewConditions constructs an empty condition evaluator.
func NewConditions() *Conditions {
	return &Conditions{cache: make(map[string]*gojq.Code)}
}

// Eval evaluates the expression against the context document. The empty
// expression always matches. Evaluation failures return an error; routing
// treats them as non-matching.
func (c *Conditions) Eval(expr string, doc map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	code, err := c.compile(expr)
	if err != nil {
		return false, err
	}
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	switch v {
	case nil, false:
		return false, nil
	default:
		return true, nil
	}
}

func (c *Conditions) compile(expr string) (*gojq.Code, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code, ok := c.cache[expr]; ok {
		return code, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, err)
	}
	if c.cache == nil {
		c.cache = make(map[string]*gojq.Code)
	}
	c.cache[expr] = code
	return code, nil
}
