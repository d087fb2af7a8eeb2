// Package exprcache evaluates expr-lang/expr expressions for Node.Condition
// and Loop.Over (SPEC_FULL.md section 11.2), caching compiled programs by
// source text. Grounded on internal/expressions/expr.go's ExprEngine:
// double-checked RWMutex cache, expr.AllowUndefinedVariables so a missing
// field evaluates to nil rather than a compile error.
package exprcache

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/definitelycarter/fuschia/internal/xerrors"
)

// Cache compiles and caches expr-lang/expr programs by source text.
type Cache struct {
	mu    sync.RWMutex
	compiled map[string]*vm.Program
}

// New returns an empty expression cache.
func New() *Cache {
	return &Cache{compiled: make(map[string]*vm.Program)}
}

// Eval evaluates expression against env (typically the merged envelope data
// of a node's upstreams), compiling and caching the program on first use.
func (c *Cache) Eval(nodeID, expression string, env map[string]any) (any, error) {
	prg, err := c.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, xerrors.InputResolution(nodeID, fmt.Sprintf("expression %q: %v", expression, err))
	}
	return out, nil
}

// EvalBool evaluates expression and requires a boolean result, the shape
// Node.Condition needs.
func (c *Cache) EvalBool(nodeID, expression string, env map[string]any) (bool, error) {
	out, err := c.Eval(nodeID, expression, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, xerrors.InputResolution(nodeID, fmt.Sprintf("expression %q did not evaluate to a boolean", expression))
	}
	return b, nil
}

// EvalSlice evaluates expression and requires a slice result, the shape
// Loop.Over needs to enumerate iterations.
func (c *Cache) EvalSlice(nodeID, expression string, env map[string]any) ([]any, error) {
	out, err := c.Eval(nodeID, expression, env)
	if err != nil {
		return nil, err
	}
	items, ok := out.([]any)
	if !ok {
		return nil, xerrors.InputResolution(nodeID, fmt.Sprintf("loop.over %q did not evaluate to an array", expression))
	}
	return items, nil
}

func (c *Cache) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	c.mu.RLock()
	if prg, ok := c.compiled[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.compiled[expression]; ok {
		return prg, nil
	}

	if env == nil {
		env = map[string]any{}
	}
	prg, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	c.compiled[expression] = prg
	return prg, nil
}
