// Package joincel evaluates google/cel-go predicates for a join node's
// Join.When guard (SPEC_FULL.md section 11.4): whether the final statuses
// of a join's upstream branches let the join pass. Grounded
// on internal/expressions/cel.go's CELEngine: a fixed environment, a
// double-checked cache of compiled cel.Program by source text.
package joincel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/definitelycarter/fuschia/internal/xerrors"
)

// Cache holds one sandboxed CEL environment and a cache of compiled
// programs, keyed by expression source.
type Cache struct {
	env *cel.Env

	mu       sync.RWMutex
	compiled map[string]cel.Program
}

// New builds a join-predicate cache. The environment exposes one top-level
// variable, branches: map(string, dyn), mapping each upstream node id to its
// status ("succeeded" or "failed").
func New() (*Cache, error) {
	env, err := cel.NewEnv(
		cel.Variable("branches", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create join predicate environment: %w", err)
	}
	return &Cache{env: env, compiled: make(map[string]cel.Program)}, nil
}

// EvalWhen evaluates a join's when predicate against the branches map,
// returning whether the join passes.
func (c *Cache) EvalWhen(nodeID, expression string, branches map[string]string) (bool, error) {
	prg, err := c.getOrCompile(expression)
	if err != nil {
		return false, xerrors.InputResolution(nodeID, err.Error())
	}

	vals := make(map[string]any, len(branches))
	for k, v := range branches {
		vals[k] = v
	}

	out, _, err := prg.Eval(map[string]any{"branches": vals})
	if err != nil {
		return false, xerrors.InputResolution(nodeID, fmt.Sprintf("join.when %q: %v", expression, err))
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, xerrors.InputResolution(nodeID, fmt.Sprintf("join.when %q did not evaluate to a boolean", expression))
	}
	return b, nil
}

func (c *Cache) getOrCompile(expression string) (cel.Program, error) {
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

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile join.when %q: %w", expression, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build join.when program %q: %w", expression, err)
	}
	c.compiled[expression] = prg
	return prg, nil
}
