package service

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/symi-home/symi-modbus/internal/config"
)

// GuardError reports a write rejected by a guard expression.
type GuardError struct {
	Guard string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("write rejected by guard %s", e.Guard)
}

type guard struct {
	name    string
	program *vm.Program
}

// guardChain evaluates the configured write-guard expressions in order. A
// guard sees the full write request and vetoes it by evaluating to false.
type guardChain struct {
	guards []guard
}

func compileGuards(cfgs []config.GuardConfig) (*guardChain, error) {
	chain := &guardChain{guards: make([]guard, 0, len(cfgs))}
	for _, cfg := range cfgs {
		program, err := compileExpression(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("guard %s: compile expression: %w", cfg.Name, err)
		}
		chain.guards = append(chain.guards, guard{name: cfg.Name, program: program})
	}
	return chain, nil
}

func compileExpression(exprStr string) (*vm.Program, error) {
	return expr.Compile(exprStr, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
}

// check runs every guard against the request. The first guard to veto wins.
func (c *guardChain) check(hubName string, slave, address int, kind string, count int) error {
	if c == nil || len(c.guards) == 0 {
		return nil
	}
	env := map[string]interface{}{
		"hub":     hubName,
		"slave":   slave,
		"address": address,
		"kind":    kind,
		"count":   count,
	}
	for _, g := range c.guards {
		result, err := vm.Run(g.program, env)
		if err != nil {
			return fmt.Errorf("guard %s: evaluate: %w", g.name, err)
		}
		allowed, ok := result.(bool)
		if !ok {
			return fmt.Errorf("guard %s: expression returned %T, want bool", g.name, result)
		}
		if !allowed {
			return &GuardError{Guard: g.name}
		}
	}
	return nil
}
