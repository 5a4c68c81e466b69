// Package filter compiles CEL expressions that narrow the admin transaction list.
//
// Expressions see one transaction at a time through these variables:
//
//	amount       double
//	location     string
//	country      string  last location segment, lowercased
//	status       string
//	reason       string
//	user_id      string
//	description  string
//	age_minutes  int     minutes since the transaction timestamp
//
// Example: status == "flagged" && amount > 1000.0 && country != "usa"
package filter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
)

// ErrInvalidFilter is returned for expressions that do not compile to a bool.
var ErrInvalidFilter = errors.New("invalid filter")

const (
	maxExpressionLength = 1024
	maxCost             = 100000
	maxCachedPrograms   = 256
)

// Engine compiles and caches filter programs.
type Engine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]*Program
}

// Program is a compiled filter expression. Safe for concurrent use.
type Program struct {
	expr string
	prg  cel.Program
}

// NewEngine creates a filter engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("location", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("age_minutes", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]*Program),
	}, nil
}

// Compile parses, type-checks and plans expr. Results are cached by expression text.
func (e *Engine) Compile(expr string) (*Program, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("%w: expression longer than %d characters", ErrInvalidFilter, maxExpressionLength)
	}

	e.mu.RLock()
	p, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("%w: expression must evaluate to bool, got %s", ErrInvalidFilter, ast.OutputType())
	}

	prg, err := e.env.Program(ast, cel.CostLimit(maxCost))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	p = &Program{expr: expr, prg: prg}

	e.mu.Lock()
	if len(e.programs) >= maxCachedPrograms {
		e.programs = make(map[string]*Program)
	}
	e.programs[expr] = p
	e.mu.Unlock()

	return p, nil
}

// String returns the source expression.
func (p *Program) String() string {
	return p.expr
}

// Match evaluates the program against tx.
func (p *Program) Match(tx *domain.Transaction, now time.Time) (bool, error) {
	out, _, err := p.prg.Eval(activation(tx, now))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter on %s: %w", tx.ID, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("filter returned %s, want bool", out.Type())
	}
	return bool(b), nil
}

// Apply returns the transactions matching p, preserving order.
func (p *Program) Apply(txs []*domain.Transaction, now time.Time) ([]*domain.Transaction, error) {
	out := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		ok, err := p.Match(tx, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func activation(tx *domain.Transaction, now time.Time) map[string]any {
	return map[string]any{
		"amount":      tx.Amount.InexactFloat64(),
		"location":    tx.Location,
		"country":     fraud.LocationCountry(tx.Location),
		"status":      string(tx.Status),
		"reason":      tx.Reason,
		"user_id":     tx.UserID,
		"description": tx.Description,
		"age_minutes": int64(now.Sub(tx.Timestamp) / time.Minute),
	}
}
