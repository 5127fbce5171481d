// Package core provides the foundational types for petalgp expression trees.
//
// This package contains:
//   - Values: Value, Deferred (a suspended computation)
//   - Operators: Behavior, Operator (named, fixed-arity units of behavior)
//   - Errors: sentinel errors shared by the generator, interpreter and catalog
package core

import (
	"errors"
	"fmt"
)

// Value is the concrete result produced by forcing a Deferred.
// Built-in arithmetic operators produce and consume float64.
type Value = any

// Deferred is a suspended computation. Forcing it (calling it) produces a
// Value and triggers any side effects of the underlying behavior.
// Deferreds are never cached; each call may recompute.
type Deferred func() Value

// Behavior is the executable part of an operator. It receives exactly one
// Deferred per declared arity position and decides whether and when to force
// each of them. A behavior that never forces an argument guarantees that the
// argument's side effects and errors never occur.
type Behavior func(args ...Deferred) Value

// OperatorKind distinguishes leaves from combinators.
type OperatorKind string

const (
	KindTerminal OperatorKind = "terminal"
	KindFunction OperatorKind = "function"
)

// String returns the string representation of the OperatorKind.
func (k OperatorKind) String() string {
	return string(k)
}

// Operator is a named, fixed-arity unit of behavior.
// Arity is declared explicitly; it is never inferred from the behavior.
type Operator struct {
	Name        string   // used for readable rendering and catalog lookup
	Arity       int      // exact number of child expressions consumed
	Behavior    Behavior // invoked with Arity deferred arguments
	Description string   // optional, shown by the CLI
}

// Kind reports whether the operator is a terminal (arity 0) or a function.
func (o Operator) Kind() OperatorKind {
	if o.Arity == 0 {
		return KindTerminal
	}
	return KindFunction
}

// IsTerminal returns true for arity-zero operators.
func (o Operator) IsTerminal() bool {
	return o.Arity == 0
}

// Thunk returns the operator's behavior as a Deferred. It is only meaningful
// for terminals, whose behavior takes no arguments.
func (o Operator) Thunk() Deferred {
	b := o.Behavior
	return func() Value { return b() }
}

// Terminal builds an arity-zero operator from a producer function.
func Terminal(name string, produce func() Value) Operator {
	return Operator{
		Name:  name,
		Arity: 0,
		Behavior: func(...Deferred) Value {
			return produce()
		},
	}
}

// Constant builds a terminal that always produces v.
func Constant(name string, v Value) Operator {
	op := Terminal(name, func() Value { return v })
	op.Description = fmt.Sprintf("constant %v", v)
	return op
}

// Function builds an operator of the given arity.
func Function(name string, arity int, b Behavior) Operator {
	return Operator{Name: name, Arity: arity, Behavior: b}
}

// Validate checks the operator's own invariants: a non-empty name, a
// non-negative arity and a non-nil behavior.
func (o Operator) Validate() error {
	if o.Name == "" {
		return ErrUnnamedOperator
	}
	if o.Arity < 0 {
		return fmt.Errorf("operator %q: %w: arity %d", o.Name, ErrInvalidArity, o.Arity)
	}
	if o.Behavior == nil {
		return fmt.Errorf("operator %q: %w", o.Name, ErrNilBehavior)
	}
	return nil
}

var (
	// ErrEmptyTerminals is returned when a leaf must be generated from a
	// catalog that has no terminals.
	ErrEmptyTerminals = errors.New("catalog has no terminal operators")

	// ErrEmptyFunctions is returned when an inner node must be generated from
	// a catalog that has no functions.
	ErrEmptyFunctions = errors.New("catalog has no function operators")

	// ErrInvalidDepth is returned for a negative maximum depth.
	ErrInvalidDepth = errors.New("max depth must be non-negative")

	// ErrArityMismatch is returned when a node's child count disagrees with
	// its operator's declared arity.
	ErrArityMismatch = errors.New("arity mismatch")

	// ErrEmptyExpression is returned when asked to evaluate an expression
	// with zero nodes.
	ErrEmptyExpression = errors.New("empty expression")

	// ErrNilBehavior is returned for an operator without a behavior.
	ErrNilBehavior = errors.New("operator has no behavior")

	// ErrInvalidArity is returned for a negative arity, or for an arity that
	// does not fit the mapping an operator is registered under.
	ErrInvalidArity = errors.New("invalid arity")

	// ErrUnnamedOperator is returned for an operator with an empty name.
	ErrUnnamedOperator = errors.New("operator has no name")

	// ErrDuplicateOperator is returned when a catalog mapping sees the same
	// name twice.
	ErrDuplicateOperator = errors.New("duplicate operator name")
)

// EvalError is recorded when forcing a Deferred panics. The interpreter never
// recovers panics itself; callers that run untrusted behaviors (the trial
// runner) convert them with Force.
type EvalError struct {
	Recovered any // value passed to panic
}

// Error implements the error interface for EvalError.
func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation panicked: %v", e.Recovered)
}

// Unwrap returns the recovered value when it is itself an error.
func (e *EvalError) Unwrap() error {
	if err, ok := e.Recovered.(error); ok {
		return err
	}
	return nil
}

// Force invokes d and returns its value. A panic raised by any behavior
// reached while forcing is converted into an *EvalError.
func Force(d Deferred) (v Value, err error) {
	if d == nil {
		return nil, ErrEmptyExpression
	}
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = &EvalError{Recovered: r}
		}
	}()
	return d(), nil
}

// AsFloat converts a forced value to float64. Built-in operators use it to
// accept both float and integer producers.
func AsFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
