// Package interp turns expression trees into lazily computed values.
//
// The tree walk is eager: every child is visited when Evaluate is called.
// The results are not: each visit yields a core.Deferred, and a node's
// behavior receives its children's Deferreds rather than their values. A
// behavior that never forces an argument guarantees that the argument's
// side effects and errors never happen, which is how conditional operators
// short-circuit without any special control-flow construct.
package interp

import (
	"fmt"

	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/expr"
	"github.com/petal-labs/petalgp/render"
)

// Evaluate returns a Deferred computing the whole tree. Nothing is forced.
// A nil tree is reported as core.ErrEmptyExpression; a node whose child count
// disagrees with its operator's arity is reported as core.ErrArityMismatch.
func Evaluate(n *expr.Node) (core.Deferred, error) {
	if n == nil {
		return nil, core.ErrEmptyExpression
	}
	return evalNode(n, nil)
}

func evalNode(n *expr.Node, path []int) (core.Deferred, error) {
	if n == nil {
		return nil, fmt.Errorf("interp: child at %v: %w", path, core.ErrEmptyExpression)
	}
	if len(n.Children) != n.Op.Arity {
		return nil, fmt.Errorf("interp: operator %q at %v: %w: declared %d, got %d children",
			n.Op.Name, path, core.ErrArityMismatch, n.Op.Arity, len(n.Children))
	}
	if n.Op.Behavior == nil {
		return nil, fmt.Errorf("interp: operator %q at %v: %w", n.Op.Name, path, core.ErrNilBehavior)
	}

	args := make([]core.Deferred, len(n.Children))
	for i, c := range n.Children {
		d, err := evalNode(c, append(path[:len(path):len(path)], i))
		if err != nil {
			return nil, err
		}
		args[i] = d
	}
	return apply(n.Op.Behavior, args), nil
}

// EvaluateExecutable is Evaluate over the behavior-only projection produced
// by render.ToExecutable. Forcing the result equals forcing Evaluate on the
// tree it was rendered from.
func EvaluateExecutable(e render.Executable) (core.Deferred, error) {
	if e.IsEmpty() {
		return nil, core.ErrEmptyExpression
	}
	return evalExecutable(e, nil)
}

func evalExecutable(e render.Executable, path []int) (core.Deferred, error) {
	if len(e.Args) != e.Arity {
		return nil, fmt.Errorf("interp: node at %v: %w: declared %d, got %d children",
			path, core.ErrArityMismatch, e.Arity, len(e.Args))
	}
	if e.Behavior == nil {
		return nil, fmt.Errorf("interp: node at %v: %w", path, core.ErrNilBehavior)
	}

	args := make([]core.Deferred, len(e.Args))
	for i, a := range e.Args {
		d, err := evalExecutable(a, append(path[:len(path):len(path)], i))
		if err != nil {
			return nil, err
		}
		args[i] = d
	}
	return apply(e.Behavior, args), nil
}

// apply closes over a behavior and its argument Deferreds. A leaf is its own
// behavior, unforced.
func apply(b core.Behavior, args []core.Deferred) core.Deferred {
	if len(args) == 0 {
		return func() core.Value { return b() }
	}
	return func() core.Value { return b(args...) }
}

// Run evaluates the tree and forces the result. Panics raised by behaviors
// are returned as *core.EvalError.
func Run(n *expr.Node) (core.Value, error) {
	d, err := Evaluate(n)
	if err != nil {
		return nil, err
	}
	return core.Force(d)
}
