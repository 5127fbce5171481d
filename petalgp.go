// Package petalgp generates random expression trees from an instruction
// catalog and evaluates them lazily.
//
// This file re-exports the commonly used types and constructors from the
// core, expr, catalog, gen, interp and runtime subpackages so that simple
// programs need a single import:
//
//	tree, _ := petalgp.Generate(petalgp.DefaultCatalog(), 3, petalgp.WithSeed(1))
//	v, err := petalgp.Run(tree)
//
// For new code that only needs one concern, import the subpackage directly.
package petalgp

import (
	"context"

	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/expr"
	"github.com/petal-labs/petalgp/gen"
	"github.com/petal-labs/petalgp/interp"
	"github.com/petal-labs/petalgp/render"
	"github.com/petal-labs/petalgp/runtime"
)

// =============================================================================
// Core Package Re-exports
// =============================================================================

type (
	// Value is the result of forcing a Deferred.
	Value = core.Value

	// Deferred is a suspended computation.
	Deferred = core.Deferred

	// Behavior is the computation attached to an operator.
	Behavior = core.Behavior

	// Operator is a named, fixed-arity unit of behavior.
	Operator = core.Operator

	// EvalError wraps a panic recovered while forcing.
	EvalError = core.EvalError
)

var (
	ErrEmptyTerminals  = core.ErrEmptyTerminals
	ErrEmptyFunctions  = core.ErrEmptyFunctions
	ErrInvalidDepth    = core.ErrInvalidDepth
	ErrArityMismatch   = core.ErrArityMismatch
	ErrEmptyExpression = core.ErrEmptyExpression
)

var (
	NewTerminal = core.Terminal
	NewConstant = core.Constant
	NewFunction = core.Function
	Force       = core.Force
)

// =============================================================================
// Tree, Catalog and Generator Re-exports
// =============================================================================

type (
	// Node is one node of an expression tree.
	Node = expr.Node

	// Catalog is the instruction set used by the generator.
	Catalog = catalog.Catalog

	// Generator grows random trees from a Catalog.
	Generator = gen.Generator

	// GeneratorOption configures a Generator.
	GeneratorOption = gen.Option

	// Executable is the behavior-only rendering of a tree.
	Executable = render.Executable

	// Readable is the name-only rendering of a tree.
	Readable = render.Readable
)

var (
	NewNode        = expr.New
	NewLeaf        = expr.Leaf
	NewCatalog     = catalog.New
	DefaultCatalog = catalog.Default
	NewGenerator   = gen.New
	WithSeed       = gen.WithSeed
	Generate       = gen.Generate
	Render         = render.Both
)

// =============================================================================
// Evaluation
// =============================================================================

// Evaluate returns a Deferred for the whole tree without forcing anything.
func Evaluate(n *Node) (Deferred, error) {
	return interp.Evaluate(n)
}

// Run evaluates and forces the tree.
func Run(n *Node) (Value, error) {
	return interp.Run(n)
}

// =============================================================================
// Runtime Re-exports
// =============================================================================

type (
	RunOptions = runtime.RunOptions
	RunSummary = runtime.RunSummary
	Event      = runtime.Event
	EventKind  = runtime.EventKind
)

// DefaultRunOptions returns the options of the standard smoke run.
func DefaultRunOptions() RunOptions {
	return runtime.DefaultRunOptions()
}

// RunTrials executes a batch of generate+evaluate+force trials.
func RunTrials(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	return runtime.NewRunner().Run(ctx, opts)
}
