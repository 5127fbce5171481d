// Package gen grows random expression trees from a catalog.
package gen

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/expr"
)

// Generator produces random trees whose shape respects every operator's
// declared arity. A Generator owns its random source and is not safe for
// concurrent use; the catalog it reads is.
type Generator struct {
	cat *catalog.Catalog
	rng *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed makes generation reproducible.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithRand sets the random source directly.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) {
		if r != nil {
			g.rng = r
		}
	}
}

// New creates a Generator over cat. Without options it is seeded from the
// clock.
func New(cat *catalog.Catalog, opts ...Option) *Generator {
	seed := uint64(time.Now().UnixNano()) // #nosec G115 -- any bit pattern is a valid seed
	g := &Generator{
		cat: cat,
		rng: rand.New(rand.NewPCG(seed, seed>>1)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Catalog returns the catalog the generator draws from.
func (g *Generator) Catalog() *catalog.Catalog {
	return g.cat
}

// Generate grows a random tree. At maxDepth 0 it returns a terminal chosen
// uniformly; above that it chooses a function uniformly and grows one
// subtree at maxDepth-1 for each of its arity positions. The result has at
// most maxDepth+1 nodes on any root-to-leaf path.
//
// An empty terminal set, or an empty function set when maxDepth > 0, is a
// configuration error. No default operator is substituted.
func (g *Generator) Generate(maxDepth int) (*expr.Node, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("gen: %w: %d", core.ErrInvalidDepth, maxDepth)
	}
	if g.cat == nil || g.cat.NumTerminals() == 0 {
		return nil, fmt.Errorf("gen: %w", core.ErrEmptyTerminals)
	}
	if maxDepth > 0 && g.cat.NumFunctions() == 0 {
		return nil, fmt.Errorf("gen: %w (max depth %d)", core.ErrEmptyFunctions, maxDepth)
	}
	return g.grow(maxDepth)
}

func (g *Generator) grow(depth int) (*expr.Node, error) {
	if depth == 0 {
		return expr.Leaf(g.cat.TerminalAt(g.rng.IntN(g.cat.NumTerminals()))), nil
	}
	fn := g.cat.FunctionAt(g.rng.IntN(g.cat.NumFunctions()))
	children := make([]*expr.Node, fn.Arity)
	for i := range children {
		child, err := g.grow(depth - 1)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}
	return expr.New(fn, children...)
}

// Generate is a convenience wrapper creating a one-shot Generator.
func Generate(cat *catalog.Catalog, maxDepth int, opts ...Option) (*expr.Node, error) {
	return New(cat, opts...).Generate(maxDepth)
}
