package gen

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/expr"
)

func TestGenerate_DepthZeroIsTerminal(t *testing.T) {
	g := New(catalog.Default(), WithSeed(1))
	for i := 0; i < 100; i++ {
		n, err := g.Generate(0)
		if err != nil {
			t.Fatalf("Generate(0) unexpected error: %v", err)
		}
		if !n.IsLeaf() || !n.Op.IsTerminal() {
			t.Fatalf("Generate(0) = %s, want a single terminal", n)
		}
	}
}

func TestGenerate_RespectsDepthAndArity(t *testing.T) {
	g := New(catalog.Default(), WithSeed(42))
	for maxDepth := 0; maxDepth <= 5; maxDepth++ {
		for i := 0; i < 200; i++ {
			n, err := g.Generate(maxDepth)
			if err != nil {
				t.Fatalf("Generate(%d) unexpected error: %v", maxDepth, err)
			}
			if d := n.Depth(); d > maxDepth+1 {
				t.Fatalf("Generate(%d) depth = %d, want <= %d", maxDepth, d, maxDepth+1)
			}
			if err := n.Validate(); err != nil {
				t.Fatalf("Generate(%d) produced invalid tree: %v", maxDepth, err)
			}
		}
	}
}

func TestGenerate_FullDepth(t *testing.T) {
	// Every function has arity >= 1 and growth only stops at depth 0, so
	// every leaf sits exactly at maxDepth.
	g := New(catalog.Default(), WithSeed(7))
	n, err := g.Generate(3)
	if err != nil {
		t.Fatalf("Generate(3) unexpected error: %v", err)
	}
	n.Walk(func(node *expr.Node, depth int) bool {
		if node.IsLeaf() && depth != 3 {
			t.Errorf("leaf %s at depth %d, want 3", node.Op.Name, depth)
		}
		if !node.IsLeaf() && node.Op.IsTerminal() {
			t.Errorf("terminal %s has children", node.Op.Name)
		}
		return true
	})
}

func TestGenerate_ConfigurationErrors(t *testing.T) {
	onlyFunctions := catalog.MustNew(nil, catalog.BuiltinFunctions())
	onlyTerminals := catalog.MustNew(catalog.BuiltinTerminals(), nil)

	tests := []struct {
		name     string
		cat      *catalog.Catalog
		maxDepth int
		want     error
	}{
		{"no terminals at depth 0", onlyFunctions, 0, core.ErrEmptyTerminals},
		{"no terminals at depth 3", onlyFunctions, 3, core.ErrEmptyTerminals},
		{"no functions at depth 2", onlyTerminals, 2, core.ErrEmptyFunctions},
		{"nil catalog", nil, 1, core.ErrEmptyTerminals},
		{"negative depth", catalog.Default(), -1, core.ErrInvalidDepth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(tt.cat, WithSeed(1)).Generate(tt.maxDepth)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Generate() = %v, want %v", err, tt.want)
			}
			if n != nil {
				t.Errorf("Generate() returned a tree alongside an error: %s", n)
			}
		})
	}
}

func TestGenerate_NoFunctionsAtDepthZero(t *testing.T) {
	onlyTerminals := catalog.MustNew(catalog.BuiltinTerminals(), nil)
	if _, err := Generate(onlyTerminals, 0, WithSeed(1)); err != nil {
		t.Fatalf("Generate(0) with no functions should succeed, got %v", err)
	}
}

func TestGenerate_SeedIsReproducible(t *testing.T) {
	a := New(catalog.Default(), WithSeed(99))
	b := New(catalog.Default(), WithSeed(99))
	for i := 0; i < 50; i++ {
		ta, _ := a.Generate(4)
		tb, _ := b.Generate(4)
		if ta.String() != tb.String() {
			t.Fatalf("trees differ for the same seed:\n%s\n%s", ta, tb)
		}
	}
}

func TestGenerate_WithRand(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	g := New(catalog.Default(), WithRand(r))
	if _, err := g.Generate(2); err != nil {
		t.Fatalf("Generate() unexpected error: %v", err)
	}
}

func TestGenerate_TerminalChoiceCoversSet(t *testing.T) {
	g := New(catalog.Default(), WithSeed(5))
	seen := map[string]int{}
	for i := 0; i < 3000; i++ {
		n, _ := g.Generate(0)
		seen[n.Op.Name]++
	}
	for _, op := range catalog.Default().Terminals() {
		// Uniform over three terminals: expect ~1000 each.
		if c := seen[op.Name]; c < 800 || c > 1200 {
			t.Errorf("terminal %s chosen %d times out of 3000", op.Name, c)
		}
	}
}

func TestGenerate_MixedArities(t *testing.T) {
	var fns []core.Operator
	for _, name := range []string{"square", "+", "if"} {
		op, ok := catalog.Builtin(name)
		if !ok {
			t.Fatalf("builtin %q not found", name)
		}
		fns = append(fns, op)
	}
	cat := catalog.MustNew(catalog.BuiltinTerminals(), fns)
	g := New(cat, WithSeed(9))
	for i := 0; i < 100; i++ {
		n, err := g.Generate(4)
		if err != nil {
			t.Fatalf("Generate(4) unexpected error: %v", err)
		}
		if err := n.Validate(); err != nil {
			t.Fatalf("Generate(4) produced invalid tree: %v", err)
		}
		if d := n.Depth(); d != 5 {
			t.Fatalf("Generate(4) depth = %d, want 5", d)
		}
		n.Walk(func(node *expr.Node, _ int) bool {
			if len(node.Children) != node.Op.Arity {
				t.Errorf("node %s has %d children, arity %d", node.Op.Name, len(node.Children), node.Op.Arity)
			}
			return true
		})
	}
}
