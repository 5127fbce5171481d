// Package catalog provides the instruction set used by the random tree
// generator: a mapping of terminal names to arity-zero operators and a
// mapping of function names to operators of arity one or more.
package catalog

import (
	"fmt"
	"sync"

	"github.com/petal-labs/petalgp/core"
)

var (
	defaultCatalog *Catalog
	defaultOnce    sync.Once
)

// Default returns the shared built-in catalog: integer constants, arithmetic
// with checked division, and a conditional. It is built on first call.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := New(BuiltinTerminals(), BuiltinFunctions())
		if err != nil {
			panic(fmt.Sprintf("catalog: invalid builtins: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Catalog holds the terminal and function operators available to the
// generator. It is read-only after New and may be shared across any number
// of generation and evaluation calls without synchronization.
type Catalog struct {
	terminals map[string]core.Operator
	functions map[string]core.Operator
	tOrder    []string // preserves registration order
	fOrder    []string
}

// New builds a catalog. Terminals must have arity 0 and functions arity 1
// or more; names must be unique within each mapping. Empty mappings are
// accepted here and rejected by the generator when it needs them.
func New(terminals, functions []core.Operator) (*Catalog, error) {
	c := &Catalog{
		terminals: make(map[string]core.Operator, len(terminals)),
		functions: make(map[string]core.Operator, len(functions)),
	}
	for _, op := range terminals {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: terminal: %w", err)
		}
		if op.Arity != 0 {
			return nil, fmt.Errorf("catalog: terminal %q: %w: terminals take no arguments, declared %d",
				op.Name, core.ErrInvalidArity, op.Arity)
		}
		if _, exists := c.terminals[op.Name]; exists {
			return nil, fmt.Errorf("catalog: terminal %q: %w", op.Name, core.ErrDuplicateOperator)
		}
		c.terminals[op.Name] = op
		c.tOrder = append(c.tOrder, op.Name)
	}
	for _, op := range functions {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: function: %w", err)
		}
		if op.Arity < 1 {
			return nil, fmt.Errorf("catalog: function %q: %w: functions take at least one argument",
				op.Name, core.ErrInvalidArity)
		}
		if _, exists := c.functions[op.Name]; exists {
			return nil, fmt.Errorf("catalog: function %q: %w", op.Name, core.ErrDuplicateOperator)
		}
		c.functions[op.Name] = op
		c.fOrder = append(c.fOrder, op.Name)
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(terminals, functions []core.Operator) *Catalog {
	c, err := New(terminals, functions)
	if err != nil {
		panic(err)
	}
	return c
}

// Extend returns a new catalog holding c's operators plus the given ones.
// c itself is left untouched.
func (c *Catalog) Extend(terminals, functions []core.Operator) (*Catalog, error) {
	return New(append(c.Terminals(), terminals...), append(c.Functions(), functions...))
}

// Terminals returns all terminal operators in registration order.
func (c *Catalog) Terminals() []core.Operator {
	result := make([]core.Operator, 0, len(c.tOrder))
	for _, name := range c.tOrder {
		result = append(result, c.terminals[name])
	}
	return result
}

// Functions returns all function operators in registration order.
func (c *Catalog) Functions() []core.Operator {
	result := make([]core.Operator, 0, len(c.fOrder))
	for _, name := range c.fOrder {
		result = append(result, c.functions[name])
	}
	return result
}

// Terminal returns a terminal operator by name.
func (c *Catalog) Terminal(name string) (core.Operator, bool) {
	op, ok := c.terminals[name]
	return op, ok
}

// Function returns a function operator by name.
func (c *Catalog) Function(name string) (core.Operator, bool) {
	op, ok := c.functions[name]
	return op, ok
}

// Lookup finds an operator by name in either mapping, terminals first.
func (c *Catalog) Lookup(name string) (core.Operator, bool) {
	if op, ok := c.terminals[name]; ok {
		return op, true
	}
	op, ok := c.functions[name]
	return op, ok
}

// NumTerminals returns the number of terminal operators.
func (c *Catalog) NumTerminals() int {
	return len(c.tOrder)
}

// NumFunctions returns the number of function operators.
func (c *Catalog) NumFunctions() int {
	return len(c.fOrder)
}

// TerminalAt returns the i-th terminal in registration order.
func (c *Catalog) TerminalAt(i int) core.Operator {
	return c.terminals[c.tOrder[i]]
}

// FunctionAt returns the i-th function in registration order.
func (c *Catalog) FunctionAt(i int) core.Operator {
	return c.functions[c.fOrder[i]]
}

// MaxArity returns the largest function arity, or 0 for a catalog without
// functions.
func (c *Catalog) MaxArity() int {
	maxArity := 0
	for _, name := range c.fOrder {
		maxArity = max(maxArity, c.functions[name].Arity)
	}
	return maxArity
}
