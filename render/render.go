// Package render projects one expression tree into two structurally
// identical views: an executable form holding only behaviors, and a readable
// form holding only operator names. Both projections are pure; no behavior
// is invoked while rendering.
package render

import (
	"encoding/json"
	"strings"

	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/expr"
)

// Executable is the behavior-only view of a tree. Arity is carried along so
// the interpreter can still enforce the arity contract.
type Executable struct {
	Behavior core.Behavior
	Arity    int
	Args     []Executable
}

// Readable is the name-only view of a tree, used for diagnostics.
type Readable struct {
	Name string
	Args []Readable
}

// ToExecutable replaces every node with its behavior.
func ToExecutable(n *expr.Node) Executable {
	if n == nil {
		return Executable{}
	}
	e := Executable{Behavior: n.Op.Behavior, Arity: n.Op.Arity}
	if len(n.Children) > 0 {
		e.Args = make([]Executable, len(n.Children))
		for i, c := range n.Children {
			e.Args[i] = ToExecutable(c)
		}
	}
	return e
}

// ToReadable replaces every node with its operator name.
func ToReadable(n *expr.Node) Readable {
	if n == nil {
		return Readable{}
	}
	r := Readable{Name: n.Op.Name}
	if len(n.Children) > 0 {
		r.Args = make([]Readable, len(n.Children))
		for i, c := range n.Children {
			r.Args[i] = ToReadable(c)
		}
	}
	return r
}

// Both renders the executable and readable views of the same tree.
func Both(n *expr.Node) (Executable, Readable) {
	return ToExecutable(n), ToReadable(n)
}

// IsEmpty reports whether the executable form has no behavior at its root.
func (e Executable) IsEmpty() bool {
	return e.Behavior == nil && len(e.Args) == 0
}

// String renders the readable form as an s-expression, e.g. "(+ const2 (id const1))".
func (r Readable) String() string {
	var b strings.Builder
	r.write(&b)
	return b.String()
}

func (r Readable) write(b *strings.Builder) {
	if len(r.Args) == 0 {
		b.WriteString(r.Name)
		return
	}
	b.WriteByte('(')
	b.WriteString(r.Name)
	for _, a := range r.Args {
		b.WriteByte(' ')
		a.write(b)
	}
	b.WriteByte(')')
}

// Nested returns the readable form as nested lists: a leaf becomes its name,
// an inner node becomes [name, child...].
func (r Readable) Nested() any {
	if len(r.Args) == 0 {
		return r.Name
	}
	out := make([]any, 0, len(r.Args)+1)
	out = append(out, r.Name)
	for _, a := range r.Args {
		out = append(out, a.Nested())
	}
	return out
}

// MarshalJSON encodes the readable form as nested lists.
func (r Readable) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Nested())
}

// MarshalYAML encodes the readable form as nested sequences.
func (r Readable) MarshalYAML() (any, error) {
	return r.Nested(), nil
}

// Shape returns the arity of every node in pre-order. Two views rendered from
// the same tree always have equal shapes.
func (e Executable) Shape() []int {
	shape := []int{len(e.Args)}
	for _, a := range e.Args {
		shape = append(shape, a.Shape()...)
	}
	return shape
}

// Shape returns the child count of every node in pre-order.
func (r Readable) Shape() []int {
	shape := []int{len(r.Args)}
	for _, a := range r.Args {
		shape = append(shape, a.Shape()...)
	}
	return shape
}
