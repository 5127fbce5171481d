// Package expr provides the immutable expression tree used by the generator,
// the interpreter and the renderers. A tree is a composition of operators and
// their child subtrees; a leaf is an operator of arity zero.
package expr

import (
	"fmt"

	"github.com/petal-labs/petalgp/core"
)

// Node is one operator plus exactly Op.Arity ordered children.
// The fields are exported for reading. Build nodes with Leaf and New, which
// copy the children slice; nothing in this module mutates a node afterwards.
// A Node literal skips the arity check, so Validate and interp.Evaluate
// repeat it for every node they visit.
type Node struct {
	Op       core.Operator
	Children []*Node
}

// Leaf creates a childless node for a terminal operator.
func Leaf(op core.Operator) *Node {
	return &Node{Op: op}
}

// New creates a node, checking that the number of children matches the
// operator's declared arity and that no child is nil.
func New(op core.Operator, children ...*Node) (*Node, error) {
	if len(children) != op.Arity {
		return nil, fmt.Errorf("expr: operator %q: %w: declared %d, got %d children",
			op.Name, core.ErrArityMismatch, op.Arity, len(children))
	}
	for i, c := range children {
		if c == nil {
			return nil, fmt.Errorf("expr: operator %q: child %d: %w", op.Name, i, core.ErrEmptyExpression)
		}
	}
	kids := make([]*Node, len(children))
	copy(kids, children)
	return &Node{Op: op, Children: kids}, nil
}

// MustNew is like New but panics on error. Intended for tests and static
// trees built in code.
func MustNew(op core.Operator, children ...*Node) *Node {
	n, err := New(op, children...)
	if err != nil {
		panic(err)
	}
	return n
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Depth returns the number of nodes on the longest root-to-leaf path.
// A single leaf has depth 1.
func (n *Node) Depth() int {
	if n == nil {
		return 0
	}
	deepest := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Size returns the total number of nodes in the tree.
func (n *Node) Size() int {
	if n == nil {
		return 0
	}
	size := 1
	for _, c := range n.Children {
		size += c.Size()
	}
	return size
}

// Walk visits every node in pre-order, passing the node's depth (root = 0).
// Returning false from fn skips the node's children.
func (n *Node) Walk(fn func(node *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) bool, depth int) {
	if n == nil {
		return
	}
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Validate checks every node in the tree: child count equals declared arity,
// and every operator carries a behavior. The first violation is returned
// with the path of child indexes leading to it.
func (n *Node) Validate() error {
	return n.validate(nil)
}

func (n *Node) validate(path []int) error {
	if n == nil {
		return fmt.Errorf("expr: at %v: %w", path, core.ErrEmptyExpression)
	}
	if len(n.Children) != n.Op.Arity {
		return fmt.Errorf("expr: operator %q at %v: %w: declared %d, got %d children",
			n.Op.Name, path, core.ErrArityMismatch, n.Op.Arity, len(n.Children))
	}
	if n.Op.Behavior == nil {
		return fmt.Errorf("expr: operator %q at %v: %w", n.Op.Name, path, core.ErrNilBehavior)
	}
	for i, c := range n.Children {
		if err := c.validate(append(path[:len(path):len(path)], i)); err != nil {
			return err
		}
	}
	return nil
}

// String renders the tree as an s-expression of operator names.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.IsLeaf() {
		return n.Op.Name
	}
	s := "(" + n.Op.Name
	for _, c := range n.Children {
		s += " " + c.String()
	}
	return s + ")"
}
