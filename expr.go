package lazyarr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is one vertex of an immutable expression tree. Nodes serialize to a
// canonical textual form that the parser reads back into an identical tree,
// which is how expressions persist.
type Node interface {
	fmt.Stringer
	exprNode()
}

// Literal is a scalar constant. Eagerly-evaluated reductions fold their
// results into Literal nodes. Float records whether the constant was
// written in floating-point form; an integral value written as "2.0" is a
// float constant, not an integer one, and types accordingly.
type Literal struct {
	Value float64
	Float bool
}

func (n *Literal) exprNode() {}

func (n *Literal) String() string {
	s := strconv.FormatFloat(n.Value, 'g', -1, 64)
	if n.Float && !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// OperandRef names a bound array operand
type OperandRef struct {
	Name string
}

func (n *OperandRef) exprNode() {}

func (n *OperandRef) String() string { return n.Name }

// UnaryExpr applies a prefix operator elementwise
type UnaryExpr struct {
	Op    string // "-"
	Child Node
}

func (n *UnaryExpr) exprNode() {}

func (n *UnaryExpr) String() string {
	return "(" + n.Op + n.Child.String() + ")"
}

// BinaryExpr applies an infix operator elementwise, broadcasting operands
// of differing shape
type BinaryExpr struct {
	Op          string // + - * / % ** < <= > >= == !=
	Left, Right Node
}

func (n *BinaryExpr) exprNode() {}

func (n *BinaryExpr) String() string {
	return "(" + n.Left.String() + " " + n.Op + " " + n.Right.String() + ")"
}

// AxisAll marks a reduction over every axis, collapsing to a scalar
const AxisAll = -1

// ReduceExpr collapses one axis (or all axes) of its child. ReduceExpr
// nodes only arise from the textual-parse path; the operator path
// evaluates reductions immediately.
type ReduceExpr struct {
	Op    string // sum prod min max mean any all
	Child Node
	Axis  int
}

func (n *ReduceExpr) exprNode() {}

func (n *ReduceExpr) String() string {
	child := n.Child.String()
	switch n.Child.(type) {
	case *Literal, *OperandRef:
	default:
		if !strings.HasPrefix(child, "(") {
			child = "(" + child + ")"
		}
	}
	if n.Axis == AxisAll {
		return child + "." + n.Op + "()"
	}
	return child + "." + n.Op + "(" + strconv.Itoa(n.Axis) + ")"
}

// CallExpr applies a named elementwise function, broadcasting across its
// arguments
type CallExpr struct {
	Name string
	Args []Node
}

func (n *CallExpr) exprNode() {}

func (n *CallExpr) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Name + "(" + strings.Join(args, ", ") + ")"
}

// reductions maps reduction names to arity of their eager scalar combine
var reductions = map[string]struct{}{
	"sum":  {},
	"prod": {},
	"min":  {},
	"max":  {},
	"mean": {},
	"any":  {},
	"all":  {},
}

// elementwise function arity
var callArity = map[string]int{
	"sin":     1,
	"cos":     1,
	"tan":     1,
	"sqrt":    1,
	"exp":     1,
	"log":     1,
	"log10":   1,
	"abs":     1,
	"arctan2": 2,
	"where":   3,
}

// operandNames collects every OperandRef name in a tree
func operandNames(n Node, names map[string]struct{}) {
	switch v := n.(type) {
	case *OperandRef:
		names[v.Name] = struct{}{}
	case *UnaryExpr:
		operandNames(v.Child, names)
	case *BinaryExpr:
		operandNames(v.Left, names)
		operandNames(v.Right, names)
	case *ReduceExpr:
		operandNames(v.Child, names)
	case *CallExpr:
		for _, a := range v.Args {
			operandNames(a, names)
		}
	}
}
