package relward

import (
	"context"
	"strings"
)

// Expr is a compiled boolean rule expression. Expressions are produced by
// compiling rule text against a Registry, never constructed directly; the
// compile step binds every name to its declaration so evaluation cannot
// hit an unknown field or relation.
type Expr interface {
	Eval(ctx context.Context, ec *EvalContext) (bool, error)
	String() string
}

// CmpOp is a comparison operator.
type CmpOp string

const (
	CmpEq  CmpOp = "=="
	CmpNe  CmpOp = "!="
	CmpGt  CmpOp = ">"
	CmpGte CmpOp = ">="
	CmpLt  CmpOp = "<"
	CmpLte CmpOp = "<="
)

// Operand is one side of a comparison: a field path, an actor reference or
// a literal.
type Operand interface {
	String() string
	// resolve returns the operand's value and whether it is present.
	// Absent operands compare false against everything except null.
	resolve(ctx context.Context, ec *EvalContext) (any, bool, error)
}

// BoolLiteral is the expression true or false.
type BoolLiteral struct {
	Value bool
}

func (e *BoolLiteral) String() string {
	if e.Value {
		return "true"
	}
	return "false"
}

// NotExpr negates the expression that follows it.
type NotExpr struct {
	Inner Expr
}

func (e *NotExpr) String() string {
	switch e.Inner.(type) {
	case *BoolLiteral, *NotExpr, *ExistsExpr:
		return "!" + e.Inner.String()
	}
	return "!(" + e.Inner.String() + ")"
}

// AndExpr is a short-circuiting conjunction.
type AndExpr struct {
	Left, Right Expr
}

func (e *AndExpr) String() string {
	return renderChild(e.Left, 2) + " && " + renderChild(e.Right, 2)
}

// OrExpr is a short-circuiting disjunction.
type OrExpr struct {
	Left, Right Expr
}

func (e *OrExpr) String() string {
	return renderChild(e.Left, 1) + " || " + renderChild(e.Right, 1)
}

// CompareExpr compares two operands. A bare boolean field in rule text
// compiles to a comparison against true.
type CompareExpr struct {
	Op          CmpOp
	Left, Right Operand

	bare bool // compiled from a bare boolean field, render without == true
}

func (e *CompareExpr) String() string {
	if e.bare {
		return e.Left.String()
	}
	return e.Left.String() + " " + string(e.Op) + " " + e.Right.String()
}

// ExistsExpr holds when at least one member of a to-many relation
// satisfies the predicate. Inside the predicate the member under test is
// the implicit subject.
type ExistsExpr struct {
	Predicate Expr

	path []string
	hops []*RelationDefinition
	rel  *RelationDefinition
}

func (e *ExistsExpr) String() string {
	return strings.Join(e.path, ".") + "?[" + e.Predicate.String() + "]"
}

func exprPrec(e Expr) int {
	switch e.(type) {
	case *OrExpr:
		return 1
	case *AndExpr:
		return 2
	case *NotExpr:
		return 3
	}
	return 4
}

func renderChild(e Expr, parent int) string {
	if exprPrec(e) < parent {
		return "(" + e.String() + ")"
	}
	return e.String()
}

// FieldPath is a dotted traversal from the implicit subject through to-one
// relations, ending at a field or at a to-one relation whose identity is
// compared.
type FieldPath struct {
	path  []string
	hops  []*RelationDefinition
	field *FieldDefinition
	rel   *RelationDefinition
}

func (p *FieldPath) String() string { return strings.Join(p.path, ".") }

// ActorRef is the distinguished actor identifier, optionally narrowed to
// one attribute of the principal.
type ActorRef struct {
	attr string
}

func (a *ActorRef) String() string {
	if a.attr == "" {
		return "actor"
	}
	return "actor." + a.attr
}

// Literal is a constant operand. Its value is one of string, int64,
// float64, bool, time.Time or nil for null.
type Literal struct {
	value any
	text  string // original source rendering
}

func (l *Literal) String() string { return l.text }

// Value returns the literal's constant.
func (l *Literal) Value() any { return l.value }
