// Package predicate implements the small expression grammar entities are
// filtered by (spec.md §6): comparisons, boolean connectives, path
// expressions, and literals. A Path's first step names a top-level property
// on the entity (resolved through a property backend's Get, typically LWW);
// remaining steps traverse JSON sub-structure via gjson. Placeholder ("?")
// literals are only valid mid-parse and must be bound with Bind before Eval.
package predicate

import "fmt"

// Expr is any node in a predicate's abstract syntax tree.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Path is a property access: the first segment names the backend property,
// remaining segments traverse into its JSON value.
type Path []string

func (p Path) String() string {
	s := ""
	for i, seg := range p {
		if i > 0 {
			s += "."
		}
		s += seg
	}
	return s
}

// LiteralKind tags the concrete type carried by a Literal.
type LiteralKind int

const (
	KindNull LiteralKind = iota
	KindBool
	KindString
	KindInt
	KindFloat
	KindEntityId
	KindJSON
	KindPlaceholder
)

// Literal is a constant value in predicate source: a string, an integer
// (i16/i32/i64 all fold to KindInt), a float64, a bool, an EntityId, an
// opaque JSON sub-document, or (only until Bind runs) a "?" placeholder.
type Literal struct {
	Kind LiteralKind
	Str  string
	Int  int64
	Flt  float64
	Bool bool
	JSON []byte
}

func (Literal) isExpr() {}
func (l Literal) String() string {
	switch l.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("%v", l.Bool)
	case KindString:
		return fmt.Sprintf("%q", l.Str)
	case KindInt:
		return fmt.Sprintf("%d", l.Int)
	case KindFloat:
		return fmt.Sprintf("%g", l.Flt)
	case KindEntityId:
		return fmt.Sprintf("entity:%s", l.Str)
	case KindJSON:
		return string(l.JSON)
	case KindPlaceholder:
		return "?"
	default:
		return "<unknown literal>"
	}
}

// CompareOp enumerates the comparison operators spec.md §6 names.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNeq:
		return "<>"
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return "?"
	}
}

// Comparison is `path op literal`.
type Comparison struct {
	Path  Path
	Op    CompareOp
	Value Literal
}

func (Comparison) isExpr() {}
func (c Comparison) String() string { return fmt.Sprintf("%s %s %s", c.Path, c.Op, c.Value) }

// In is `path IN (literal, ...)`.
type In struct {
	Path   Path
	Values []Literal
}

func (In) isExpr() {}
func (n In) String() string { return fmt.Sprintf("%s IN (...)", n.Path) }

// Between is `path BETWEEN low AND high`, inclusive of both bounds.
type Between struct {
	Path Path
	Low  Literal
	High Literal
}

func (Between) isExpr() {}
func (b Between) String() string { return fmt.Sprintf("%s BETWEEN %s AND %s", b.Path, b.Low, b.High) }

// IsNull is `path IS NULL`.
type IsNull struct {
	Path Path
}

func (IsNull) isExpr() {}
func (n IsNull) String() string { return fmt.Sprintf("%s IS NULL", n.Path) }

// And, Or, Not are the boolean connectives.
type And struct{ Left, Right Expr }

func (And) isExpr() {}
func (a And) String() string { return fmt.Sprintf("(%s AND %s)", a.Left, a.Right) }

type Or struct{ Left, Right Expr }

func (Or) isExpr() {}
func (o Or) String() string { return fmt.Sprintf("(%s OR %s)", o.Left, o.Right) }

type Not struct{ Inner Expr }

func (Not) isExpr() {}
func (n Not) String() string { return fmt.Sprintf("NOT %s", n.Inner) }

// BoolLiteral is the TRUE/FALSE constant predicate. A TRUE predicate is what
// the reactor treats as a wildcard subscription (spec.md §4.5).
type BoolLiteral bool

func (BoolLiteral) isExpr() {}
func (b BoolLiteral) String() string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Walk calls visit once for every Comparison, In, Between, and IsNull clause
// reachable in expr, depth-first. The reactor uses this to build its
// field-value watcher index without needing its own AST traversal.
func Walk(expr Expr, visit func(path Path, clause Expr)) {
	switch e := expr.(type) {
	case Comparison:
		visit(e.Path, e)
	case In:
		visit(e.Path, e)
	case Between:
		visit(e.Path, e)
	case IsNull:
		visit(e.Path, e)
	case And:
		Walk(e.Left, visit)
		Walk(e.Right, visit)
	case Or:
		Walk(e.Left, visit)
		Walk(e.Right, visit)
	case Not:
		Walk(e.Inner, visit)
	case BoolLiteral:
		// no field clause
	}
}

// IsWildcard reports whether expr is the TRUE constant (matches every
// entity in its collection, per spec.md §4.5's wildcard watchers).
func IsWildcard(expr Expr) bool {
	b, ok := expr.(BoolLiteral)
	return ok && bool(b)
}
