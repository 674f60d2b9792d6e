// Package filter defines the abstract predicate algebra accepted from the
// host engine and its translation into store-native filter and projection
// documents.
//
// Pushdown is a best-effort optimization, not a correctness mechanism:
// predicates the store cannot express natively are returned as residuals,
// and the scan executor re-applies them to every document so the final
// result set always satisfies all filters.
package filter

// Op is a comparison operator.
type Op string

const (
	// OpGt is strictly greater than
	OpGt Op = "gt"
	// OpGte is greater than or equal
	OpGte Op = "gte"
	// OpLt is strictly less than
	OpLt Op = "lt"
	// OpLte is less than or equal
	OpLte Op = "lte"
	// OpNe is not equal
	OpNe Op = "ne"
)

// Expr is a node in the abstract predicate tree. The set of implementations
// is closed; trees are immutable once built by the caller.
//
// Field paths are dot-separated for nesting ("address.city").
type Expr interface {
	isExpr()
}

// Equals matches documents whose field at Path equals Value.
type Equals struct {
	Path  string
	Value interface{}
}

// Compare matches documents whose field at Path satisfies Op against Value.
type Compare struct {
	Path  string
	Op    Op
	Value interface{}
}

// In matches documents whose field at Path equals any of Values.
type In struct {
	Path   string
	Values []interface{}
}

// And is the conjunction of its children.
type And struct {
	Exprs []Expr
}

// Or is the disjunction of its children.
type Or struct {
	Exprs []Expr
}

// Not negates its child.
type Not struct {
	Expr Expr
}

// IsNull matches documents whose field at Path is null or absent.
type IsNull struct {
	Path string
}

// IsNotNull matches documents whose field at Path is present and non-null.
type IsNotNull struct {
	Path string
}

func (Equals) isExpr()    {}
func (Compare) isExpr()   {}
func (In) isExpr()        {}
func (And) isExpr()       {}
func (Or) isExpr()        {}
func (Not) isExpr()       {}
func (IsNull) isExpr()    {}
func (IsNotNull) isExpr() {}
