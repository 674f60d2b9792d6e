package filter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Translate converts a conjunction of abstract predicates into a store-native
// filter document. Predicates the store cannot express natively come back in
// residual; they are never dropped, and the caller must re-apply them after
// retrieval.
//
// Paths containing an array-index refinement ("tags[1]") are not expressible
// as native query paths and always become residual.
func Translate(exprs []Expr) (bson.D, []Expr) {
	native := bson.D{}
	var residual []Expr

	var clauses bson.A
	for _, e := range exprs {
		clause, ok := translateExpr(e)
		if !ok {
			residual = append(residual, e)
			continue
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		native = clauses[0].(bson.D)
	} else if len(clauses) > 1 {
		native = bson.D{{Key: "$and", Value: clauses}}
	}

	return native, residual
}

// translateExpr maps one predicate node to its native equivalent. The second
// return is false when the node (or any descendant required for soundness)
// has no native form.
func translateExpr(e Expr) (bson.D, bool) {
	switch ex := e.(type) {
	case Equals:
		if !nativePath(ex.Path) {
			return nil, false
		}
		return bson.D{{Key: ex.Path, Value: bson.D{{Key: "$eq", Value: ex.Value}}}}, true

	case Compare:
		if !nativePath(ex.Path) {
			return nil, false
		}
		op, ok := nativeOp(ex.Op)
		if !ok {
			return nil, false
		}
		return bson.D{{Key: ex.Path, Value: bson.D{{Key: op, Value: ex.Value}}}}, true

	case In:
		if !nativePath(ex.Path) {
			return nil, false
		}
		values := bson.A{}
		values = append(values, ex.Values...)
		return bson.D{{Key: ex.Path, Value: bson.D{{Key: "$in", Value: values}}}}, true

	case IsNull:
		if !nativePath(ex.Path) {
			return nil, false
		}
		// {path: null} matches both explicit null and absent fields,
		// mirroring the store's own null semantics.
		return bson.D{{Key: ex.Path, Value: nil}}, true

	case IsNotNull:
		if !nativePath(ex.Path) {
			return nil, false
		}
		return bson.D{{Key: ex.Path, Value: bson.D{{Key: "$ne", Value: nil}}}}, true

	case And:
		// A conjunction could be split into pushable and residual halves,
		// but And only appears nested here (top-level conjunctions arrive
		// as the exprs slice), so partial pushdown inside Or/Not would be
		// unsound. All children must translate.
		clauses := bson.A{}
		for _, child := range ex.Exprs {
			c, ok := translateExpr(child)
			if !ok {
				return nil, false
			}
			clauses = append(clauses, c)
		}
		return bson.D{{Key: "$and", Value: clauses}}, true

	case Or:
		clauses := bson.A{}
		for _, child := range ex.Exprs {
			c, ok := translateExpr(child)
			if !ok {
				return nil, false
			}
			clauses = append(clauses, c)
		}
		return bson.D{{Key: "$or", Value: clauses}}, true

	case Not:
		child, ok := translateExpr(ex.Expr)
		if !ok {
			return nil, false
		}
		return bson.D{{Key: "$nor", Value: bson.A{child}}}, true

	default:
		return nil, false
	}
}

func nativeOp(op Op) (string, bool) {
	switch op {
	case OpGt:
		return "$gt", true
	case OpGte:
		return "$gte", true
	case OpLt:
		return "$lt", true
	case OpLte:
		return "$lte", true
	case OpNe:
		return "$ne", true
	default:
		return "", false
	}
}

// nativePath reports whether a field path can appear in a native filter.
func nativePath(path string) bool {
	return path != "" && !strings.ContainsAny(path, "[]")
}
