package filter

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Matches evaluates a predicate against a decoded document. The executor
// uses it to re-apply residual predicates that could not be pushed down.
func Matches(doc bson.D, e Expr) bool {
	switch ex := e.(type) {
	case Equals:
		v, ok := resolvePath(doc, ex.Path)
		return ok && compareValues(v, ex.Value) == 0

	case Compare:
		v, ok := resolvePath(doc, ex.Path)
		if !ok || isNullValue(v) {
			return false
		}
		c := compareValues(v, ex.Value)
		if c == incomparable {
			return ex.Op == OpNe
		}
		switch ex.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpNe:
			return c != 0
		default:
			return false
		}

	case In:
		v, ok := resolvePath(doc, ex.Path)
		if !ok {
			return false
		}
		for _, candidate := range ex.Values {
			if compareValues(v, candidate) == 0 {
				return true
			}
		}
		return false

	case And:
		for _, child := range ex.Exprs {
			if !Matches(doc, child) {
				return false
			}
		}
		return true

	case Or:
		for _, child := range ex.Exprs {
			if Matches(doc, child) {
				return true
			}
		}
		return false

	case Not:
		return !Matches(doc, ex.Expr)

	case IsNull:
		v, ok := resolvePath(doc, ex.Path)
		return !ok || isNullValue(v)

	case IsNotNull:
		v, ok := resolvePath(doc, ex.Path)
		return ok && !isNullValue(v)

	default:
		return false
	}
}

// resolvePath walks a dot-separated path with optional array-index
// refinements ("items[2].price") through a decoded document.
func resolvePath(doc bson.D, path string) (interface{}, bool) {
	var current interface{} = doc
	for _, segment := range strings.Split(path, ".") {
		name := segment
		index := -1
		if open := strings.IndexByte(segment, '['); open >= 0 && strings.HasSuffix(segment, "]") {
			idx, err := strconv.Atoi(segment[open+1 : len(segment)-1])
			if err != nil {
				return nil, false
			}
			name = segment[:open]
			index = idx
		}

		v, ok := lookupKey(current, name)
		if !ok {
			return nil, false
		}
		if index >= 0 {
			arr, ok := asArray(v)
			if !ok || index >= len(arr) {
				return nil, false
			}
			v = arr[index]
		}
		current = v
	}
	return current, true
}

// isNullValue reports whether a decoded value is null. Explicit nulls decode
// as primitive.Null, not as a nil interface.
func isNullValue(v interface{}) bool {
	if v == nil {
		return true
	}
	_, ok := v.(primitive.Null)
	return ok
}

func lookupKey(v interface{}, key string) (interface{}, bool) {
	switch doc := v.(type) {
	case bson.D:
		for _, elem := range doc {
			if elem.Key == key {
				return elem.Value, true
			}
		}
	case bson.M:
		val, ok := doc[key]
		return val, ok
	case map[string]interface{}:
		val, ok := doc[key]
		return val, ok
	}
	return nil, false
}

func asArray(v interface{}) ([]interface{}, bool) {
	switch arr := v.(type) {
	case bson.A:
		return arr, true
	case []interface{}:
		return arr, true
	default:
		return nil, false
	}
}

// incomparable is returned by compareValues when no ordering exists between
// the two values.
const incomparable = 2

// compareValues orders two BSON-decoded values: -1, 0, 1, or incomparable.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0
		}
		return incomparable
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		return incomparable
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return incomparable
		}
		return strings.Compare(av, bv)
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return incomparable
		}
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case time.Time:
		bv, ok := toTime(b)
		if !ok {
			return incomparable
		}
		return av.Compare(bv)
	case primitive.DateTime:
		bv, ok := toTime(b)
		if !ok {
			return incomparable
		}
		return av.Time().UTC().Compare(bv)
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		if !ok {
			return incomparable
		}
		return strings.Compare(av.Hex(), bv.Hex())
	}

	if reflect.DeepEqual(a, b) {
		return 0
	}
	return incomparable
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case primitive.DateTime:
		return t.Time().UTC(), true
	default:
		return time.Time{}, false
	}
}
