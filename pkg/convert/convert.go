// Package convert maps store documents to typed positional rows and back.
//
// Both directions are structurally recursive and pure with respect to the
// store: no I/O happens here. On the read path a value that cannot be
// coerced to its declared type resolves to null for that field only; a bad
// value never aborts a row, and a bad row never aborts a scan.
package convert

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/metrics"
	"github.com/datatide/mongoscan/pkg/schema"
)

// Row is a flat positional tuple conforming to a Schema. Nested records
// appear as nested Rows; arrays as []interface{}.
type Row []interface{}

// Converter performs document<->row conversion for one relation.
type Converter struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewConverter creates a Converter. metrics may not be nil; conversion
// null-substitutions are counted there as warnings.
func NewConverter(logger *zap.Logger, collector *metrics.Collector) *Converter {
	return &Converter{
		logger:  logger.With(zap.String("component", "converter")),
		metrics: collector,
	}
}

// ToRow converts a document into a row conforming to the pruned schema.
//
// Array-element pseudo-fields look up their origin array and index into it;
// absent fields, out-of-range indexes and uncoercible values all yield null
// for that single column. ToRow never fails.
func (c *Converter) ToRow(doc bson.D, pruned *schema.Schema) Row {
	row := make(Row, len(pruned.Fields))
	for i, f := range pruned.Fields {
		if f.Metadata != nil {
			row[i] = c.arrayElement(doc, f)
			continue
		}

		v, ok := lookup(doc, f.Name)
		if !ok || v == nil {
			row[i] = nil
			continue
		}
		row[i] = c.coerce(v, f.Type, f.Name)
	}
	return row
}

// arrayElement resolves an array-index pseudo-field against the origin
// array. Any failure along the way is a null, never an error: the index may
// simply be absent in this document.
func (c *Converter) arrayElement(doc bson.D, f schema.Field) interface{} {
	v, ok := lookup(doc, f.Metadata.Origin)
	if !ok || v == nil {
		return nil
	}
	arr, ok := asArray(v)
	if !ok {
		return nil
	}
	idx := f.Metadata.ArrayIndex
	if idx < 0 || idx >= len(arr) {
		return nil
	}
	return c.coerce(arr[idx], f.Type, f.Name)
}

// coerce converts a decoded BSON value to the declared type, or nil when the
// value cannot be represented. The switch over Kind is exhaustive.
func (c *Converter) coerce(v interface{}, t schema.FieldType, fieldName string) interface{} {
	if v == nil {
		return nil
	}
	if _, isNull := v.(primitive.Null); isNull {
		return nil
	}

	switch t.Kind {
	case schema.KindNull:
		return nil

	case schema.KindUnknown, schema.KindAny:
		return v

	case schema.KindBool:
		if b, ok := v.(bool); ok {
			return b
		}

	case schema.KindInt32:
		switch n := v.(type) {
		case int32:
			return n
		case int64:
			if n >= -2147483648 && n <= 2147483647 {
				return int32(n)
			}
		case int:
			if n >= -2147483648 && n <= 2147483647 {
				return int32(n)
			}
		}

	case schema.KindInt64:
		switch n := v.(type) {
		case int32:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}

	case schema.KindDouble:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		case int:
			return float64(n)
		}

	case schema.KindDecimal:
		if d, ok := v.(primitive.Decimal128); ok {
			return d
		}

	case schema.KindString:
		if s, ok := v.(string); ok {
			return s
		}

	case schema.KindBytes:
		switch b := v.(type) {
		case []byte:
			return b
		case primitive.Binary:
			return b.Data
		}

	case schema.KindObjectID:
		if id, ok := v.(primitive.ObjectID); ok {
			return id
		}

	case schema.KindTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC()
		case primitive.DateTime:
			return ts.Time().UTC()
		case primitive.Timestamp:
			return time.Unix(int64(ts.T), 0).UTC()
		}

	case schema.KindDocument:
		nested, ok := asDocument(v)
		if ok {
			return c.ToRow(nested, &schema.Schema{Fields: t.Fields})
		}

	case schema.KindArray:
		arr, ok := asArray(v)
		if ok {
			elem := schema.Primitive(schema.KindUnknown)
			if t.Elem != nil {
				elem = *t.Elem
			}
			out := make([]interface{}, len(arr))
			for i, item := range arr {
				out[i] = c.coerce(item, elem, fieldName)
			}
			return out
		}
	}

	c.metrics.ConversionNulls.Inc()
	c.logger.Debug("value failed to coerce, resolved to null",
		zap.String("field", fieldName),
		zap.String("declared_type", t.String()))
	return nil
}

// ToDocument converts a row back into a document for the write path.
//
// Absent and null row fields are omitted from the output: the store
// distinguishes absent from explicit null, and writes follow the store
// idiom. Array-element pseudo-fields cannot be reconstructed into their
// origin arrays and are likewise omitted.
func (c *Converter) ToDocument(row Row, s *schema.Schema) bson.M {
	doc := make(bson.M, len(s.Fields))
	for i, f := range s.Fields {
		if i >= len(row) {
			break
		}
		if f.Metadata != nil {
			continue
		}
		v := row[i]
		if v == nil {
			continue
		}
		if encoded, ok := c.encodeValue(v, f.Type); ok {
			doc[f.Name] = encoded
		}
	}
	return doc
}

// encodeValue renders a row value into its document representation.
func (c *Converter) encodeValue(v interface{}, t schema.FieldType) (interface{}, bool) {
	if v == nil {
		return nil, false
	}

	switch t.Kind {
	case schema.KindDocument:
		nested, ok := v.(Row)
		if !ok {
			if raw, rok := v.([]interface{}); rok {
				nested = Row(raw)
			} else {
				return nil, false
			}
		}
		return c.ToDocument(nested, &schema.Schema{Fields: t.Fields}), true

	case schema.KindArray:
		arr, ok := asArray(v)
		if !ok {
			return nil, false
		}
		elem := schema.Primitive(schema.KindAny)
		if t.Elem != nil {
			elem = *t.Elem
		}
		out := make(bson.A, 0, len(arr))
		for _, item := range arr {
			if encoded, eok := c.encodeValue(item, elem); eok {
				out = append(out, encoded)
			} else {
				out = append(out, nil)
			}
		}
		return out, true

	default:
		return v, true
	}
}

func lookup(doc bson.D, name string) (interface{}, bool) {
	for _, elem := range doc {
		if elem.Key == name {
			return elem.Value, true
		}
	}
	return nil, false
}

func asArray(v interface{}) ([]interface{}, bool) {
	switch arr := v.(type) {
	case bson.A:
		return arr, true
	case []interface{}:
		return arr, true
	case Row:
		return arr, true
	default:
		return nil, false
	}
}

func asDocument(v interface{}) (bson.D, bool) {
	switch doc := v.(type) {
	case bson.D:
		return doc, true
	case bson.M:
		return mapToD(doc), true
	case map[string]interface{}:
		return mapToD(doc), true
	default:
		return nil, false
	}
}

// mapToD flattens an unordered map into a bson.D with sorted keys so
// conversion stays deterministic.
func mapToD(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		doc = append(doc, bson.E{Key: k, Value: m[k]})
	}
	return doc
}
