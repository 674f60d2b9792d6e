// Package columnar bridges typed rows into Apache Arrow record batches for
// handoff to columnar engines.
//
// The mapping is schema-driven: documents become struct columns, arrays
// become list columns, and open-typed fields are carried as JSON strings so
// no value is dropped on the way out.
package columnar

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/convert"
	"github.com/datatide/mongoscan/pkg/errors"
	jsonpool "github.com/datatide/mongoscan/pkg/json"
	"github.com/datatide/mongoscan/pkg/schema"
)

// ArrowSchema maps a relation schema to an Arrow schema. All columns are
// nullable since coercion failures surface as nulls at scan time.
func ArrowSchema(s *schema.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		dt, err := arrowType(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{
			Name:     f.Name,
			Type:     dt,
			Nullable: true,
			Metadata: fieldMetadata(f),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// fieldMetadata carries the array-element provenance of pseudo-fields into
// the Arrow schema so downstream engines can trace a column back to its
// origin array.
func fieldMetadata(f schema.Field) arrow.Metadata {
	if f.Metadata == nil {
		return arrow.Metadata{}
	}
	return arrow.NewMetadata(
		[]string{"idx", "colname"},
		[]string{strconv.Itoa(f.Metadata.ArrayIndex), f.Metadata.Origin},
	)
}

func arrowType(t schema.FieldType) (arrow.DataType, error) {
	switch t.Kind {
	case schema.KindNull:
		return arrow.Null, nil
	case schema.KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case schema.KindInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case schema.KindInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case schema.KindDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case schema.KindDecimal:
		// Decimal128 values travel as strings to keep full precision.
		return arrow.BinaryTypes.String, nil
	case schema.KindString:
		return arrow.BinaryTypes.String, nil
	case schema.KindBytes:
		return arrow.BinaryTypes.Binary, nil
	case schema.KindObjectID:
		return arrow.BinaryTypes.String, nil
	case schema.KindTimestamp:
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	case schema.KindDocument:
		nested := make([]arrow.Field, len(t.Fields))
		for i, f := range t.Fields {
			dt, err := arrowType(f.Type)
			if err != nil {
				return nil, err
			}
			nested[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: true}
		}
		return arrow.StructOf(nested...), nil
	case schema.KindArray:
		elem := schema.Primitive(schema.KindUnknown)
		if t.Elem != nil {
			elem = *t.Elem
		}
		dt, err := arrowType(elem)
		if err != nil {
			return nil, err
		}
		return arrow.ListOf(dt), nil
	case schema.KindUnknown, schema.KindAny:
		// Open-typed values are serialized to JSON text.
		return arrow.BinaryTypes.String, nil
	default:
		return nil, errors.New(errors.ErrorTypeConversion,
			fmt.Sprintf("no columnar mapping for type %s", t.String()))
	}
}

// Builder accumulates rows into an Arrow record batch. Not safe for
// concurrent use; one builder per partition stream is the intended shape.
type Builder struct {
	schema *schema.Schema
	rb     *array.RecordBuilder
	logger *zap.Logger
}

// NewBuilder creates a Builder for the given relation schema. Callers must
// Release it when done.
func NewBuilder(s *schema.Schema, logger *zap.Logger) (*Builder, error) {
	as, err := ArrowSchema(s)
	if err != nil {
		return nil, err
	}
	return &Builder{
		schema: s,
		rb:     array.NewRecordBuilder(memory.DefaultAllocator, as),
		logger: logger.With(zap.String("component", "columnar_builder")),
	}, nil
}

// Append adds one row to the batch under construction. Values that do not
// match their declared type are appended as null, mirroring the scan-time
// coercion policy.
func (b *Builder) Append(row convert.Row) error {
	if len(row) != len(b.schema.Fields) {
		return errors.New(errors.ErrorTypeConversion,
			fmt.Sprintf("row has %d values, schema has %d fields", len(row), len(b.schema.Fields)))
	}
	for i, f := range b.schema.Fields {
		b.appendValue(b.rb.Field(i), f.Type, row[i])
	}
	return nil
}

// AppendRows adds a batch of rows.
func (b *Builder) AppendRows(rows []convert.Row) error {
	for _, row := range rows {
		if err := b.Append(row); err != nil {
			return err
		}
	}
	return nil
}

// NewRecord finalizes the accumulated rows into a record batch and resets
// the builder for reuse. The caller owns the record and must Release it.
func (b *Builder) NewRecord() arrow.Record {
	return b.rb.NewRecord()
}

// Release frees the builder's buffers.
func (b *Builder) Release() {
	b.rb.Release()
}

func (b *Builder) appendValue(bldr array.Builder, t schema.FieldType, v interface{}) {
	if v == nil {
		bldr.AppendNull()
		return
	}

	switch t.Kind {
	case schema.KindNull:
		bldr.AppendNull()

	case schema.KindBool:
		if val, ok := v.(bool); ok {
			bldr.(*array.BooleanBuilder).Append(val)
			return
		}
		bldr.AppendNull()

	case schema.KindInt32:
		if val, ok := v.(int32); ok {
			bldr.(*array.Int32Builder).Append(val)
			return
		}
		bldr.AppendNull()

	case schema.KindInt64:
		if val, ok := v.(int64); ok {
			bldr.(*array.Int64Builder).Append(val)
			return
		}
		bldr.AppendNull()

	case schema.KindDouble:
		if val, ok := v.(float64); ok {
			bldr.(*array.Float64Builder).Append(val)
			return
		}
		bldr.AppendNull()

	case schema.KindDecimal:
		if val, ok := v.(primitive.Decimal128); ok {
			bldr.(*array.StringBuilder).Append(val.String())
			return
		}
		bldr.AppendNull()

	case schema.KindString:
		if val, ok := v.(string); ok {
			bldr.(*array.StringBuilder).Append(val)
			return
		}
		bldr.AppendNull()

	case schema.KindBytes:
		if val, ok := v.([]byte); ok {
			bldr.(*array.BinaryBuilder).Append(val)
			return
		}
		bldr.AppendNull()

	case schema.KindObjectID:
		if val, ok := v.(primitive.ObjectID); ok {
			bldr.(*array.StringBuilder).Append(val.Hex())
			return
		}
		bldr.AppendNull()

	case schema.KindTimestamp:
		if val, ok := v.(time.Time); ok {
			bldr.(*array.TimestampBuilder).Append(arrow.Timestamp(val.UnixMilli()))
			return
		}
		bldr.AppendNull()

	case schema.KindDocument:
		nested, ok := v.(convert.Row)
		if !ok {
			if raw, rok := v.([]interface{}); rok {
				nested = convert.Row(raw)
				ok = true
			}
		}
		sb := bldr.(*array.StructBuilder)
		if !ok {
			sb.AppendNull()
			return
		}
		sb.Append(true)
		for j, f := range t.Fields {
			var child interface{}
			if j < len(nested) {
				child = nested[j]
			}
			b.appendValue(sb.FieldBuilder(j), f.Type, child)
		}

	case schema.KindArray:
		items, ok := v.([]interface{})
		lb := bldr.(*array.ListBuilder)
		if !ok {
			lb.AppendNull()
			return
		}
		elem := schema.Primitive(schema.KindUnknown)
		if t.Elem != nil {
			elem = *t.Elem
		}
		lb.Append(true)
		for _, item := range items {
			b.appendValue(lb.ValueBuilder(), elem, item)
		}

	case schema.KindUnknown, schema.KindAny:
		data, err := jsonpool.Marshal(v)
		if err != nil {
			bldr.(*array.StringBuilder).Append(fmt.Sprintf("%v", v))
			return
		}
		bldr.(*array.StringBuilder).Append(string(data))

	default:
		bldr.AppendNull()
	}
}
