package schema

import (
	"context"
	"math"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/errors"
)

// SampleStream is the subset of a store cursor consumed during inference.
// *mongo.Cursor satisfies it; closing the stream stays with the caller.
type SampleStream interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
}

// Inferencer derives a unified typed schema from a sampled document stream.
// It only reads the sample; the source collection is never mutated.
type Inferencer struct {
	logger *zap.Logger
}

// NewInferencer creates an Inferencer.
func NewInferencer(logger *zap.Logger) *Inferencer {
	return &Inferencer{
		logger: logger.With(zap.String("component", "inferencer")),
	}
}

// Infer consumes the sample stream and merges every document into a running
// schema. samplingRatio must be in (0, 1]; zero selects the default of 1.0.
// The ratio is applied as a deterministic stride so repeated inference over
// the same stream yields the same schema.
//
// An empty sample fails with a schema_inference error: callers that know the
// collection may be empty must supply a schema instead.
func (i *Inferencer) Infer(ctx context.Context, stream SampleStream, samplingRatio float64) (*Schema, error) {
	if samplingRatio < 0 || samplingRatio > 1 {
		return nil, errors.New(errors.ErrorTypeValidation, "sampling ratio must be in (0, 1]").
			WithDetail("sampling_ratio", samplingRatio)
	}
	if samplingRatio == 0 {
		samplingRatio = 1.0
	}
	stride := int(math.Round(1 / samplingRatio))
	if stride < 1 {
		stride = 1
	}

	merger := NewMerger()
	seen := 0
	sampled := 0
	for stream.Next(ctx) {
		if seen%stride != 0 {
			seen++
			continue
		}
		seen++

		var doc bson.D
		if err := stream.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSchemaInference, "failed to decode sampled document")
		}
		merger.Add(doc)
		sampled++
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaInference, "sample stream failed")
	}
	if sampled == 0 {
		return nil, errors.New(errors.ErrorTypeSchemaInference, "sample stream is empty and no schema was supplied")
	}

	s := merger.Schema()
	i.logger.Debug("inferred schema from sample",
		zap.Int("documents_sampled", sampled),
		zap.Int("fields", len(s.Fields)))
	return s, nil
}

// InferDocuments infers a schema from an in-memory document slice.
func (i *Inferencer) InferDocuments(docs []bson.D) (*Schema, error) {
	if len(docs) == 0 {
		return nil, errors.New(errors.ErrorTypeSchemaInference, "sample stream is empty and no schema was supplied")
	}
	merger := NewMerger()
	for _, d := range docs {
		merger.Add(d)
	}
	return merger.Schema(), nil
}

// Merger accumulates documents into a running merged schema. The merge is
// commutative and idempotent for non-conflicting fields.
type Merger struct {
	fields []Field
	count  int
}

// NewMerger creates an empty Merger.
func NewMerger() *Merger {
	return &Merger{}
}

// Add merges one document into the running schema.
func (m *Merger) Add(doc bson.D) {
	incoming := inferDocFields(doc)
	if m.count == 0 {
		m.fields = incoming
	} else {
		m.fields = mergeFieldLists(m.fields, incoming)
	}
	m.count++
}

// Schema returns the merged schema snapshot. Fields appear in first-seen
// order.
func (m *Merger) Schema() *Schema {
	fields := make([]Field, len(m.fields))
	copy(fields, m.fields)
	return &Schema{Fields: fields}
}

// inferDocFields infers a field list from a single document, preserving the
// document's own field order.
func inferDocFields(doc bson.D) []Field {
	fields := make([]Field, 0, len(doc))
	for _, elem := range doc {
		t := InferValueType(elem.Value)
		fields = append(fields, Field{
			Name:     elem.Key,
			Type:     t,
			Nullable: t.Kind == KindNull,
		})
	}
	return fields
}

// InferValueType maps a single decoded BSON value to its FieldType.
func InferValueType(v interface{}) FieldType {
	switch val := v.(type) {
	case nil, primitive.Null:
		return Primitive(KindNull)
	case bool:
		return Primitive(KindBool)
	case int32:
		return Primitive(KindInt32)
	case int64:
		return Primitive(KindInt64)
	case int:
		return Primitive(KindInt64)
	case float32, float64:
		return Primitive(KindDouble)
	case primitive.Decimal128:
		return Primitive(KindDecimal)
	case string:
		return Primitive(KindString)
	case []byte, primitive.Binary:
		return Primitive(KindBytes)
	case primitive.ObjectID:
		return Primitive(KindObjectID)
	case time.Time, primitive.DateTime, primitive.Timestamp:
		return Primitive(KindTimestamp)
	case bson.D:
		return DocumentOf(inferDocFields(val)...)
	case bson.M:
		return DocumentOf(inferMapFields(val)...)
	case map[string]interface{}:
		return DocumentOf(inferMapFields(val)...)
	case bson.A:
		return inferArrayType(val)
	case []interface{}:
		return inferArrayType(val)
	default:
		return Primitive(KindAny)
	}
}

// inferMapFields infers fields from an unordered map representation. Keys
// are sorted so inference stays deterministic.
func inferMapFields(doc map[string]interface{}) []Field {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		t := InferValueType(doc[k])
		fields = append(fields, Field{
			Name:     k,
			Type:     t,
			Nullable: t.Kind == KindNull,
		})
	}
	return fields
}

// inferArrayType unions the element types observed in an array. An empty
// array yields the unknown element placeholder.
func inferArrayType(arr []interface{}) FieldType {
	elem := Primitive(KindUnknown)
	for _, v := range arr {
		elem = MergeTypes(elem, InferValueType(v))
	}
	return ArrayOf(elem)
}

// MergeTypes computes the widest common type of two observed field types.
// Incompatible kinds fall back to KindAny.
func MergeTypes(a, b FieldType) FieldType {
	// The unknown placeholder and null defer to any observed type.
	if a.Kind == KindUnknown || a.Kind == KindNull {
		return b
	}
	if b.Kind == KindUnknown || b.Kind == KindNull {
		return a
	}

	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		if numericRank(a.Kind) >= numericRank(b.Kind) {
			return a
		}
		return b
	}

	if a.Kind == KindArray && b.Kind == KindArray {
		merged := MergeTypes(elemOrUnknown(a), elemOrUnknown(b))
		return ArrayOf(merged)
	}

	if a.Kind == KindDocument && b.Kind == KindDocument {
		return DocumentOf(mergeFieldLists(a.Fields, b.Fields)...)
	}

	if a.Equal(b) {
		return a
	}
	return Primitive(KindAny)
}

func elemOrUnknown(t FieldType) FieldType {
	if t.Elem == nil {
		return Primitive(KindUnknown)
	}
	return *t.Elem
}

func isNumeric(k Kind) bool {
	switch k {
	case KindInt32, KindInt64, KindDouble, KindDecimal:
		return true
	default:
		return false
	}
}

func numericRank(k Kind) int {
	switch k {
	case KindInt32:
		return 1
	case KindInt64:
		return 2
	case KindDouble:
		return 3
	case KindDecimal:
		return 4
	default:
		return 0
	}
}

// mergeFieldLists unions two field lists. Fields keep the left list's order;
// new fields append in the right list's order. A field missing from either
// side, or observed as null, becomes nullable.
func mergeFieldLists(a, b []Field) []Field {
	indexB := make(map[string]int, len(b))
	for i, f := range b {
		indexB[f.Name] = i
	}

	merged := make([]Field, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a))
	for _, fa := range a {
		seen[fa.Name] = true
		bi, ok := indexB[fa.Name]
		if !ok {
			fa.Nullable = true
			merged = append(merged, fa)
			continue
		}
		fb := b[bi]
		merged = append(merged, Field{
			Name:     fa.Name,
			Type:     MergeTypes(fa.Type, fb.Type),
			Nullable: fa.Nullable || fb.Nullable || fa.Type.Kind == KindNull || fb.Type.Kind == KindNull,
		})
	}
	for _, fb := range b {
		if !seen[fb.Name] {
			fb.Nullable = true
			merged = append(merged, fb)
		}
	}
	return merged
}
