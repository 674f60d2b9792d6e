package convert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/filter"
	"github.com/datatide/mongoscan/pkg/metrics"
	"github.com/datatide/mongoscan/pkg/schema"
)

func newTestConverter() *Converter {
	return NewConverter(zap.NewNop(), metrics.ForNamespace("test.convert"))
}

func TestToRowBasics(t *testing.T) {
	conv := newTestConverter()
	s := schema.MustNew(
		schema.Field{Name: "name", Type: schema.Primitive(schema.KindString)},
		schema.Field{Name: "age", Type: schema.Primitive(schema.KindInt64)},
		schema.Field{Name: "score", Type: schema.Primitive(schema.KindDouble), Nullable: true},
	)

	t.Run("values land in schema order", func(t *testing.T) {
		doc := bson.D{
			{Key: "age", Value: int32(30)},
			{Key: "name", Value: "ada"},
			{Key: "score", Value: 9.5},
		}
		row := conv.ToRow(doc, s)
		assert.Equal(t, Row{"ada", int64(30), 9.5}, row)
	})

	t.Run("absent and null fields become nil", func(t *testing.T) {
		doc := bson.D{
			{Key: "name", Value: "bob"},
			{Key: "score", Value: primitive.Null{}},
		}
		row := conv.ToRow(doc, s)
		assert.Equal(t, Row{"bob", nil, nil}, row)
	})

	t.Run("uncoercible value becomes nil without failing the row", func(t *testing.T) {
		doc := bson.D{
			{Key: "name", Value: "eve"},
			{Key: "age", Value: "not a number"},
		}
		row := conv.ToRow(doc, s)
		assert.Equal(t, Row{"eve", nil, nil}, row)
	})
}

func TestToRowNested(t *testing.T) {
	conv := newTestConverter()
	s := schema.MustNew(
		schema.Field{Name: "address", Type: schema.DocumentOf(
			schema.Field{Name: "city", Type: schema.Primitive(schema.KindString)},
			schema.Field{Name: "zip", Type: schema.Primitive(schema.KindString), Nullable: true},
		)},
		schema.Field{Name: "scores", Type: schema.ArrayOf(schema.Primitive(schema.KindDouble))},
	)

	doc := bson.D{
		{Key: "address", Value: bson.D{{Key: "city", Value: "Lyon"}}},
		{Key: "scores", Value: bson.A{int32(1), 2.5}},
	}
	row := conv.ToRow(doc, s)

	require.Len(t, row, 2)
	assert.Equal(t, Row{"Lyon", nil}, row[0])
	assert.Equal(t, []interface{}{1.0, 2.5}, row[1])
}

func TestToRowArrayElement(t *testing.T) {
	conv := newTestConverter()
	s := schema.MustNew(
		schema.Field{Name: "user", Type: schema.Primitive(schema.KindString)},
		schema.Field{Name: "tags", Type: schema.ArrayOf(schema.Primitive(schema.KindString))},
	)
	pruned, _ := filter.Prune(s, []filter.Column{filter.Col("user"), filter.ColAt("tags", 1)})

	t.Run("element present", func(t *testing.T) {
		doc := bson.D{
			{Key: "user", Value: "ada"},
			{Key: "tags", Value: bson.A{"red", "urgent"}},
		}
		assert.Equal(t, Row{"ada", "urgent"}, conv.ToRow(doc, pruned))
	})

	t.Run("index out of range is null, not an error", func(t *testing.T) {
		doc := bson.D{
			{Key: "user", Value: "bob"},
			{Key: "tags", Value: bson.A{"solo"}},
		}
		assert.Equal(t, Row{"bob", nil}, conv.ToRow(doc, pruned))
	})

	t.Run("origin array absent is null", func(t *testing.T) {
		doc := bson.D{{Key: "user", Value: "eve"}}
		assert.Equal(t, Row{"eve", nil}, conv.ToRow(doc, pruned))
	})
}

func TestToRowTimestampNormalization(t *testing.T) {
	conv := newTestConverter()
	s := schema.MustNew(schema.Field{Name: "at", Type: schema.Primitive(schema.KindTimestamp)})

	loc := time.FixedZone("CET", 3600)
	local := time.Date(2024, 6, 1, 13, 0, 0, 0, loc)
	row := conv.ToRow(bson.D{{Key: "at", Value: local}}, s)

	ts, ok := row[0].(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UTC, ts.Location())
	assert.True(t, ts.Equal(local))
}

func TestDocumentRoundTrip(t *testing.T) {
	conv := newTestConverter()
	s := schema.MustNew(
		schema.Field{Name: "name", Type: schema.Primitive(schema.KindString)},
		schema.Field{Name: "count", Type: schema.Primitive(schema.KindInt64)},
		schema.Field{Name: "note", Type: schema.Primitive(schema.KindString), Nullable: true},
	)

	original := bson.D{
		{Key: "name", Value: "widget"},
		{Key: "count", Value: int64(3)},
	}

	row := conv.ToRow(original, s)
	doc := conv.ToDocument(row, s)

	assert.Equal(t, "widget", doc["name"])
	assert.Equal(t, int64(3), doc["count"])

	// Null row fields are omitted rather than written as explicit nulls.
	_, present := doc["note"]
	assert.False(t, present)

	// The round trip is stable modulo null-versus-absent.
	again := conv.ToRow(mapAsD(t, doc), s)
	assert.Equal(t, row, again)
}

func TestToDocumentSkipsPseudoFields(t *testing.T) {
	conv := newTestConverter()
	s := schema.MustNew(
		schema.Field{Name: "user", Type: schema.Primitive(schema.KindString)},
		schema.Field{Name: "tags", Type: schema.ArrayOf(schema.Primitive(schema.KindString))},
	)
	pruned, _ := filter.Prune(s, []filter.Column{filter.Col("user"), filter.ColAt("tags", 0)})

	doc := conv.ToDocument(Row{"ada", "red"}, pruned)
	assert.Equal(t, bson.M{"user": "ada"}, doc)
}

// TestSampleToRows walks the full read path: infer a schema from documents,
// prune it to requested columns and convert each document.
func TestSampleToRows(t *testing.T) {
	conv := newTestConverter()

	docs := []bson.D{
		{{Key: "a", Value: int32(1)}, {Key: "b", Value: "x"}},
		{{Key: "a", Value: int32(2)}, {Key: "b", Value: "y"}, {Key: "c", Value: bson.A{int32(10), int32(20)}}},
	}

	inferred, err := schema.NewInferencer(zap.NewNop()).InferDocuments(docs)
	require.NoError(t, err)

	a, _ := inferred.Lookup("a")
	assert.Equal(t, schema.KindInt32, a.Type.Kind)
	c, _ := inferred.Lookup("c")
	require.Equal(t, schema.KindArray, c.Type.Kind)
	assert.True(t, c.Nullable)

	pruned, _ := filter.Prune(inferred, []filter.Column{filter.Col("a"), filter.ColAt("c", 0)})

	rows := make([]Row, len(docs))
	for i, doc := range docs {
		rows[i] = conv.ToRow(doc, pruned)
	}
	assert.Equal(t, Row{int32(1), nil}, rows[0])
	assert.Equal(t, Row{int32(2), int32(10)}, rows[1])
}

func mapAsD(t *testing.T, m bson.M) bson.D {
	t.Helper()
	doc := make(bson.D, 0, len(m))
	for k, v := range m {
		doc = append(doc, bson.E{Key: k, Value: v})
	}
	return doc
}
