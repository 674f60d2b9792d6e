package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/errors"
)

// docStream replays an in-memory document slice through the SampleStream
// interface.
type docStream struct {
	docs []bson.D
	pos  int
	err  error
}

func (s *docStream) Next(_ context.Context) bool {
	if s.pos >= len(s.docs) {
		return false
	}
	s.pos++
	return true
}

func (s *docStream) Decode(val interface{}) error {
	*(val.(*bson.D)) = s.docs[s.pos-1]
	return nil
}

func (s *docStream) Err() error { return s.err }

func TestInferValueType(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want FieldType
	}{
		{"nil", nil, Primitive(KindNull)},
		{"null", primitive.Null{}, Primitive(KindNull)},
		{"bool", true, Primitive(KindBool)},
		{"int32", int32(7), Primitive(KindInt32)},
		{"int64", int64(7), Primitive(KindInt64)},
		{"double", 3.5, Primitive(KindDouble)},
		{"decimal", primitive.NewDecimal128(0, 42), Primitive(KindDecimal)},
		{"string", "hi", Primitive(KindString)},
		{"binary", primitive.Binary{Data: []byte{1}}, Primitive(KindBytes)},
		{"objectid", primitive.NewObjectID(), Primitive(KindObjectID)},
		{"datetime", primitive.NewDateTimeFromTime(time.Now()), Primitive(KindTimestamp)},
		{"time", time.Now(), Primitive(KindTimestamp)},
		{"empty array", bson.A{}, ArrayOf(Primitive(KindUnknown))},
		{"int array", bson.A{int32(1), int32(2)}, ArrayOf(Primitive(KindInt32))},
		{"mixed numeric array", bson.A{int32(1), 2.5}, ArrayOf(Primitive(KindDouble))},
		{"conflicting array", bson.A{int32(1), "x"}, ArrayOf(Primitive(KindAny))},
		{"document", bson.D{{Key: "a", Value: "x"}}, DocumentOf(Field{Name: "a", Type: Primitive(KindString)})},
		{"regex falls back to any", primitive.Regex{Pattern: "^a"}, Primitive(KindAny)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(InferValueType(tc.in)), "got %s", InferValueType(tc.in))
		})
	}
}

func TestMergeTypes(t *testing.T) {
	t.Run("numeric widening", func(t *testing.T) {
		assert.Equal(t, KindInt64, MergeTypes(Primitive(KindInt32), Primitive(KindInt64)).Kind)
		assert.Equal(t, KindDouble, MergeTypes(Primitive(KindInt64), Primitive(KindDouble)).Kind)
		assert.Equal(t, KindDecimal, MergeTypes(Primitive(KindDouble), Primitive(KindDecimal)).Kind)
	})

	t.Run("null and unknown defer", func(t *testing.T) {
		assert.Equal(t, KindString, MergeTypes(Primitive(KindNull), Primitive(KindString)).Kind)
		assert.Equal(t, KindString, MergeTypes(Primitive(KindString), Primitive(KindUnknown)).Kind)
	})

	t.Run("conflicts fall back to any", func(t *testing.T) {
		assert.Equal(t, KindAny, MergeTypes(Primitive(KindString), Primitive(KindBool)).Kind)
	})

	t.Run("arrays merge element types", func(t *testing.T) {
		merged := MergeTypes(ArrayOf(Primitive(KindInt32)), ArrayOf(Primitive(KindDouble)))
		require.Equal(t, KindArray, merged.Kind)
		assert.Equal(t, KindDouble, merged.Elem.Kind)
	})

	t.Run("documents merge field-wise", func(t *testing.T) {
		a := DocumentOf(Field{Name: "x", Type: Primitive(KindInt32)})
		b := DocumentOf(
			Field{Name: "x", Type: Primitive(KindInt64)},
			Field{Name: "y", Type: Primitive(KindString)},
		)
		merged := MergeTypes(a, b)
		require.Equal(t, KindDocument, merged.Kind)
		require.Len(t, merged.Fields, 2)
		assert.Equal(t, KindInt64, merged.Fields[0].Type.Kind)
		assert.True(t, merged.Fields[1].Nullable, "field missing from one side becomes nullable")
	})

	t.Run("commutative", func(t *testing.T) {
		pairs := [][2]FieldType{
			{Primitive(KindInt32), Primitive(KindDouble)},
			{ArrayOf(Primitive(KindInt32)), ArrayOf(Primitive(KindUnknown))},
			{Primitive(KindString), Primitive(KindBool)},
		}
		for _, p := range pairs {
			assert.True(t, MergeTypes(p[0], p[1]).Equal(MergeTypes(p[1], p[0])))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		types := []FieldType{
			Primitive(KindInt64),
			ArrayOf(Primitive(KindString)),
			DocumentOf(Field{Name: "a", Type: Primitive(KindBool)}),
		}
		for _, ft := range types {
			assert.True(t, ft.Equal(MergeTypes(ft, ft)))
		}
	})
}

func TestInferDocuments(t *testing.T) {
	inf := NewInferencer(zap.NewNop())

	t.Run("merges across documents", func(t *testing.T) {
		docs := []bson.D{
			{{Key: "a", Value: int32(1)}, {Key: "b", Value: "x"}},
			{{Key: "a", Value: int32(2)}, {Key: "b", Value: "y"}, {Key: "c", Value: bson.A{int32(10), int32(20)}}},
		}
		s, err := inf.InferDocuments(docs)
		require.NoError(t, err)

		require.Equal(t, []string{"a", "b", "c"}, s.Names())

		a, _ := s.Lookup("a")
		assert.Equal(t, KindInt32, a.Type.Kind)
		assert.False(t, a.Nullable)

		b, _ := s.Lookup("b")
		assert.Equal(t, KindString, b.Type.Kind)

		c, _ := s.Lookup("c")
		require.Equal(t, KindArray, c.Type.Kind)
		assert.Equal(t, KindInt32, c.Type.Elem.Kind)
		assert.True(t, c.Nullable, "field absent from first document is nullable")
	})

	t.Run("merge order does not change the result", func(t *testing.T) {
		docs := []bson.D{
			{{Key: "n", Value: int32(1)}},
			{{Key: "n", Value: 2.5}},
			{{Key: "n", Value: int64(3)}},
		}
		forward, err := inf.InferDocuments(docs)
		require.NoError(t, err)

		reversed := []bson.D{docs[2], docs[1], docs[0]}
		backward, err := inf.InferDocuments(reversed)
		require.NoError(t, err)

		assert.True(t, forward.Equal(backward))
		n, _ := forward.Lookup("n")
		assert.Equal(t, KindDouble, n.Type.Kind)
	})

	t.Run("null observation makes field nullable", func(t *testing.T) {
		docs := []bson.D{
			{{Key: "v", Value: primitive.Null{}}},
			{{Key: "v", Value: "text"}},
		}
		s, err := inf.InferDocuments(docs)
		require.NoError(t, err)
		v, _ := s.Lookup("v")
		assert.Equal(t, KindString, v.Type.Kind)
		assert.True(t, v.Nullable)
	})

	t.Run("empty sample fails", func(t *testing.T) {
		_, err := inf.InferDocuments(nil)
		require.Error(t, err)
		var typed *errors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, errors.ErrorTypeSchemaInference, typed.Type)
	})
}

func TestInferStream(t *testing.T) {
	inf := NewInferencer(zap.NewNop())

	t.Run("full ratio samples every document", func(t *testing.T) {
		stream := &docStream{docs: []bson.D{
			{{Key: "a", Value: int32(1)}},
			{{Key: "b", Value: "x"}},
		}}
		s, err := inf.Infer(context.Background(), stream, 1.0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, s.Names())
	})

	t.Run("stride sampling is deterministic", func(t *testing.T) {
		docs := []bson.D{
			{{Key: "a", Value: int32(1)}},
			{{Key: "b", Value: "skipped"}},
			{{Key: "c", Value: true}},
			{{Key: "d", Value: "skipped"}},
		}
		// ratio 0.5 selects documents 0 and 2
		s, err := inf.Infer(context.Background(), &docStream{docs: docs}, 0.5)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, s.Names())

		again, err := inf.Infer(context.Background(), &docStream{docs: docs}, 0.5)
		require.NoError(t, err)
		assert.True(t, s.Equal(again))
	})

	t.Run("empty stream fails with inference error", func(t *testing.T) {
		_, err := inf.Infer(context.Background(), &docStream{}, 1.0)
		var typed *errors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, errors.ErrorTypeSchemaInference, typed.Type)
	})

	t.Run("invalid ratio fails validation", func(t *testing.T) {
		_, err := inf.Infer(context.Background(), &docStream{}, 1.5)
		var typed *errors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, errors.ErrorTypeValidation, typed.Type)
	})
}
