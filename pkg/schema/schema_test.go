package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Run("accepts unique names", func(t *testing.T) {
		s, err := New(
			Field{Name: "a", Type: Primitive(KindInt64)},
			Field{Name: "b", Type: Primitive(KindString)},
		)
		require.NoError(t, err)
		assert.Len(t, s.Fields, 2)
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		_, err := New(
			Field{Name: "a", Type: Primitive(KindInt64)},
			Field{Name: "a", Type: Primitive(KindString)},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("rejects duplicate nested names", func(t *testing.T) {
		_, err := New(
			Field{Name: "doc", Type: DocumentOf(
				Field{Name: "x", Type: Primitive(KindBool)},
				Field{Name: "x", Type: Primitive(KindBool)},
			)},
		)
		require.Error(t, err)
	})

	t.Run("rejects empty names", func(t *testing.T) {
		_, err := New(Field{Name: "", Type: Primitive(KindBool)})
		require.Error(t, err)
	})

	t.Run("allows same name at different levels", func(t *testing.T) {
		_, err := New(
			Field{Name: "a", Type: Primitive(KindInt64)},
			Field{Name: "doc", Type: DocumentOf(
				Field{Name: "a", Type: Primitive(KindString)},
			)},
		)
		require.NoError(t, err)
	})
}

func TestSchemaLookup(t *testing.T) {
	s := MustNew(
		Field{Name: "a", Type: Primitive(KindInt64)},
		Field{Name: "b", Type: Primitive(KindString), Nullable: true},
	)

	f, ok := s.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, KindString, f.Type.Kind)
	assert.True(t, f.Nullable)

	_, ok = s.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, s.Names())
}

func TestSchemaEqual(t *testing.T) {
	a := MustNew(
		Field{Name: "x", Type: ArrayOf(Primitive(KindInt32))},
		Field{Name: "y", Type: DocumentOf(Field{Name: "z", Type: Primitive(KindDouble)})},
	)
	b := MustNew(
		Field{Name: "x", Type: ArrayOf(Primitive(KindInt32))},
		Field{Name: "y", Type: DocumentOf(Field{Name: "z", Type: Primitive(KindDouble)})},
	)
	assert.True(t, a.Equal(b))

	// Field order matters.
	c := MustNew(
		Field{Name: "y", Type: DocumentOf(Field{Name: "z", Type: Primitive(KindDouble)})},
		Field{Name: "x", Type: ArrayOf(Primitive(KindInt32))},
	)
	assert.False(t, a.Equal(c))

	d := MustNew(Field{Name: "x", Type: ArrayOf(Primitive(KindInt64))})
	assert.False(t, a.Equal(d))
}

func TestFieldTypeString(t *testing.T) {
	assert.Equal(t, "int64", Primitive(KindInt64).String())
	assert.Equal(t, "array<string>", ArrayOf(Primitive(KindString)).String())
	assert.Equal(t, "document<a:bool>", DocumentOf(Field{Name: "a", Type: Primitive(KindBool)}).String())

	s := MustNew(
		Field{Name: "a", Type: Primitive(KindInt64)},
		Field{Name: "b", Type: Primitive(KindString), Nullable: true},
	)
	assert.Equal(t, "{a:int64, b:string?}", s.String())
}

func TestSchemaHash(t *testing.T) {
	a := MustNew(
		Field{Name: "a", Type: Primitive(KindInt64)},
		Field{Name: "b", Type: Primitive(KindString), Nullable: true},
	)
	b := MustNew(
		Field{Name: "a", Type: Primitive(KindInt64)},
		Field{Name: "b", Type: Primitive(KindString), Nullable: true},
	)
	assert.Equal(t, a.Hash(), b.Hash())

	c := MustNew(
		Field{Name: "a", Type: Primitive(KindInt64)},
		Field{Name: "b", Type: Primitive(KindString)},
	)
	assert.NotEqual(t, a.Hash(), c.Hash())
}
