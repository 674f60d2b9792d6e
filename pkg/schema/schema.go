// Package schema defines the typed tabular schema shared by the scan and
// write paths, and infers it from sampled document streams.
//
// A Schema is an ordered sequence of named Fields with unique names at each
// nesting level. Dynamic, schema-less document typing is modeled as a closed
// set of Kinds (primitive variants plus document and array) so that
// downstream conversion can switch exhaustively.
//
// Schemas are immutable once built and freely shared across concurrent
// partition workers.
package schema

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Kind identifies the semantic type of a field value.
type Kind string

const (
	// KindUnknown is the placeholder for types never observed, such as the
	// element type of an always-empty array. It merges with any other kind.
	KindUnknown Kind = "unknown"
	// KindNull marks fields only ever observed as null
	KindNull Kind = "null"
	// KindBool is a boolean
	KindBool Kind = "bool"
	// KindInt32 is a 32-bit integer
	KindInt32 Kind = "int32"
	// KindInt64 is a 64-bit integer
	KindInt64 Kind = "int64"
	// KindDouble is a 64-bit float
	KindDouble Kind = "double"
	// KindDecimal is a 128-bit decimal
	KindDecimal Kind = "decimal"
	// KindString is a UTF-8 string
	KindString Kind = "string"
	// KindBytes is a binary blob
	KindBytes Kind = "bytes"
	// KindObjectID is a store-native object identifier
	KindObjectID Kind = "objectid"
	// KindTimestamp is a point in time
	KindTimestamp Kind = "timestamp"
	// KindDocument is a nested record with its own fields
	KindDocument Kind = "document"
	// KindArray is an ordered sequence of one element type
	KindArray Kind = "array"
	// KindAny is the generic fallback for fields observed with incompatible
	// types; values pass through conversion verbatim
	KindAny Kind = "any"
)

// FieldType is the closed tagged union describing a field's type.
// Elem is set only for KindArray; Fields only for KindDocument.
type FieldType struct {
	Kind   Kind       `json:"kind"`
	Elem   *FieldType `json:"elem,omitempty"`
	Fields []Field    `json:"fields,omitempty"`
}

// Primitive returns a FieldType for a non-composite kind.
func Primitive(k Kind) FieldType {
	return FieldType{Kind: k}
}

// ArrayOf returns an array FieldType with the given element type.
func ArrayOf(elem FieldType) FieldType {
	return FieldType{Kind: KindArray, Elem: &elem}
}

// DocumentOf returns a nested document FieldType with the given fields.
func DocumentOf(fields ...Field) FieldType {
	return FieldType{Kind: KindDocument, Fields: fields}
}

// Equal reports deep equality of two field types.
func (t FieldType) Equal(other FieldType) bool {
	if t.Kind != other.Kind {
		return false
	}
	if (t.Elem == nil) != (other.Elem == nil) {
		return false
	}
	if t.Elem != nil && !t.Elem.Equal(*other.Elem) {
		return false
	}
	if len(t.Fields) != len(other.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].Equal(other.Fields[i]) {
			return false
		}
	}
	return true
}

// String renders the type in a compact human-readable form.
func (t FieldType) String() string {
	switch t.Kind {
	case KindArray:
		if t.Elem == nil {
			return "array<unknown>"
		}
		return fmt.Sprintf("array<%s>", t.Elem.String())
	case KindDocument:
		names := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			names[i] = fmt.Sprintf("%s:%s", f.Name, f.Type.String())
		}
		return fmt.Sprintf("document<%s>", strings.Join(names, ","))
	default:
		return string(t.Kind)
	}
}

// FieldMetadata carries the origin of synthesized array-element
// pseudo-fields produced by projection pruning.
type FieldMetadata struct {
	// ArrayIndex is the requested element index within the origin array
	ArrayIndex int `json:"idx"`
	// Origin is the name of the array field the element was pruned from
	Origin string `json:"colname"`
}

// Field is a named, typed member of a schema level.
type Field struct {
	Name     string         `json:"name"`
	Type     FieldType      `json:"type"`
	Nullable bool           `json:"nullable"`
	Metadata *FieldMetadata `json:"metadata,omitempty"`
}

// Equal reports deep equality of two fields.
func (f Field) Equal(other Field) bool {
	if f.Name != other.Name || f.Nullable != other.Nullable {
		return false
	}
	if (f.Metadata == nil) != (other.Metadata == nil) {
		return false
	}
	if f.Metadata != nil && *f.Metadata != *other.Metadata {
		return false
	}
	return f.Type.Equal(other.Type)
}

// Schema is an ordered sequence of fields. Names are unique per nesting
// level. Treat a Schema as read-only after construction.
type Schema struct {
	Fields []Field `json:"fields"`
}

// New builds a Schema from the given fields, validating name uniqueness
// recursively.
func New(fields ...Field) (*Schema, error) {
	if err := validateFields(fields, ""); err != nil {
		return nil, err
	}
	return &Schema{Fields: fields}, nil
}

// MustNew is New for statically known field lists; it panics on duplicates.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func validateFields(fields []Field, path string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("empty field name at %q", path)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field name %q at %q", f.Name, path)
		}
		seen[f.Name] = true

		if f.Type.Kind == KindDocument {
			if err := validateFields(f.Type.Fields, path+f.Name+"."); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the field with the given name at the top level.
func (s *Schema) Lookup(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns the top-level field names in schema order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Equal reports whether two schemas have identical field sets and order.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		if !s.Fields[i].Equal(other.Fields[i]) {
			return false
		}
	}
	return true
}

// Hash returns a stable hash of the schema signature. Equal schemas hash
// equal; the hash carries field order, types and nullability.
func (s *Schema) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.String()))
	return h.Sum64()
}

// String renders the schema as a struct-like signature.
func (s *Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		nullable := ""
		if f.Nullable {
			nullable = "?"
		}
		parts[i] = fmt.Sprintf("%s:%s%s", f.Name, f.Type.String(), nullable)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
