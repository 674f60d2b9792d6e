package filter

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datatide/mongoscan/pkg/schema"
)

// Column names a required column, optionally refined to a single array
// element. Index == nil requests the whole field.
type Column struct {
	Name  string
	Index *int
}

// Col builds a plain column reference.
func Col(name string) Column {
	return Column{Name: name}
}

// ColAt builds an array-element column reference.
func ColAt(name string, index int) Column {
	return Column{Name: name, Index: &index}
}

// Prune reduces a schema to the requested columns and builds the matching
// native projection document.
//
// A plain name keeps the field verbatim. A (name, index) pair against an
// array field synthesizes a "name[index]" pseudo-field typed as the array's
// element type, forced nullable, with metadata recording the origin field
// and index. Names absent from the schema, and index requests against
// non-array fields, are silently omitted: projection is best-effort.
//
// Pruning with every field name reproduces the schema exactly.
func Prune(s *schema.Schema, columns []Column) (*schema.Schema, bson.D) {
	fields := make([]schema.Field, 0, len(columns))
	projection := bson.D{}
	projected := make(map[string]bool, len(columns))
	// Repeated columns collapse to their first occurrence so the pruned
	// schema keeps names unique per nesting level.
	seen := make(map[string]bool, len(columns))
	keepID := false

	addProjection := func(name string) {
		if !projected[name] {
			projection = append(projection, bson.E{Key: name, Value: 1})
			projected[name] = true
		}
		if name == "_id" {
			keepID = true
		}
	}

	for _, col := range columns {
		f, ok := s.Lookup(col.Name)
		if !ok {
			continue
		}

		if col.Index == nil {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			fields = append(fields, f)
			addProjection(f.Name)
			continue
		}

		if f.Type.Kind != schema.KindArray {
			continue
		}
		name := fmt.Sprintf("%s[%d]", f.Name, *col.Index)
		if seen[name] {
			continue
		}
		seen[name] = true
		elem := schema.Primitive(schema.KindUnknown)
		if f.Type.Elem != nil {
			elem = *f.Type.Elem
		}
		fields = append(fields, schema.Field{
			Name:     name,
			Type:     elem,
			Nullable: true,
			Metadata: &schema.FieldMetadata{
				ArrayIndex: *col.Index,
				Origin:     f.Name,
			},
		})
		addProjection(f.Name)
	}

	// The store returns _id unless told otherwise; suppress it when the
	// pruned schema does not carry it.
	if !keepID {
		projection = append(projection, bson.E{Key: "_id", Value: 0})
	}

	return &schema.Schema{Fields: fields}, projection
}
