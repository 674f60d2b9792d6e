package relation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/datatide/mongoscan/pkg/config"
	"github.com/datatide/mongoscan/pkg/connection"
	"github.com/datatide/mongoscan/pkg/errors"
	"github.com/datatide/mongoscan/pkg/schema"
)

type countingClient struct{}

func (countingClient) Ping(context.Context, *readpref.ReadPref) error { return nil }
func (countingClient) Disconnect(context.Context) error               { return nil }
func (countingClient) Database(string, ...*options.DatabaseOptions) *mongo.Database {
	return nil
}

// countingDialer records how often a physical connection was established.
type countingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *countingDialer) dial(context.Context, connection.Spec) (connection.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return countingClient{}, nil
}

func orderSchema() *schema.Schema {
	return schema.MustNew(
		schema.Field{Name: "user", Type: schema.Primitive(schema.KindString)},
		schema.Field{Name: "total", Type: schema.Primitive(schema.KindInt64)},
	)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.NewConnectorConfig("shop", "")
	_, err := New(cfg)
	require.Error(t, err)

	var typed *errors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, errors.ErrorTypeConfig, typed.Type)
}

func TestSchemaSuppliedSkipsInference(t *testing.T) {
	dialer := &countingDialer{}
	rel, err := New(config.NewConnectorConfig("shop", "orders"),
		WithDialer(dialer.dial),
		WithSchema(orderSchema()))
	require.NoError(t, err)
	defer rel.Close(context.Background())

	s, err := rel.Schema(context.Background())
	require.NoError(t, err)
	assert.True(t, orderSchema().Equal(s))
	assert.Equal(t, 0, dialer.dials, "a supplied schema never touches the store")

	// Memoized: the same schema comes back every time.
	again, err := rel.Schema(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, again)
}

func TestFingerprint(t *testing.T) {
	ctx := context.Background()
	newRel := func(collection string) *Relation {
		dialer := &countingDialer{}
		rel, err := New(config.NewConnectorConfig("shop", collection),
			WithDialer(dialer.dial),
			WithSchema(orderSchema()))
		require.NoError(t, err)
		return rel
	}

	a := newRel("orders")
	b := newRel("orders")
	c := newRel("invoices")
	defer a.Close(ctx)
	defer b.Close(ctx)
	defer c.Close(ctx)

	fa, err := a.Fingerprint(ctx)
	require.NoError(t, err)
	fb, err := b.Fingerprint(ctx)
	require.NoError(t, err)
	fc, err := c.Fingerprint(ctx)
	require.NoError(t, err)

	assert.Equal(t, fa, fb, "same config and schema hash identically")
	assert.NotEqual(t, fa, fc, "different namespace hashes differently")

	equal, err := a.Equal(ctx, b)
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = a.Equal(ctx, c)
	require.NoError(t, err)
	assert.False(t, equal)

	equal, err = a.Equal(ctx, nil)
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestFingerprintReflectsSchema(t *testing.T) {
	ctx := context.Background()
	other := schema.MustNew(
		schema.Field{Name: "user", Type: schema.Primitive(schema.KindString)},
	)

	a, err := New(config.NewConnectorConfig("shop", "orders"), WithSchema(orderSchema()))
	require.NoError(t, err)
	b, err := New(config.NewConnectorConfig("shop", "orders"), WithSchema(other))
	require.NoError(t, err)
	defer a.Close(ctx)
	defer b.Close(ctx)

	fa, err := a.Fingerprint(ctx)
	require.NoError(t, err)
	fb, err := b.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestRelationImplementsCapabilities(t *testing.T) {
	rel, err := New(config.NewConnectorConfig("shop", "orders"), WithSchema(orderSchema()))
	require.NoError(t, err)
	defer rel.Close(context.Background())

	assert.Implements(t, (*SchemaProvider)(nil), rel)
	assert.Implements(t, (*Scannable)(nil), rel)
	assert.Implements(t, (*Writable)(nil), rel)
}
