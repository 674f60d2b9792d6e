// Package relation ties the core together: a Relation represents one
// collection exposed as a typed, scannable table. It owns schema resolution
// (supplied or inferred, memoized either way), scan planning with
// projection and predicate pushdown, and batched writes.
package relation

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/config"
	"github.com/datatide/mongoscan/pkg/connection"
	"github.com/datatide/mongoscan/pkg/convert"
	"github.com/datatide/mongoscan/pkg/errors"
	"github.com/datatide/mongoscan/pkg/filter"
	jsonpool "github.com/datatide/mongoscan/pkg/json"
	"github.com/datatide/mongoscan/pkg/metrics"
	"github.com/datatide/mongoscan/pkg/partition"
	"github.com/datatide/mongoscan/pkg/scan"
	"github.com/datatide/mongoscan/pkg/schema"
)

// SchemaProvider resolves the typed schema of a relation.
type SchemaProvider interface {
	Schema(ctx context.Context) (*schema.Schema, error)
}

// Scannable plans partitioned scans with pushdown.
type Scannable interface {
	BuildScan(ctx context.Context, columns []filter.Column, filters []filter.Expr) (*Scan, error)
}

// Writable writes typed rows back to the store.
type Writable interface {
	Insert(ctx context.Context, rows []convert.Row, overwrite bool) error
}

// Scan is a fully planned scan: the partitions to read and the query each
// partition executes. Partitions are independent and may be read
// concurrently, each through its own Rows call.
type Scan struct {
	Partitions []partition.Descriptor
	Query      scan.Query

	executor *scan.Executor
}

// Rows opens the row stream for one partition of the plan.
func (s *Scan) Rows(ctx context.Context, part partition.Descriptor) (*scan.RowStream, error) {
	return s.executor.Scan(ctx, part, s.Query)
}

// Relation exposes one collection as a typed table. Safe for concurrent
// use; the resolved schema is computed once and shared.
type Relation struct {
	cfg         *config.ConnectorConfig
	manager     *connection.Manager
	executor    *scan.Executor
	converter   *convert.Converter
	partitioner *partition.Partitioner
	inferencer  *schema.Inferencer
	metrics     *metrics.Collector
	logger      *zap.Logger

	mu       sync.Mutex
	resolved *schema.Schema
}

// Option customizes relation construction.
type Option func(*settings)

type settings struct {
	dialer connection.Dialer
	schema *schema.Schema
	logger *zap.Logger
}

// WithDialer overrides how physical connections are established. Used by
// tests to substitute a fake deployment.
func WithDialer(d connection.Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

// WithSchema supplies a schema up front, skipping inference entirely.
func WithSchema(sc *schema.Schema) Option {
	return func(s *settings) { s.schema = sc }
}

// WithLogger sets the logger for the relation and all its components.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// New validates the configuration and builds a Relation. The configuration
// is treated as immutable from this point on.
func New(cfg *config.ConnectorConfig, opts ...Option) (*Relation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector configuration")
	}

	s := settings{
		dialer: connection.MongoDialer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	collector := metrics.ForNamespace(cfg.Connection.Namespace())
	manager := connection.NewManager(s.dialer, s.logger, collector)
	converter := convert.NewConverter(s.logger, collector)

	return &Relation{
		cfg:         cfg,
		manager:     manager,
		executor:    scan.NewExecutor(cfg, manager, converter, collector, s.logger),
		converter:   converter,
		partitioner: partition.NewPartitioner(s.logger, collector),
		inferencer:  schema.NewInferencer(s.logger),
		metrics:     collector,
		logger:      s.logger.With(zap.String("namespace", cfg.Connection.Namespace())),
		resolved:    s.schema,
	}, nil
}

// Schema returns the relation's schema. When none was supplied it is
// inferred from a sample of the collection on first call; every later call
// returns the same schema, so all scans of the relation agree on shape.
func (r *Relation) Schema(ctx context.Context) (*schema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != nil {
		return r.resolved, nil
	}

	stream, release, err := r.executor.SampleStream(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	inferred, err := r.inferencer.Infer(ctx, stream, r.cfg.Scan.SamplingRatio)
	if err != nil {
		return nil, err
	}

	r.logger.Info("schema inferred",
		zap.Int("fields", len(inferred.Fields)),
		zap.Float64("sampling_ratio", r.cfg.Scan.SamplingRatio))
	r.resolved = inferred
	return r.resolved, nil
}

// BuildScan plans a scan over the relation: prunes the schema to the
// requested columns, splits the predicates into pushed-down and residual
// parts, and lays out one partition per chunk of the collection (a single
// partition when the collection is unsharded).
func (r *Relation) BuildScan(ctx context.Context, columns []filter.Column, filters []filter.Expr) (*Scan, error) {
	full, err := r.Schema(ctx)
	if err != nil {
		return nil, err
	}

	// An empty column list selects every field.
	if len(columns) == 0 {
		for _, name := range full.Names() {
			columns = append(columns, filter.Col(name))
		}
	}
	pruned, projection := filter.Prune(full, columns)
	native, residual := filter.Translate(filters)

	parts, err := r.planPartitions(ctx)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("scan planned",
		zap.Int("partitions", len(parts)),
		zap.Int("projected_fields", len(pruned.Fields)),
		zap.Int("pushed_clauses", len(native)),
		zap.Int("residual_predicates", len(residual)))

	return &Scan{
		Partitions: parts,
		Query: scan.Query{
			Filter:     native,
			Residual:   residual,
			Projection: projection,
			Schema:     pruned,
		},
		executor: r.executor,
	}, nil
}

// planPartitions reads the sharding topology over a pooled connection.
func (r *Relation) planPartitions(ctx context.Context) ([]partition.Descriptor, error) {
	handle, err := r.manager.Acquire(ctx, connection.SpecFromConfig(r.cfg))
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	topo := partition.NewTopologyReader(handle.Client())
	return r.partitioner.Partitions(ctx, topo, r.cfg.Connection.Namespace())
}

// Insert writes rows to the collection in batches. With overwrite the
// collection is dropped first; otherwise rows are appended. Absent row
// values are omitted from the stored documents rather than written as
// nulls.
func (r *Relation) Insert(ctx context.Context, rows []convert.Row, overwrite bool) error {
	s, err := r.Schema(ctx)
	if err != nil {
		return err
	}

	handle, err := r.manager.Acquire(ctx, connection.SpecFromConfig(r.cfg))
	if err != nil {
		return err
	}
	defer handle.Release()

	coll := handle.Database(r.cfg.Connection.Database).Collection(r.cfg.Connection.Collection)
	if overwrite {
		if err := r.runBounded(ctx, coll.Drop); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop collection for overwrite")
		}
	}

	batchSize := int(r.cfg.Scan.BatchSize)
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}

		docs := make([]interface{}, 0, end-start)
		for _, row := range rows[start:end] {
			docs = append(docs, r.converter.ToDocument(row, s))
		}
		if len(docs) == 0 {
			continue
		}

		err := r.runBounded(ctx, func(opCtx context.Context) error {
			_, insertErr := coll.InsertMany(opCtx, docs)
			return insertErr
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "batch insert failed").
				WithDetail("batch_start", start)
		}
		r.metrics.RowsWritten.Add(float64(len(docs)))
	}

	r.logger.Info("rows inserted",
		zap.Int("rows", len(rows)),
		zap.Bool("overwrite", overwrite))
	return nil
}

// runBounded applies the configured request timeout to one server operation.
func (r *Relation) runBounded(ctx context.Context, op func(context.Context) error) error {
	if d := r.cfg.Scan.RequestTimeout; d > 0 {
		opCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return op(opCtx)
	}
	return op(ctx)
}

// Fingerprint returns a stable hash identifying the relation by its
// configuration and resolved schema. Two relations with equal fingerprints
// read the same data the same way.
func (r *Relation) Fingerprint(ctx context.Context) (uint64, error) {
	s, err := r.Schema(ctx)
	if err != nil {
		return 0, err
	}

	identity := struct {
		Config *config.ConnectorConfig `json:"config"`
		Schema string                  `json:"schema"`
	}{Config: r.cfg, Schema: s.String()}

	data, err := jsonpool.MarshalCanonical(identity)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to fingerprint relation")
	}

	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64(), nil
}

// Equal reports whether two relations identify the same data source with
// the same schema. Unresolved schemas are resolved as a side effect.
func (r *Relation) Equal(ctx context.Context, other *Relation) (bool, error) {
	if other == nil {
		return false, nil
	}
	a, err := r.Fingerprint(ctx)
	if err != nil {
		return false, err
	}
	b, err := other.Fingerprint(ctx)
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// Close releases all pooled connections held by the relation.
func (r *Relation) Close(ctx context.Context) error {
	return r.manager.Close(ctx)
}

var (
	_ SchemaProvider = (*Relation)(nil)
	_ Scannable      = (*Relation)(nil)
	_ Writable       = (*Relation)(nil)
)
