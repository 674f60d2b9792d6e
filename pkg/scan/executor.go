// Package scan executes per-partition scans: it opens a pooled connection,
// issues the pushed-down filter and projection against the partition's
// range, and streams documents through the converter one at a time.
//
// A scan produces a finite, lazy row stream and is not restartable; open a
// fresh scan to read the partition again. The consumer may stop at any
// point by cancelling its context, and the executor releases its connection
// promptly on every exit path.
package scan

import (
	"context"
	stderrors "errors"
	"net"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/config"
	"github.com/datatide/mongoscan/pkg/connection"
	"github.com/datatide/mongoscan/pkg/convert"
	"github.com/datatide/mongoscan/pkg/errors"
	"github.com/datatide/mongoscan/pkg/filter"
	"github.com/datatide/mongoscan/pkg/metrics"
	"github.com/datatide/mongoscan/pkg/partition"
	"github.com/datatide/mongoscan/pkg/schema"
)

// Cursor is the document-stream surface the executor drives. *mongo.Cursor
// satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Query bundles the translated scan request: the native filter, the
// residual predicates the store could not express, the projection, and the
// pruned schema rows must conform to.
type Query struct {
	Filter     bson.D
	Residual   []filter.Expr
	Projection bson.D
	Schema     *schema.Schema
}

// RowStream is a lazy, finite sequence of rows. Errors carries at most one
// fatal error; both channels close when the stream ends.
type RowStream struct {
	Rows   <-chan convert.Row
	Errors <-chan error
}

// Executor runs scans for one relation. It is safe to invoke concurrently
// from multiple partition workers; all state here is read-only after
// construction.
type Executor struct {
	cfg       *config.ConnectorConfig
	manager   *connection.Manager
	converter *convert.Converter
	retry     *RetryPolicy
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg *config.ConnectorConfig, manager *connection.Manager, converter *convert.Converter, collector *metrics.Collector, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		manager:   manager,
		converter: converter,
		retry:     PolicyFromConfig(cfg.Reliability),
		metrics:   collector,
		logger:    logger.With(zap.String("component", "scan_executor")),
	}
}

// Scan opens the partition's cursor and starts streaming rows. Opening
// retries transient failures with bounded backoff; authentication and
// topology errors surface immediately.
func (e *Executor) Scan(ctx context.Context, part partition.Descriptor, q Query) (*RowStream, error) {
	spec := connection.SpecFromConfig(e.cfg).WithHosts(part.Hosts)

	var handle *connection.Handle
	var cursor Cursor
	open := func() error {
		opCtx, cancel := e.requestContext(ctx)
		defer cancel()

		h, err := e.manager.Acquire(opCtx, spec)
		if err != nil {
			return err
		}
		cur, err := e.openCursor(opCtx, h, part, q)
		if err != nil {
			h.Release()
			return classifyStreamError(err)
		}
		handle, cursor = h, cur
		return nil
	}
	if err := e.retry.ExecuteWithCondition(ctx, open, errors.IsRetryable); err != nil {
		return nil, err
	}

	e.logger.Debug("partition scan started",
		zap.String("partition", part.ID),
		zap.Int("residual_predicates", len(q.Residual)))

	rows := make(chan convert.Row, 64)
	errs := make(chan error, 1)
	go e.stream(ctx, part, handle, cursor, q, rows, errs)

	return &RowStream{Rows: rows, Errors: errs}, nil
}

// stream drives the cursor, re-applies residual predicates, converts and
// emits rows. The connection is released on every exit path, and on a fatal
// error it is released before the error surfaces.
func (e *Executor) stream(ctx context.Context, part partition.Descriptor, handle *connection.Handle, cursor Cursor, q Query, rows chan<- convert.Row, errs chan<- error) {
	timer := e.metrics.ScanTimer()
	defer timer.ObserveDuration()
	defer close(errs)
	defer close(rows)
	defer handle.Release()
	defer func() { _ = cursor.Close(context.Background()) }()

	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			// A single undecodable document does not abort the scan.
			e.metrics.ConversionNulls.Inc()
			e.logger.Warn("skipping undecodable document",
				zap.String("partition", part.ID),
				zap.Error(err))
			continue
		}
		e.metrics.DocumentsScanned.Inc()

		if !matchesResidual(doc, q.Residual) {
			continue
		}

		row := e.converter.ToRow(doc, q.Schema)
		select {
		case rows <- row:
			e.metrics.RowsEmitted.Inc()
		case <-ctx.Done():
			return
		}
	}

	if err := cursor.Err(); err != nil && !stderrors.Is(err, context.Canceled) {
		// Release everything we hold before the error reaches the caller.
		_ = cursor.Close(context.Background())
		handle.Release()
		errs <- classifyStreamError(err)
	}
}

// openCursor issues the find against the partition's range.
func (e *Executor) openCursor(ctx context.Context, h *connection.Handle, part partition.Descriptor, q Query) (Cursor, error) {
	coll := h.Database(e.cfg.Connection.Database).Collection(e.cfg.Connection.Collection)

	opts := options.Find().SetBatchSize(e.cfg.Scan.BatchSize)
	if len(q.Projection) > 0 {
		opts.SetProjection(q.Projection)
	}
	if part.Bounded() {
		// Range bounds apply to the shard-key index, which min/max require
		// as an explicit hint.
		opts.SetHint(part.KeyPattern())
		if part.Lower != nil {
			opts.SetMin(part.Lower)
		}
		if part.Upper != nil {
			opts.SetMax(part.Upper)
		}
	}

	native := q.Filter
	if native == nil {
		native = bson.D{}
	}
	return coll.Find(ctx, native, opts)
}

// IsEmpty is a cheap existence check for a partition, short-circuiting full
// iteration.
func (e *Executor) IsEmpty(ctx context.Context, part partition.Descriptor) (bool, error) {
	opCtx, cancel := e.requestContext(ctx)
	defer cancel()

	spec := connection.SpecFromConfig(e.cfg).WithHosts(part.Hosts)
	handle, err := e.manager.Acquire(opCtx, spec)
	if err != nil {
		return false, err
	}
	defer handle.Release()

	coll := handle.Database(e.cfg.Connection.Database).Collection(e.cfg.Connection.Collection)
	opts := options.Find().
		SetLimit(1).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if part.Bounded() {
		opts.SetHint(part.KeyPattern())
		if part.Lower != nil {
			opts.SetMin(part.Lower)
		}
		if part.Upper != nil {
			opts.SetMax(part.Upper)
		}
	}

	cursor, err := coll.Find(opCtx, bson.D{}, opts)
	if err != nil {
		return false, classifyStreamError(err)
	}
	return e.probeEmpty(opCtx, cursor)
}

// probeEmpty consumes at most one document to decide whether the partition
// holds any data. The cursor is closed on every path.
func (e *Executor) probeEmpty(ctx context.Context, cursor Cursor) (bool, error) {
	defer func() { _ = cursor.Close(context.Background()) }()

	if cursor.Next(ctx) {
		return false, nil
	}
	if err := cursor.Err(); err != nil {
		return false, classifyStreamError(err)
	}
	return true, nil
}

// requestContext bounds a single server operation when a request timeout is
// configured. Streaming reads are not bounded; the timeout covers command
// round trips only.
func (e *Executor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := e.cfg.Scan.RequestTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// SampleStream opens a bounded document stream for schema inference,
// reusing the scan machinery. The returned release function closes the
// cursor and returns the connection; callers must invoke it on every exit
// path.
func (e *Executor) SampleStream(ctx context.Context) (schema.SampleStream, func(), error) {
	opCtx, cancel := e.requestContext(ctx)
	defer cancel()

	spec := connection.SpecFromConfig(e.cfg)
	handle, err := e.manager.Acquire(opCtx, spec)
	if err != nil {
		return nil, nil, err
	}

	coll := handle.Database(e.cfg.Connection.Database).Collection(e.cfg.Connection.Collection)
	opts := options.Find().SetBatchSize(e.cfg.Scan.BatchSize)
	if e.cfg.Scan.SampleLimit > 0 {
		opts.SetLimit(e.cfg.Scan.SampleLimit)
	}

	cursor, err := coll.Find(opCtx, bson.D{}, opts)
	if err != nil {
		handle.Release()
		return nil, nil, classifyStreamError(err)
	}

	release := func() {
		_ = cursor.Close(context.Background())
		handle.Release()
	}
	return cursor, release, nil
}

// matchesResidual re-applies the predicates that could not be pushed down.
func matchesResidual(doc bson.D, residual []filter.Expr) bool {
	for _, expr := range residual {
		if !filter.Matches(doc, expr) {
			return false
		}
	}
	return true
}

// classifyStreamError assigns an error taxonomy type to a raw driver error
// so retry decisions stay centralized in the errors package.
func classifyStreamError(err error) error {
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}
	if mongo.IsTimeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "store operation timed out")
	}
	if mongo.IsNetworkError(err) {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "network failure during streaming")
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "network failure during streaming")
	}
	return errors.Wrap(err, errors.ErrorTypeQuery, "query execution failed")
}
