// Package partition plans disjoint scan ranges from the store's sharding
// topology so partitions can be executed as independent parallel units.
//
// Planning is deterministic for a given metadata snapshot: partitions come
// back ordered by range lower bound, so repeated calls within one query see
// the same partition count and boundaries. Chunk migrations after planning
// are a known, accepted limitation; there is no rebalancing mid-scan.
package partition

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/errors"
	jsonpool "github.com/datatide/mongoscan/pkg/json"
	"github.com/datatide/mongoscan/pkg/metrics"
)

// Descriptor identifies a disjoint, store-addressable subset of a
// collection: a shard-key interval plus connection-routing hints. Nil bounds
// mean the range is unbounded on that side (single-partition collections
// have neither bound).
type Descriptor struct {
	// ID uniquely names the partition within one planning run
	ID string
	// Shard is the owning shard, empty for unsharded collections
	Shard string
	// Lower is the inclusive lower shard-key bound, nil when unbounded
	Lower bson.D
	// Upper is the exclusive upper shard-key bound, nil when unbounded
	Upper bson.D
	// Hosts are the preferred hosts serving this range
	Hosts []string
}

// Bounded reports whether the descriptor restricts the shard-key range.
func (d Descriptor) Bounded() bool {
	return d.Lower != nil || d.Upper != nil
}

// KeyPattern derives the shard-key index pattern from the bounds, for use as
// a query hint alongside min/max bounds.
func (d Descriptor) KeyPattern() bson.D {
	bound := d.Lower
	if bound == nil {
		bound = d.Upper
	}
	pattern := make(bson.D, 0, len(bound))
	for _, e := range bound {
		pattern = append(pattern, bson.E{Key: e.Key, Value: 1})
	}
	return pattern
}

// ChunkMeta is one chunk row from the store's topology metadata.
type ChunkMeta struct {
	Shard string
	Min   bson.D
	Max   bson.D
}

// TopologyReader exposes the store-side sharding metadata needed for
// planning. Chunks returns an empty slice for unsharded collections.
type TopologyReader interface {
	Chunks(ctx context.Context, namespace string) ([]ChunkMeta, error)
	ShardHosts(ctx context.Context) (map[string][]string, error)
}

// Partitioner computes partition descriptors from topology metadata.
type Partitioner struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewPartitioner creates a Partitioner.
func NewPartitioner(logger *zap.Logger, collector *metrics.Collector) *Partitioner {
	return &Partitioner{
		logger:  logger.With(zap.String("component", "partitioner")),
		metrics: collector,
	}
}

// Partitions plans the scan ranges for a namespace. Sharded collections get
// one partition per chunk; unsharded collections fall back to a single
// partition covering everything. Malformed metadata (inverted, overlapping
// or gapped ranges) fails with a partitioning error rather than silently
// dropping data.
func (p *Partitioner) Partitions(ctx context.Context, topo TopologyReader, namespace string) ([]Descriptor, error) {
	chunks, err := topo.Chunks(ctx, namespace)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to read chunk metadata")
	}

	if len(chunks) == 0 {
		p.logger.Debug("collection is unsharded, planning single partition",
			zap.String("namespace", namespace))
		p.metrics.PartitionsPlanned.Inc()
		return []Descriptor{{ID: namespace + ":0"}}, nil
	}

	hosts, err := topo.ShardHosts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to read shard metadata")
	}

	sorted := make([]ChunkMeta, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareBounds(sorted[i].Min, sorted[j].Min) < 0
	})

	if err := validateChunks(sorted); err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, len(sorted))
	for i, chunk := range sorted {
		descriptors[i] = Descriptor{
			ID:    fmt.Sprintf("%s:%d", namespace, i),
			Shard: chunk.Shard,
			Lower: chunk.Min,
			Upper: chunk.Max,
			Hosts: hosts[chunk.Shard],
		}
	}

	p.metrics.PartitionsPlanned.Add(float64(len(descriptors)))
	p.logger.Info("planned partitions",
		zap.String("namespace", namespace),
		zap.Int("partitions", len(descriptors)))
	return descriptors, nil
}

// validateChunks checks that the sorted chunk ranges tile the keyspace:
// every max equals the next min, and no range is inverted.
func validateChunks(chunks []ChunkMeta) error {
	for i, chunk := range chunks {
		if cmp := compareBounds(chunk.Min, chunk.Max); cmp >= 0 {
			return errors.New(errors.ErrorTypePartitioning, "chunk range is inverted or empty").
				WithDetail("min", chunk.Min).
				WithDetail("max", chunk.Max)
		}
		if i == 0 {
			continue
		}
		switch compareBounds(chunks[i-1].Max, chunk.Min) {
		case 0:
		case -1:
			return errors.New(errors.ErrorTypePartitioning, "gap between chunk ranges").
				WithDetail("previous_max", chunks[i-1].Max).
				WithDetail("next_min", chunk.Min)
		default:
			return errors.New(errors.ErrorTypePartitioning, "overlapping chunk ranges").
				WithDetail("previous_max", chunks[i-1].Max).
				WithDetail("next_min", chunk.Min)
		}
	}
	return nil
}

// compareBounds orders two shard-key bound documents element-wise.
func compareBounds(a, b bson.D) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareBoundValue(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// compareBoundValue orders two shard-key values. MinKey sorts below
// everything and MaxKey above; unhandled types fall back to a canonical
// JSON rendering so ordering stays total and deterministic.
func compareBoundValue(a, b interface{}) int {
	_, aMin := a.(primitive.MinKey)
	_, bMin := b.(primitive.MinKey)
	if aMin || bMin {
		switch {
		case aMin && bMin:
			return 0
		case aMin:
			return -1
		default:
			return 1
		}
	}

	_, aMax := a.(primitive.MaxKey)
	_, bMax := b.(primitive.MaxKey)
	if aMax || bMax {
		switch {
		case aMax && bMax:
			return 0
		case aMax:
			return 1
		default:
			return -1
		}
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}

	if aid, aok := a.(primitive.ObjectID); aok {
		if bid, bok := b.(primitive.ObjectID); bok {
			switch {
			case aid.Hex() < bid.Hex():
				return -1
			case aid.Hex() > bid.Hex():
				return 1
			default:
				return 0
			}
		}
	}

	aj, _ := jsonpool.MarshalCanonical(a)
	bj, _ := jsonpool.MarshalCanonical(b)
	switch {
	case string(aj) < string(bj):
		return -1
	case string(aj) > string(bj):
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
