package partition

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datatide/mongoscan/pkg/errors"
)

// DatabaseProvider is the slice of the driver client the topology reader
// needs. *mongo.Client satisfies it.
type DatabaseProvider interface {
	Database(name string, opts ...*options.DatabaseOptions) *mongo.Database
}

// configTopologyReader reads sharding metadata from the deployment's config
// database.
type configTopologyReader struct {
	client DatabaseProvider
}

// NewTopologyReader creates a TopologyReader backed by the config database
// of the connected deployment.
func NewTopologyReader(client DatabaseProvider) TopologyReader {
	return &configTopologyReader{client: client}
}

// chunkDoc mirrors the config.chunks document shape.
type chunkDoc struct {
	Shard string `bson:"shard"`
	Min   bson.D `bson:"min"`
	Max   bson.D `bson:"max"`
}

// Chunks returns the chunk ranges for a namespace, in metadata order.
// Deployments since MongoDB 5.0 key config.chunks by collection UUID, older
// ones by namespace string; both layouts are tried.
func (r *configTopologyReader) Chunks(ctx context.Context, namespace string) ([]ChunkMeta, error) {
	configDB := r.client.Database("config")

	filter := bson.D{{Key: "ns", Value: namespace}}
	if uuid, ok, err := r.collectionUUID(ctx, namespace); err != nil {
		return nil, err
	} else if ok {
		filter = bson.D{{Key: "uuid", Value: uuid}}
	}

	cursor, err := configDB.Collection("chunks").Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "min", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to query config.chunks")
	}
	defer cursor.Close(ctx)

	var chunks []ChunkMeta
	for cursor.Next(ctx) {
		var doc chunkDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to decode chunk document")
		}
		chunks = append(chunks, ChunkMeta{Shard: doc.Shard, Min: doc.Min, Max: doc.Max})
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "chunk cursor failed")
	}
	return chunks, nil
}

// collectionUUID resolves the namespace's collection UUID from
// config.collections when present.
func (r *configTopologyReader) collectionUUID(ctx context.Context, namespace string) (interface{}, bool, error) {
	var doc bson.M
	err := r.client.Database("config").Collection("collections").
		FindOne(ctx, bson.D{{Key: "_id", Value: namespace}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to query config.collections")
	}
	uuid, ok := doc["uuid"]
	return uuid, ok, nil
}

// shardDoc mirrors the config.shards document shape; host strings look like
// "rs0/host1:27017,host2:27017".
type shardDoc struct {
	ID   string `bson:"_id"`
	Host string `bson:"host"`
}

// ShardHosts returns the hosts serving each shard.
func (r *configTopologyReader) ShardHosts(ctx context.Context) (map[string][]string, error) {
	cursor, err := r.client.Database("config").Collection("shards").Find(ctx, bson.D{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to query config.shards")
	}
	defer cursor.Close(ctx)

	hosts := make(map[string][]string)
	for cursor.Next(ctx) {
		var doc shardDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "failed to decode shard document")
		}
		hosts[doc.ID] = parseShardHosts(doc.Host)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePartitioning, "shard cursor failed")
	}
	return hosts, nil
}

// parseShardHosts splits a "replicaSet/host1,host2" connection string into
// its host list.
func parseShardHosts(host string) []string {
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[idx+1:]
	}
	parts := strings.Split(host, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
