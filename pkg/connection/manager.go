// Package connection owns pooled, credential-bound connections to the
// document store. It is the leaf dependency of every other component and the
// only cross-partition shared resource.
//
// Pools are keyed by the (hosts, credentials, TLS options) tuple: concurrent
// acquisitions for the same tuple share a pool but never share an in-flight
// handle. Mutual exclusion covers pool bookkeeping only, never data
// transfer.
package connection

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/datatide/mongoscan/pkg/config"
	"github.com/datatide/mongoscan/pkg/errors"
	jsonpool "github.com/datatide/mongoscan/pkg/json"
	"github.com/datatide/mongoscan/pkg/metrics"
)

// Credential identifies a store user.
type Credential struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Source    string `json:"source"`
	Mechanism string `json:"mechanism"`
}

// TLSOptions configures transport encryption.
type TLSOptions struct {
	Enable          bool   `json:"enable"`
	SkipVerify      bool   `json:"skip_verify"`
	CAPath          string `json:"ca_path"`
	CertificatePath string `json:"certificate_path"`
	KeyPath         string `json:"key_path"`
}

// Spec is the pooling key: connections are shared only between acquisitions
// with identical hosts, credentials and TLS options.
type Spec struct {
	Hosts          []string      `json:"hosts"`
	ReplicaSet     string        `json:"replica_set"`
	Credential     Credential    `json:"credential"`
	TLS            TLSOptions    `json:"tls"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// SpecFromConfig derives the connection spec from the relation config.
func SpecFromConfig(cfg *config.ConnectorConfig) Spec {
	return Spec{
		Hosts:      append([]string(nil), cfg.Connection.Hosts...),
		ReplicaSet: cfg.Connection.ReplicaSet,
		Credential: Credential{
			Username:  cfg.Security.Username,
			Password:  cfg.Security.Password,
			Source:    cfg.Security.AuthSource,
			Mechanism: cfg.Security.AuthMechanism,
		},
		TLS: TLSOptions{
			Enable:          cfg.Security.EnableTLS,
			SkipVerify:      cfg.Security.TLSSkipVerify,
			CAPath:          cfg.Security.CAPath,
			CertificatePath: cfg.Security.CertificatePath,
			KeyPath:         cfg.Security.KeyPath,
		},
		ConnectTimeout: cfg.Scan.ConnectTimeout,
	}
}

// WithHosts returns a copy of the spec routed at the given hosts. Partition
// descriptors use this to prefer the hosts serving their range.
func (s Spec) WithHosts(hosts []string) Spec {
	if len(hosts) == 0 {
		return s
	}
	out := s
	out.Hosts = append([]string(nil), hosts...)
	return out
}

// key renders the spec canonically for pool lookup.
func (s Spec) key() string {
	data, err := jsonpool.MarshalCanonical(s)
	if err != nil {
		// Spec is a plain value type; canonical marshaling cannot fail on it.
		panic(err)
	}
	return string(data)
}

// Client is the store-client surface the manager pools. *mongo.Client
// satisfies it; tests substitute fakes through the Dialer.
type Client interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
	Database(name string, opts ...*options.DatabaseOptions) *mongo.Database
}

// Dialer establishes a connected, authenticated client for a spec.
type Dialer func(ctx context.Context, spec Spec) (Client, error)

// Manager pools connections per spec. Connection pool bookkeeping is the
// only shared mutable state across concurrent partition workers.
type Manager struct {
	dial    Dialer
	maxIdle int
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	pools  map[string]*hostPool
	closed bool
}

type hostPool struct {
	idle   []Client
	active int
}

// Stats reports pool occupancy.
type Stats struct {
	Active int
	Idle   int
}

// NewManager creates a Manager using the given dialer. Production callers
// pass MongoDialer.
func NewManager(dial Dialer, logger *zap.Logger, collector *metrics.Collector) *Manager {
	return &Manager{
		dial:    dial,
		maxIdle: 4,
		logger:  logger.With(zap.String("component", "connection_manager")),
		metrics: collector,
		pools:   make(map[string]*hostPool),
	}
}

// Acquire returns a connection handle for the spec, reusing an idle pooled
// connection when one exists. The handle is exclusively owned until
// Release; callers must release on every exit path, including failure and
// cancellation.
//
// Authentication failures are not transient and must not be retried by
// callers; transient network failures may be retried with bounded backoff
// at the executor boundary.
func (m *Manager) Acquire(ctx context.Context, spec Spec) (*Handle, error) {
	key := spec.key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeConnection, "connection manager is closed")
	}
	pool := m.pools[key]
	if pool == nil {
		pool = &hostPool{}
		m.pools[key] = pool
	}
	if n := len(pool.idle); n > 0 {
		client := pool.idle[n-1]
		pool.idle = pool.idle[:n-1]
		pool.active++
		m.mu.Unlock()

		m.metrics.ActiveConnections.Inc()
		m.logger.Debug("reusing pooled connection", zap.Strings("hosts", spec.Hosts))
		return &Handle{manager: m, key: key, client: client}, nil
	}
	m.mu.Unlock()

	// Dialing blocks on network I/O and happens outside the pool lock.
	client, err := m.dial(ctx, spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = client.Disconnect(context.Background())
		return nil, errors.New(errors.ErrorTypeConnection, "connection manager is closed")
	}
	m.pools[key].active++
	m.mu.Unlock()

	m.metrics.ActiveConnections.Inc()
	m.logger.Debug("established new connection", zap.Strings("hosts", spec.Hosts))
	return &Handle{manager: m, key: key, client: client}, nil
}

// release returns a client to its pool, disconnecting it when the idle list
// is full or the manager has shut down.
func (m *Manager) release(key string, client Client) {
	m.mu.Lock()
	pool := m.pools[key]
	if pool != nil {
		pool.active--
	}
	keep := !m.closed && pool != nil && len(pool.idle) < m.maxIdle
	if keep {
		pool.idle = append(pool.idle, client)
	}
	m.mu.Unlock()

	m.metrics.ActiveConnections.Dec()
	if !keep {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("failed to disconnect surplus connection", zap.Error(err))
		}
	}
}

// Stats returns current pool occupancy across all specs.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	for _, pool := range m.pools {
		stats.Active += pool.active
		stats.Idle += len(pool.idle)
	}
	return stats
}

// Close disconnects all idle connections and refuses further acquisitions.
// Active handles stay valid until released.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var idle []Client
	for _, pool := range m.pools {
		idle = append(idle, pool.idle...)
		pool.idle = nil
	}
	m.mu.Unlock()

	var firstErr error
	for _, client := range idle {
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, errors.ErrorTypeConnection, "failed to close pooled connections")
	}
	return nil
}

// Handle is a pooled connection owned exclusively for the duration of one
// scan or write operation. Release is idempotent.
type Handle struct {
	manager *Manager
	key     string
	client  Client
	once    sync.Once
}

// Client exposes the underlying store client.
func (h *Handle) Client() Client {
	return h.client
}

// Database returns a database bound to this handle's connection.
func (h *Handle) Database(name string) *mongo.Database {
	return h.client.Database(name)
}

// Release returns the connection to the pool. Safe to call more than once;
// only the first call has an effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.manager.release(h.key, h.client)
	})
}
