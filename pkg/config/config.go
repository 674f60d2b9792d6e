// Package config provides the configuration surface consumed by the
// mongoscan core. A single ConnectorConfig structure is passed explicitly
// into every component constructor; there is no ambient or global
// configuration lookup.
//
// The configuration is organized into logical sections:
//   - Connection: hosts, database, collection
//   - Security: credentials and TLS options
//   - Scan: sampling ratio, batch size, per-operation timeouts
//   - Reliability: bounded retry with exponential backoff
//
// Example usage:
//
//	cfg := config.NewConnectorConfig("analytics", "events")
//	cfg.Connection.Hosts = []string{"mongo-0:27017", "mongo-1:27017"}
//	cfg.Scan.SamplingRatio = 0.1
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"strings"
	"time"
)

// ConnectorConfig is the configuration structure consumed by every component
// of the scan/write core. It is treated as an immutable snapshot once a
// relation has been constructed from it.
type ConnectorConfig struct {
	// Connection identifies the deployment and namespace to operate on
	Connection ConnectionConfig `yaml:"connection" json:"connection"`

	// Security holds credentials and TLS options
	Security SecurityConfig `yaml:"security" json:"security"`

	// Scan controls sampling, batching and timeouts for scan operations
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// Reliability settings for transient-failure retry
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
}

// ConnectionConfig identifies the MongoDB deployment and namespace.
type ConnectionConfig struct {
	// Hosts lists the seed hosts (host:port)
	Hosts []string `yaml:"hosts" json:"hosts"`
	// Database is the database name
	Database string `yaml:"database" json:"database"`
	// Collection is the collection name
	Collection string `yaml:"collection" json:"collection"`
	// ReplicaSet optionally names the replica set
	ReplicaSet string `yaml:"replica_set,omitempty" json:"replica_set,omitempty"`
}

// Namespace returns the fully qualified "db.collection" namespace.
func (c *ConnectionConfig) Namespace() string {
	return fmt.Sprintf("%s.%s", c.Database, c.Collection)
}

// SecurityConfig contains authentication and encryption settings.
type SecurityConfig struct {
	// Username for authentication (empty disables auth)
	Username string `yaml:"username" json:"username"`
	// Password for authentication (use env vars in production)
	Password string `yaml:"password" json:"password"`
	// AuthSource is the database to authenticate against (default: admin)
	AuthSource string `yaml:"auth_source" json:"auth_source"`
	// AuthMechanism selects the authentication mechanism (e.g. SCRAM-SHA-256)
	AuthMechanism string `yaml:"auth_mechanism" json:"auth_mechanism"`
	// EnableTLS enables TLS encryption
	EnableTLS bool `yaml:"enable_tls" json:"enable_tls"`
	// TLSSkipVerify disables certificate verification (insecure)
	TLSSkipVerify bool `yaml:"tls_skip_verify" json:"tls_skip_verify"`
	// CAPath for a custom CA certificate
	CAPath string `yaml:"ca_path" json:"ca_path"`
	// CertificatePath for a client certificate
	CertificatePath string `yaml:"certificate_path" json:"certificate_path"`
	// KeyPath for the client private key
	KeyPath string `yaml:"key_path" json:"key_path"`
}

// HasCredentials returns true if credentials are configured
func (s *SecurityConfig) HasCredentials() bool {
	return s.Username != ""
}

// ScanConfig controls sampling, batching and timeouts.
type ScanConfig struct {
	// SamplingRatio is the fraction of documents read to infer a schema
	// when none is supplied, in (0, 1]. Defaults to 1.0.
	SamplingRatio float64 `yaml:"sampling_ratio" json:"sampling_ratio"`
	// SampleLimit caps the absolute number of sampled documents (0 = no cap)
	SampleLimit int64 `yaml:"sample_limit" json:"sample_limit"`
	// BatchSize sets the cursor batch size
	BatchSize int32 `yaml:"batch_size" json:"batch_size"`
	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// RequestTimeout bounds individual server operations
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// ReliabilityConfig contains retry settings for transient failures.
// Authentication failures are never retried regardless of these settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum retry attempts for transient failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// NewConnectorConfig creates a ConnectorConfig with sensible defaults for the
// given namespace. Specific deployments override the defaults as needed.
func NewConnectorConfig(database, collection string) *ConnectorConfig {
	return &ConnectorConfig{
		Connection: ConnectionConfig{
			Hosts:      []string{"localhost:27017"},
			Database:   database,
			Collection: collection,
		},
		Security: SecurityConfig{
			AuthSource: "admin",
		},
		Scan: ScanConfig{
			SamplingRatio:  1.0,
			SampleLimit:    10000,
			BatchSize:      1000,
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
		},
	}
}

// Validate validates the configuration for correctness. Components call this
// once during construction to catch errors early.
func (c *ConnectorConfig) Validate() error {
	if len(c.Connection.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	for _, h := range c.Connection.Hosts {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("host entries must not be empty")
		}
	}
	if c.Connection.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Connection.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.Scan.SamplingRatio <= 0 || c.Scan.SamplingRatio > 1 {
		return fmt.Errorf("sampling_ratio must be in (0, 1], got %v", c.Scan.SamplingRatio)
	}
	if c.Scan.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}
