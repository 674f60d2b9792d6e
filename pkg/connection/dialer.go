package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"os"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/datatide/mongoscan/pkg/errors"
)

// MongoDialer establishes and pings a MongoDB client for the spec. The ping
// ensures authentication failures surface here, at acquisition time, rather
// than on the first operation of a scan.
func MongoDialer(ctx context.Context, spec Spec) (Client, error) {
	opts, err := clientOptions(spec)
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, classifyDialError(err)
	}

	pingCtx := ctx
	if spec.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, spec.ConnectTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classifyDialError(err)
	}

	return client, nil
}

// clientOptions translates a Spec into driver options.
func clientOptions(spec Spec) (*options.ClientOptions, error) {
	opts := options.Client().SetHosts(spec.Hosts)

	if spec.ReplicaSet != "" {
		opts.SetReplicaSet(spec.ReplicaSet)
	}
	if spec.ConnectTimeout > 0 {
		opts.SetConnectTimeout(spec.ConnectTimeout)
	}

	if spec.Credential.Username != "" {
		cred := options.Credential{
			Username:      spec.Credential.Username,
			Password:      spec.Credential.Password,
			AuthSource:    spec.Credential.Source,
			AuthMechanism: spec.Credential.Mechanism,
		}
		opts.SetAuth(cred)
	}

	if spec.TLS.Enable {
		tlsConfig, err := buildTLSConfig(spec.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// buildTLSConfig assembles a tls.Config from file-based options.
func buildTLSConfig(t TLSOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.SkipVerify, //nolint:gosec // G402: explicit operator opt-in
	}

	if t.CAPath != "" {
		pem, err := os.ReadFile(t.CAPath) //nolint:gosec // G304: path from validated config
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New(errors.ErrorTypeConfig, "CA certificate contains no valid PEM data").
				WithDetail("ca_path", t.CAPath)
		}
		tlsConfig.RootCAs = pool
	}

	if t.CertificatePath != "" {
		cert, err := tls.LoadX509KeyPair(t.CertificatePath, t.KeyPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// classifyDialError separates authentication failures (never retried) from
// unreachable-host failures.
func classifyDialError(err error) error {
	if isAuthError(err) {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "authentication failed")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to store")
}

func isAuthError(err error) bool {
	var cmdErr mongo.CommandError
	if mongo.IsTimeout(err) {
		return false
	}
	if stderrors.As(err, &cmdErr) {
		// 13 Unauthorized, 18 AuthenticationFailed.
		if cmdErr.Code == 13 || cmdErr.Code == 18 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth error") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "sasl") ||
		strings.Contains(msg, "unauthorized")
}
