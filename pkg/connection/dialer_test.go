package connection

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/datatide/mongoscan/pkg/errors"
)

func TestIsAuthError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized code", mongo.CommandError{Code: 13, Message: "not authorized on admin"}, true},
		{"authentication failed code", mongo.CommandError{Code: 18, Message: "authentication failed"}, true},
		{"sasl failure by message", stderrors.New("connection() error occurred during connection handshake: auth error: sasl conversation error"), true},
		{"unauthorized by message", stderrors.New("command failed: Unauthorized"), true},
		{"plain network failure", stderrors.New("connection refused"), false},
		{"other command error", mongo.CommandError{Code: 11600, Message: "interrupted at shutdown"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isAuthError(tc.err))
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	t.Run("auth failures are terminal", func(t *testing.T) {
		err := classifyDialError(mongo.CommandError{Code: 18, Message: "authentication failed"})
		var typed *errors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, errors.ErrorTypeAuthentication, typed.Type)
		assert.False(t, errors.IsRetryable(err))
	})

	t.Run("unreachable hosts are connection errors", func(t *testing.T) {
		err := classifyDialError(stderrors.New("server selection error: context deadline exceeded"))
		var typed *errors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, errors.ErrorTypeConnection, typed.Type)
	})
}

func TestClientOptions(t *testing.T) {
	t.Run("credentials and replica set applied", func(t *testing.T) {
		spec := Spec{
			Hosts:      []string{"h1:27017"},
			ReplicaSet: "rs0",
			Credential: Credential{
				Username: "scanner",
				Password: "secret",
				Source:   "admin",
			},
			ConnectTimeout: 5 * time.Second,
		}

		opts, err := clientOptions(spec)
		require.NoError(t, err)
		assert.Equal(t, []string{"h1:27017"}, opts.Hosts)
		require.NotNil(t, opts.ReplicaSet)
		assert.Equal(t, "rs0", *opts.ReplicaSet)
		require.NotNil(t, opts.Auth)
		assert.Equal(t, "scanner", opts.Auth.Username)
		assert.Equal(t, "admin", opts.Auth.AuthSource)
	})

	t.Run("no credentials means no auth option", func(t *testing.T) {
		opts, err := clientOptions(Spec{Hosts: []string{"h1:27017"}})
		require.NoError(t, err)
		assert.Nil(t, opts.Auth)
		assert.Nil(t, opts.TLSConfig)
	})

	t.Run("missing CA file fails with config error", func(t *testing.T) {
		_, err := clientOptions(Spec{
			Hosts: []string{"h1:27017"},
			TLS:   TLSOptions{Enable: true, CAPath: "/nonexistent/ca.pem"},
		})
		require.Error(t, err)
		var typed *errors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, errors.ErrorTypeConfig, typed.Type)
	})
}
