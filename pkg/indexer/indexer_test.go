package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func Test_HTTPIndex(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		pk := strings.TrimPrefix(r.URL.Path, "/v0/public_key/")
		w.Header().Set("Content-Type", "application/json")
		switch pk {
		case "ed25519:known":
			_ = json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: pk, AccountIDs: []string{"alice.near", "bob.near"}})
		case "ed25519:empty":
			_ = json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: pk})
		case "ed25519:broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("indexer failure"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	idx, err := NewHTTPIndex(&Config{BaseURL: srv.URL + "/", Logger: zaptest.NewLogger(t), RequestsPerSecond: 100, Burst: 10})
	require.NoError(t, err)
	ctx := context.Background()

	accounts, err := idx.AccountsByPublicKey(ctx, "ed25519:known")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice.near", "bob.near"}, accounts)

	accounts, err = idx.AccountsByPublicKey(ctx, "ed25519:empty")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	accounts, err = idx.AccountsByPublicKey(ctx, "ed25519:missing")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	_, err = idx.AccountsByPublicKey(ctx, "ed25519:broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer failure")

	assert.Equal(t, int32(4), hits.Load())
}

func Test_HTTPIndexHonoursContext(t *testing.T) {
	idx, err := NewHTTPIndex(&Config{BaseURL: "http://127.0.0.1:1", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.AccountsByPublicKey(ctx, "ed25519:known")
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_NewHTTPIndexValidation(t *testing.T) {
	_, err := NewHTTPIndex(nil)
	assert.Error(t, err)
	_, err = NewHTTPIndex(&Config{Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)
	_, err = NewHTTPIndex(&Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func Test_StaticIndex(t *testing.T) {
	idx := StaticIndex{"ed25519:a": {"alice.near"}}
	accounts, err := idx.AccountsByPublicKey(context.Background(), "ed25519:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice.near"}, accounts)

	accounts, err = idx.AccountsByPublicKey(context.Background(), "ed25519:b")
	require.NoError(t, err)
	assert.Nil(t, accounts)
}
