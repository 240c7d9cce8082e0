package redis

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/logger"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireRedis skips the test unless REDIS_TEST_ADDRESS points at a reachable Redis.
// Each test gets its own key prefix on DB 15 so runs don't collide.
func requireRedis(t *testing.T) *RedisPersistence {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDRESS not set")
	}

	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	rp, err := NewRedisPersistence(&RedisConfig{
		Address:   addr,
		DB:        15,
		KeyPrefix: fmt.Sprintf("test-%d:", time.Now().UnixNano()),
	}, testLogger)
	if err != nil {
		t.Fatalf("Redis not available at %s: %v", addr, err)
	}
	return rp
}

func TestRedisPersistence_RecordAndLoad(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	stored, err := rp.RecordSubmission(&persistence.SubmissionRecord{
		SenderID:   "alice.near",
		Nonce:      5,
		ReceiverID: "shop.near",
		State:      persistence.StateSubmitted,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)

	loaded, err := rp.LoadSubmission("alice.near", 5)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "shop.near", loaded.ReceiverID)

	missing, err := rp.LoadSubmission("alice.near", 6)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisPersistence_SucceededIsSticky(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	_, err := rp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateSucceeded, TxHash: "tx1"})
	require.NoError(t, err)
	_, err = rp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateSubmitted})
	require.NoError(t, err)
	stored, err := rp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateRejected})
	require.NoError(t, err)

	assert.Equal(t, persistence.StateSucceeded, stored.State)
	assert.Equal(t, "tx1", stored.TxHash)
	assert.Equal(t, 2, stored.Attempts)
}

func TestRedisPersistence_ListAndDelete(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	for _, nonce := range []uint64{100, 9, 10} {
		_, err := rp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: nonce, State: persistence.StateSucceeded})
		require.NoError(t, err)
	}

	list, err := rp.ListSubmissions("alice.near")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{9, 10, 100}, []uint64{list[0].Nonce, list[1].Nonce, list[2].Nonce})

	require.NoError(t, rp.DeleteSubmission("alice.near", 10))
	list, err = rp.ListSubmissions("alice.near")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRedisPersistence_HealthCheckAndClose(t *testing.T) {
	rp := requireRedis(t)
	require.NoError(t, rp.HealthCheck())
	require.NoError(t, rp.Close())
	require.NoError(t, rp.Close())
	assert.Error(t, rp.HealthCheck())
}

func TestNewRedisPersistence_Validation(t *testing.T) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{})
	_, err := NewRedisPersistence(nil, l)
	assert.Error(t, err)
	_, err = NewRedisPersistence(&RedisConfig{}, l)
	assert.Error(t, err)
}
