package statestore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/txn"
)

func redisTest(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: strings.Split(addr, ",")})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return NewRedisStore(client)
}

func TestRedisKeysShareHashTag(t *testing.T) {
	assert.Equal(t, "card:{c1}", redisCardKey("c1"))
	assert.Equal(t, "ledger:{c1}:k", redisLedgerKey("c1", "k"))
	assert.Equal(t, "card_ledger:{c1}", redisLedgerIndexKey("c1"))
}

func TestClassifyRedis(t *testing.T) {
	assert.ErrorIs(t, classifyRedis("get", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")), ErrUnavailable)
	assert.ErrorIs(t, classifyRedis("get", context.DeadlineExceeded), ErrUnavailable)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()
	cardID := "test-" + time.Now().Format("150405.000000000")

	state, err := s.GetCardState(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, CardState{}, state)

	at := time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC)
	want := CardState{Score: 710, UCL: 2500}.WithPosition(96774, at)
	require.NoError(t, s.PutCardState(ctx, cardID, want))
	state, err = s.GetCardState(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, want, state)

	require.NoError(t, s.PutCardState(ctx, cardID, CardState{Score: 710, UCL: 2500}))
	state, err = s.GetCardState(ctx, cardID)
	require.NoError(t, err)
	assert.Nil(t, state.Last, "stale position fields must not survive a replace")

	processed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendTransaction(ctx, txn.NewScored(testEvent(cardID, 1, at), txn.VerdictGenuine, processed)))
	require.NoError(t, s.AppendTransaction(ctx, txn.NewScored(testEvent(cardID, 1, at), txn.VerdictFraud, processed)))
	require.NoError(t, s.AppendTransaction(ctx, txn.NewScored(testEvent(cardID, 2, at), txn.VerdictFraud, processed.Add(time.Second))))

	rows, err := s.ListTransactions(ctx, cardID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Event.Postcode)
	assert.Equal(t, txn.VerdictGenuine, rows[1].Verdict)

	require.NoError(t, s.Ping(ctx))
}
