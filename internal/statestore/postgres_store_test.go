package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/testutil"
	"github.com/mbd888/cardguard/internal/txn"
)

func TestClassifyPQ(t *testing.T) {
	conn := &pq.Error{Code: "08006"}
	assert.ErrorIs(t, classifyPQ("get", conn), ErrUnavailable)

	shutdown := &pq.Error{Code: "57P01"}
	assert.ErrorIs(t, classifyPQ("get", shutdown), ErrUnavailable)

	syntax := &pq.Error{Code: "42601"}
	err := classifyPQ("get", syntax)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))

	assert.ErrorIs(t, classifyPQ("get", errors.New("driver: bad connection")), ErrUnavailable)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	// Tables come from the same goose migrations cmd/migrate applies.
	var applied int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version`).Scan(&applied))
	assert.GreaterOrEqual(t, applied, int64(2))

	state, err := s.GetCardState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, CardState{}, state)

	at := time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC)
	want := CardState{Score: 610, UCL: 3200.75}.WithPosition(10001, at)
	require.NoError(t, s.PutCardState(ctx, "c1", want))
	state, err = s.GetCardState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, want, state)

	require.NoError(t, s.PutCardState(ctx, "c1", CardState{Score: 610, UCL: 3200.75}))
	state, err = s.GetCardState(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, state.Last)

	processed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	row := txn.NewScored(testEvent("c1", 10001, at), txn.VerdictGenuine, processed)
	require.NoError(t, s.AppendTransaction(ctx, row))
	require.NoError(t, s.AppendTransaction(ctx, txn.NewScored(testEvent("c1", 10001, at), txn.VerdictFraud, processed)))

	rows, err := s.ListTransactions(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row.Key, rows[0].Key)
	assert.Equal(t, txn.VerdictGenuine, rows[0].Verdict)
}
