package refdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/txn"
)

const zipCSV = `10001,40.7506,-73.9972,New York City,NY
10002,40.7157,-73.9863,New York City,NY
postcode,lat,long,city,state
90012,34.0614,-118.2385
99999,n/a,-120.0,Nowhere,CA
12345,41.0
10001,40.7500,-73.9970,New York,NY
`

func TestLoadGeo(t *testing.T) {
	ix, stats, err := LoadGeo(strings.NewReader(zipCSV))
	require.NoError(t, err)

	assert.Equal(t, Stats{Rows: 7, Loaded: 4, Skipped: 3}, stats)
	assert.Equal(t, 3, ix.Len())

	c, ok := ix.Lookup(10001)
	require.True(t, ok)
	assert.Equal(t, 40.75, c.Lat, "later rows replace earlier ones")

	_, ok = ix.Lookup(99999)
	assert.False(t, ok)

	km, ok := ix.Distance(10001, 90012)
	require.True(t, ok)
	assert.InDelta(t, 3940, km, 30)
}

func TestLoadGeoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zipcodes.csv")
	require.NoError(t, os.WriteFile(path, []byte(zipCSV), 0o600))

	ix, _, err := LoadGeoFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())

	_, _, err = LoadGeoFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

const lookupCSV = `card_id,member_id,score,UCL,postcode,transaction_dt
348702330256514,37495066290,339,12372988.0,96774,2018-01-02 03:04:05
5189563368503974,117826301530,289,16913592.0,,
4029017497385232,1,not-a-score,100,10001,2018-01-02 03:04:05
6011000990139424,2,500,900,10001,yesterday
,3,1,1,1,2018-01-02 03:04:05
`

func TestReadLookup(t *testing.T) {
	var got []LookupRecord
	stats, err := ReadLookup(strings.NewReader(lookupCSV), func(rec LookupRecord) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Rows: 5, Loaded: 3, Skipped: 2}, stats)
	require.Len(t, got, 3)

	assert.Equal(t, "348702330256514", got[0].CardID)
	assert.Equal(t, int64(37495066290), got[0].MemberID)
	want := statestore.CardState{Score: 339, UCL: 12372988}.
		WithPosition(96774, time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, want, got[0].State)

	assert.Nil(t, got[1].State.Last, "no position columns")
	assert.Nil(t, got[2].State.Last, "unparsable timestamp")
	assert.Equal(t, 500.0, got[2].State.Score)
}

func TestReadLookup_RequiresHeader(t *testing.T) {
	_, err := ReadLookup(strings.NewReader("348702330256514,1,339,100\n"), func(LookupRecord) error { return nil })
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestSeedLookup(t *testing.T) {
	store := statestore.NewMemoryStore()
	stats, err := SeedLookup(context.Background(), strings.NewReader(lookupCSV), store)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Loaded)

	state, err := store.GetCardState(context.Background(), "348702330256514")
	require.NoError(t, err)
	assert.Equal(t, 339.0, state.Score)
	require.NotNil(t, state.Last)
	assert.Equal(t, 96774, state.Last.Postcode)
}

type failingCardStore struct{ statestore.CardStore }

func (failingCardStore) PutCardState(context.Context, string, statestore.CardState) error {
	return statestore.ErrUnavailable
}

func TestSeedLookup_StopsOnStoreError(t *testing.T) {
	stats, err := SeedLookup(context.Background(), strings.NewReader(lookupCSV), failingCardStore{})
	assert.ErrorIs(t, err, statestore.ErrUnavailable)
	assert.Zero(t, stats.Loaded)
}

const ledgerCSV = `card_id,member_id,amount,postcode,pos_id,transaction_dt,status
348702330256514,37495066290,9084849,33946,614677375609919,11-02-2018 00:00:00,GENUINE
348702330256514,37495066290,330148,33946,614677375609919,11-02-2018 00:00:00,genuine
348702330256514,37495066290,136052,33946,614677375609919,11-02-2018 00:00:00,SUSPECT
348702330256514,x,1,1,1,11-02-2018 00:00:00,FRAUD
`

func TestReadLedger(t *testing.T) {
	loadedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var rows []*txn.Scored
	stats, err := ReadLedger(strings.NewReader(ledgerCSV), loadedAt, func(row *txn.Scored) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Rows: 4, Loaded: 2, Skipped: 2}, stats)
	require.Len(t, rows, 2)

	assert.Equal(t, txn.VerdictGenuine, rows[1].Verdict)
	assert.Equal(t, 9084849.0, rows[0].Event.Amount)
	assert.Equal(t, time.Date(2018, 2, 11, 0, 0, 0, 0, time.UTC), rows[0].Event.TransactionAt)
	assert.NotEqual(t, rows[0].Key, rows[1].Key, "identical events get distinct keys")
}

func TestReadLedger_Headerless(t *testing.T) {
	body := "c1,1,10,10001,7,2018-02-11 00:00:00,FRAUD\n"
	var rows []*txn.Scored
	stats, err := ReadLedger(strings.NewReader(body), time.Now(), func(row *txn.Scored) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, txn.VerdictFraud, rows[0].Verdict)
}

func TestLoadLedger_IsIdempotent(t *testing.T) {
	store := statestore.NewMemoryStore()
	loadedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, err := LoadLedger(ctx, strings.NewReader(ledgerCSV), store, loadedAt)
	require.NoError(t, err)
	_, err = LoadLedger(ctx, strings.NewReader(ledgerCSV), store, loadedAt)
	require.NoError(t, err)

	assert.Equal(t, 2, store.LedgerLen())
}

type failingLedger struct{}

func (failingLedger) AppendTransaction(context.Context, *txn.Scored) error {
	return errors.New("disk full")
}

func TestLoadLedger_StopsOnStoreError(t *testing.T) {
	_, err := LoadLedger(context.Background(), strings.NewReader(ledgerCSV), failingLedger{}, time.Now())
	assert.ErrorContains(t, err, "disk full")
}
