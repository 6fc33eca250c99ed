package statestore

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/txn"
)

func TestEncodeDecodeCardState(t *testing.T) {
	at := time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC)
	in := CardState{Score: 750, UCL: 5000.5}.WithPosition(33946, at)

	fields := EncodeCardState(in)
	assert.Equal(t, map[string]string{
		FieldScore:         "750",
		FieldUCL:           "5000.5",
		FieldPostcode:      "33946",
		FieldTransactionDt: "2018-01-02 03:04:05",
	}, fields)

	out, err := DecodeCardState(fields)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeCardState_NoPosition(t *testing.T) {
	fields := EncodeCardState(CardState{Score: 300, UCL: 100})
	assert.NotContains(t, fields, FieldPostcode)
	assert.NotContains(t, fields, FieldTransactionDt)

	out, err := DecodeCardState(fields)
	require.NoError(t, err)
	assert.Nil(t, out.Last)
}

func TestDecodeCardState_EmptyRecordIsZero(t *testing.T) {
	out, err := DecodeCardState(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, CardState{}, out)
}

func TestDecodeCardState_AcceptedLayouts(t *testing.T) {
	want := time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, raw := range []string{
		"2018-01-02 03:04:05",
		"2018-01-02T03:04:05Z",
		"2018-01-02T03:04:05.000Z",
		"02-01-2018 03:04:05",
	} {
		out, err := DecodeCardState(map[string]string{
			FieldScore: "1", FieldUCL: "1", FieldPostcode: "33946.0", FieldTransactionDt: raw,
		})
		require.NoError(t, err, raw)
		require.NotNil(t, out.Last, raw)
		assert.True(t, want.Equal(out.Last.TransactionAt), raw)
		assert.Equal(t, 33946, out.Last.Postcode)
	}
}

func TestDecodeCardState_CorruptNumbersBecomeNaN(t *testing.T) {
	out, err := DecodeCardState(map[string]string{
		FieldScore: "seven hundred", FieldUCL: "500",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.True(t, math.IsNaN(out.Score))
	assert.Equal(t, 500.0, out.UCL)
}

func TestDecodeCardState_HalfPositionIsAbsent(t *testing.T) {
	out, err := DecodeCardState(map[string]string{
		FieldScore: "750", FieldUCL: "500", FieldPostcode: "10001",
	})
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Nil(t, out.Last)
	assert.Equal(t, 750.0, out.Score)

	out, err = DecodeCardState(map[string]string{
		FieldScore: "750", FieldUCL: "500", FieldPostcode: "10001", FieldTransactionDt: "yesterday",
	})
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Nil(t, out.Last)
}

func TestEncodeDecodeScored(t *testing.T) {
	ev := txn.Event{
		CardID:        "348702330256514",
		MemberID:      37495066290,
		Amount:        4380912,
		Postcode:      96774,
		PosID:         248063406800722,
		TransactionAt: time.Date(2017, 12, 31, 8, 24, 29, 0, time.UTC),
	}
	processed := time.Date(2024, 6, 1, 12, 0, 0, 123, time.UTC)
	row := txn.NewScored(ev, txn.VerdictFraud, processed)

	fields := EncodeScored(row)
	assert.Equal(t, "2017-12-31 08:24:29", fields[FieldTransactionDt])
	assert.Equal(t, "FRAUD", fields[FieldStatus])

	out, err := DecodeScored(row.Key, fields)
	require.NoError(t, err)
	assert.Equal(t, row.Key, out.Key)
	assert.Equal(t, ev, out.Event)
	assert.Equal(t, txn.VerdictFraud, out.Verdict)
	assert.True(t, processed.Equal(out.ProcessedAt))
}

func TestDecodeScored_Malformed(t *testing.T) {
	_, err := DecodeScored("k", map[string]string{
		FieldCardID: "c1", FieldMemberID: "1", FieldAmount: "x", FieldPostcode: "1",
		FieldPosID: "1", FieldTransactionDt: "2018-01-02 03:04:05",
	})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeScored("k", map[string]string{FieldCardID: "c1"})
	assert.ErrorIs(t, err, ErrCorrupt)
}
