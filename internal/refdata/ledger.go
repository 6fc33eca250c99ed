package refdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/txn"
)

// ledgerColumns is the column order assumed when the file has no header.
var ledgerColumns = []string{colCardID, colMemberID, colAmount, colPostcode, colPosID, colTransactionDt, colStatus}

// ReadLedger parses historical card_id,member_id,amount,postcode,pos_id,
// transaction_dt,status rows and calls fn with a ledger row for each valid
// one. The header line is optional.
//
// Row n is keyed with processedAt plus n nanoseconds, so rows stay distinct
// and loading the same file with the same processedAt is idempotent.
func ReadLedger(r io.Reader, processedAt time.Time, fn func(*txn.Scored) error) (Stats, error) {
	var stats Stats
	cr := newReader(r)
	h := make(header, len(ledgerColumns))
	for i, name := range ledgerColumns {
		h[name] = i
	}

	for line := 0; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("refdata: read ledger line %d: %w", line+1, err)
		}
		if line == 0 && len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), colCardID) {
			if h, err = parseHeader(record, ledgerColumns...); err != nil {
				return stats, err
			}
			continue
		}
		stats.Rows++

		row, ok := parseLedgerRow(h, record, processedAt.Add(time.Duration(stats.Rows)))
		if !ok {
			stats.Skipped++
			continue
		}
		if err := fn(row); err != nil {
			return stats, err
		}
		stats.Loaded++
	}
}

func parseLedgerRow(h header, record []string, processedAt time.Time) (*txn.Scored, bool) {
	raw := txn.RawEvent{
		CardID:   txn.Field(h.get(record, colCardID)),
		MemberID: txn.Field(h.get(record, colMemberID)),
		Amount:   txn.Field(h.get(record, colAmount)),
		Postcode: txn.Field(h.get(record, colPostcode)),
		PosID:    txn.Field(h.get(record, colPosID)),
	}
	at, err := statestore.ParseStoredTime(h.get(record, colTransactionDt))
	if err != nil {
		return nil, false
	}
	raw.TransactionDt = txn.Field(at.Format(txn.EventTimeLayout))

	ev, err := raw.Parse()
	if err != nil {
		return nil, false
	}
	verdict := txn.Verdict(strings.ToUpper(h.get(record, colStatus)))
	if !verdict.Valid() {
		return nil, false
	}
	return txn.NewScored(ev, verdict, processedAt), true
}

// LoadLedger appends every valid historical row to ledger. It stops at the
// first store error.
func LoadLedger(ctx context.Context, r io.Reader, ledger statestore.Ledger, processedAt time.Time) (Stats, error) {
	return ReadLedger(r, processedAt, func(row *txn.Scored) error {
		if err := ledger.AppendTransaction(ctx, row); err != nil {
			return fmt.Errorf("refdata: append %s: %w", row.Key, err)
		}
		return nil
	})
}
