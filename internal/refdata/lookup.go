package refdata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mbd888/cardguard/internal/statestore"
)

// Lookup CSV columns. The header is required; UCL is matched case-insensitively.
const (
	colCardID        = "card_id"
	colMemberID      = "member_id"
	colScore         = "score"
	colUCL           = "ucl"
	colPostcode      = "postcode"
	colTransactionDt = "transaction_dt"
	colAmount        = "amount"
	colPosID         = "pos_id"
	colStatus        = "status"
)

// LookupRecord is one parsed row of the lookup CSV.
type LookupRecord struct {
	CardID   string
	MemberID int64
	State    statestore.CardState
}

// ReadLookup parses card_id,member_id,score,UCL,postcode,transaction_dt rows
// and calls fn for each valid one. A row with an unparsable score or UCL is
// skipped. A row whose postcode or transaction_dt is missing or malformed is
// kept without a last position.
func ReadLookup(r io.Reader, fn func(LookupRecord) error) (Stats, error) {
	var stats Stats
	cr := newReader(r)
	first, err := cr.Read()
	if err != nil {
		return stats, fmt.Errorf("refdata: read lookup header: %w", err)
	}
	h, err := parseHeader(first, colCardID, colScore, colUCL)
	if err != nil {
		return stats, err
	}

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("refdata: read lookup row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++

		rec, ok := parseLookup(h, record)
		if !ok {
			stats.Skipped++
			continue
		}
		if err := fn(rec); err != nil {
			return stats, err
		}
		stats.Loaded++
	}
}

func parseLookup(h header, record []string) (LookupRecord, bool) {
	rec := LookupRecord{CardID: h.get(record, colCardID)}
	if rec.CardID == "" {
		return rec, false
	}
	score, err := parseFloat(h.get(record, colScore))
	if err != nil {
		return rec, false
	}
	ucl, err := parseFloat(h.get(record, colUCL))
	if err != nil {
		return rec, false
	}
	rec.State = statestore.CardState{Score: score, UCL: ucl}
	if member, err := parseInt(h.get(record, colMemberID)); err == nil {
		rec.MemberID = member
	}

	postcode, pcErr := parseInt(h.get(record, colPostcode))
	at, atErr := statestore.ParseStoredTime(h.get(record, colTransactionDt))
	if pcErr == nil && atErr == nil {
		rec.State = rec.State.WithPosition(int(postcode), at)
	}
	return rec, true
}

// SeedLookup writes every valid lookup row to store, replacing existing
// records. It stops at the first store error.
func SeedLookup(ctx context.Context, r io.Reader, store statestore.CardStore) (Stats, error) {
	return ReadLookup(r, func(rec LookupRecord) error {
		if err := store.PutCardState(ctx, rec.CardID, rec.State); err != nil {
			return fmt.Errorf("refdata: seed card %s: %w", rec.CardID, err)
		}
		return nil
	})
}
