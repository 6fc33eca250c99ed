// Package txn holds the card-transaction types shared by the scoring core,
// the state store, and the ingest adapters.
package txn

import (
	"fmt"
	"strconv"
	"time"
)

// Verdict is the terminal classification assigned to a transaction event.
type Verdict string

const (
	VerdictGenuine Verdict = "GENUINE"
	VerdictFraud   Verdict = "FRAUD"
	VerdictError   Verdict = "ERROR"
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictGenuine, VerdictFraud, VerdictError:
		return true
	}
	return false
}

// Timestamp layouts used at the system boundaries.
const (
	// EventTimeLayout is the upstream event format (dd-MM-yyyy HH:mm:ss).
	EventTimeLayout = "02-01-2006 15:04:05"
	// StoreTimeLayout is how timestamps are written to the state store.
	StoreTimeLayout = "2006-01-02 15:04:05"
	// processedAtLayout keeps ledger keys unique for repeated identical events.
	processedAtLayout = "20060102150405.000000000"
)

// Event is a single card transaction as delivered by the event source.
// Events are immutable once constructed.
type Event struct {
	CardID        string
	MemberID      int64
	Amount        float64
	Postcode      int
	PosID         int64
	TransactionAt time.Time // UTC, second precision
}

// Scored is the append-only ledger row written for every processed event.
type Scored struct {
	Key         string
	Event       Event
	Verdict     Verdict
	ProcessedAt time.Time
}

// NewScored builds a ledger row whose key is derived from the event content
// and the processing timestamp of the current attempt.
func NewScored(ev Event, verdict Verdict, processedAt time.Time) *Scored {
	processedAt = processedAt.UTC()
	return &Scored{
		Key:         LedgerKey(ev, processedAt),
		Event:       ev,
		Verdict:     verdict,
		ProcessedAt: processedAt,
	}
}

// LedgerKey returns card.member.txdt.processedAt.
func LedgerKey(ev Event, processedAt time.Time) string {
	return fmt.Sprintf("%s.%d.%s.%s",
		ev.CardID,
		ev.MemberID,
		ev.TransactionAt.UTC().Format(StoreTimeLayout),
		processedAt.UTC().Format(processedAtLayout),
	)
}

// Result is the per-event record emitted downstream.
type Result struct {
	CardID        string  `json:"card_id"`
	MemberID      int64   `json:"member_id"`
	Amount        float64 `json:"amount"`
	Postcode      int     `json:"postcode"`
	PosID         int64   `json:"pos_id"`
	TransactionDt string  `json:"transaction_dt"`
	Verdict       Verdict `json:"status"`
}

// Result converts the ledger row to its downstream representation.
func (s *Scored) Result() *Result {
	return &Result{
		CardID:        s.Event.CardID,
		MemberID:      s.Event.MemberID,
		Amount:        s.Event.Amount,
		Postcode:      s.Event.Postcode,
		PosID:         s.Event.PosID,
		TransactionDt: s.Event.TransactionAt.UTC().Format(StoreTimeLayout),
		Verdict:       s.Verdict,
	}
}

// FormatAmount renders an amount the way it is stored at the boundary.
func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
