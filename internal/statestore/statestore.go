// Package statestore persists the mutable per-card lookup records and the
// append-only ledger of scored transactions.
//
// Two logical tables back the scorer:
//
//   - the lookup table, keyed by card id: score, UCL, last postcode and last
//     transaction time of the most recent GENUINE transaction;
//   - the ledger, keyed by a composite string: one row per scored event.
//
// Every backend stores fields as text and shares the codec in codec.go.
// A missing card is not an error: GetCardState returns the zero CardState.
// A store that cannot be reached returns an error wrapping ErrUnavailable.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/cardguard/internal/txn"
)

// Errors
var (
	// ErrUnavailable marks transient connectivity failures and timeouts.
	// Callers must fail the event and have it redelivered.
	ErrUnavailable = errors.New("statestore: store unavailable")

	// ErrCorrupt is returned alongside a best-effort CardState when the stored
	// record has malformed fields. Malformed score/UCL decode as NaN and
	// a malformed position decodes as absent.
	ErrCorrupt = errors.New("statestore: corrupt record")
)

// Position is the location and time of the last GENUINE transaction.
type Position struct {
	Postcode      int       `json:"postcode"`
	TransactionAt time.Time `json:"transactionAt"`
}

// CardState is the per-card lookup record.
type CardState struct {
	Score float64   `json:"score"`
	UCL   float64   `json:"ucl"`
	Last  *Position `json:"last,omitempty"` // nil until the first GENUINE transaction
}

// WithPosition returns a copy of s whose last position is the given event's.
func (s CardState) WithPosition(postcode int, at time.Time) CardState {
	s.Last = &Position{Postcode: postcode, TransactionAt: at.UTC()}
	return s
}

// CardStore reads and replaces lookup records.
type CardStore interface {
	// GetCardState returns the zero CardState when cardID is absent.
	GetCardState(ctx context.Context, cardID string) (CardState, error)
	// PutCardState replaces the stored record wholesale.
	PutCardState(ctx context.Context, cardID string, state CardState) error
}

// Ledger appends scored transactions. Rows are never overwritten; appending a
// key that already exists is a no-op so that a retried attempt is safe.
type Ledger interface {
	AppendTransaction(ctx context.Context, row *txn.Scored) error
}

// Store is the full state store consumed by the scoring pipeline.
type Store interface {
	CardStore
	Ledger
}

// TransactionLister is implemented by backends that can list a card's
// ledger rows, most recent first.
type TransactionLister interface {
	ListTransactions(ctx context.Context, cardID string, limit int) ([]*txn.Scored, error)
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func unavailable(op string, err error) error {
	return &opError{op: op, err: err}
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return "statestore: " + e.op + ": " + e.err.Error() }

func (e *opError) Unwrap() []error { return []error{ErrUnavailable, e.err} }
