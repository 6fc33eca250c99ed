package statestore

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/cardguard/internal/txn"
)

// MemoryStore is an in-memory Store for demo/test use. Records are kept in
// their textual form so that the codec is exercised exactly as with a real
// backend.
type MemoryStore struct {
	mu     sync.RWMutex
	cards  map[string]map[string]string
	ledger map[string]map[string]string
	order  []string // ledger keys in append order
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:  make(map[string]map[string]string),
		ledger: make(map[string]map[string]string),
	}
}

func (s *MemoryStore) GetCardState(ctx context.Context, cardID string) (CardState, error) {
	if err := ctx.Err(); err != nil {
		return CardState{}, unavailable("get card state", err)
	}
	s.mu.RLock()
	fields, ok := s.cards[cardID]
	s.mu.RUnlock()
	if !ok {
		return CardState{}, nil
	}
	return DecodeCardState(fields)
}

func (s *MemoryStore) PutCardState(ctx context.Context, cardID string, state CardState) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put card state", err)
	}
	fields := EncodeCardState(state)
	s.mu.Lock()
	s.cards[cardID] = fields
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, row *txn.Scored) error {
	if err := ctx.Err(); err != nil {
		return unavailable("append transaction", err)
	}
	fields := EncodeScored(row)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ledger[row.Key]; exists {
		return nil
	}
	s.ledger[row.Key] = fields
	s.order = append(s.order, row.Key)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// PutRawCard stores textual fields verbatim, bypassing the codec. Used to
// seed reference data and to simulate corrupted records.
func (s *MemoryStore) PutRawCard(cardID string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.mu.Lock()
	s.cards[cardID] = cp
	s.mu.Unlock()
}

// RawCard returns a copy of the stored textual fields for cardID.
func (s *MemoryStore) RawCard(cardID string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.cards[cardID]
	if !ok {
		return nil, false
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp, true
}

// Transactions returns the ledger rows for cardID in append order.
func (s *MemoryStore) Transactions(cardID string) []*txn.Scored {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*txn.Scored
	for _, key := range s.order {
		fields := s.ledger[key]
		if fields[FieldCardID] != cardID {
			continue
		}
		row, err := DecodeScored(key, fields)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// ListTransactions returns up to limit ledger rows for cardID, most recent first.
func (s *MemoryStore) ListTransactions(ctx context.Context, cardID string, limit int) ([]*txn.Scored, error) {
	rows := s.Transactions(cardID)
	start := len(rows) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*txn.Scored, 0, len(rows)-start)
	for i := len(rows) - 1; i >= start; i-- {
		result = append(result, rows[i])
	}
	return result, nil
}

// LedgerLen returns the total number of ledger rows.
func (s *MemoryStore) LedgerLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// CardIDs returns all card ids with a lookup record, sorted.
func (s *MemoryStore) CardIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.cards))
	for id := range s.cards {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
