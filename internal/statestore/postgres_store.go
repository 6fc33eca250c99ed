package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/cardguard/internal/txn"
)

// PostgresStore persists lookup records and ledger rows in PostgreSQL.
// Columns are TEXT so the stored encoding matches every other backend.
// The schema is owned by the goose migrations in migrations/ (cmd/migrate).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed state store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetCardState(ctx context.Context, cardID string) (CardState, error) {
	var (
		score, ucl             string
		postcode, transactedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT score, ucl, postcode, transaction_dt
		FROM card_lookup
		WHERE card_id = $1
	`, cardID).Scan(&score, &ucl, &postcode, &transactedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CardState{}, nil
	}
	if err != nil {
		return CardState{}, classifyPQ("get card state", err)
	}

	fields := map[string]string{FieldScore: score, FieldUCL: ucl}
	if postcode.Valid {
		fields[FieldPostcode] = postcode.String
	}
	if transactedAt.Valid {
		fields[FieldTransactionDt] = transactedAt.String
	}
	return DecodeCardState(fields)
}

func (s *PostgresStore) PutCardState(ctx context.Context, cardID string, state CardState) error {
	fields := EncodeCardState(state)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_lookup (card_id, score, ucl, postcode, transaction_dt, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (card_id) DO UPDATE SET
			score          = EXCLUDED.score,
			ucl            = EXCLUDED.ucl,
			postcode       = EXCLUDED.postcode,
			transaction_dt = EXCLUDED.transaction_dt,
			updated_at     = NOW()
	`,
		cardID,
		fields[FieldScore],
		fields[FieldUCL],
		nullable(fields[FieldPostcode]),
		nullable(fields[FieldTransactionDt]),
	)
	if err != nil {
		return classifyPQ("put card state", err)
	}
	return nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, row *txn.Scored) error {
	f := EncodeScored(row)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_transactions
			(row_key, card_id, member_id, amount, postcode, pos_id, transaction_dt, status, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (row_key) DO NOTHING
	`,
		row.Key,
		f[FieldCardID],
		f[FieldMemberID],
		f[FieldAmount],
		f[FieldPostcode],
		f[FieldPosID],
		f[FieldTransactionDt],
		f[FieldStatus],
		f[FieldProcessedAt],
	)
	if err != nil {
		return classifyPQ("append transaction", err)
	}
	return nil
}

// ListTransactions returns the most recent ledger rows for a card.
func (s *PostgresStore) ListTransactions(ctx context.Context, cardID string, limit int) ([]*txn.Scored, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_key, card_id, member_id, amount, postcode, pos_id, transaction_dt, status, processed_at
		FROM card_transactions
		WHERE card_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, cardID, limit)
	if err != nil {
		return nil, classifyPQ("list transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*txn.Scored
	for rows.Next() {
		var key, card, memberID, amount, postcode, posID, transactionDt, status, processedAt string
		if err := rows.Scan(&key, &card, &memberID, &amount, &postcode, &posID, &transactionDt, &status, &processedAt); err != nil {
			continue
		}
		row, err := DecodeScored(key, map[string]string{
			FieldCardID:        card,
			FieldMemberID:      memberID,
			FieldAmount:        amount,
			FieldPostcode:      postcode,
			FieldPosID:         posID,
			FieldTransactionDt: transactionDt,
			FieldStatus:        status,
			FieldProcessedAt:   processedAt,
		})
		if err != nil {
			continue
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPQ("list transactions", err)
	}
	return result, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// classifyPQ maps server-side errors that indicate a healthy connection
// (syntax, constraint, data errors) to permanent failures and everything
// else to ErrUnavailable.
func classifyPQ(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (shutdown, query canceled)
			return unavailable(op, err)
		}
		return fmt.Errorf("statestore: %s: %w", op, err)
	}
	return unavailable(op, err)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
