package ingest

import (
	"context"
	"log/slog"

	"github.com/mbd888/cardguard/internal/txn"
)

// Sink receives one verdict record per scored event.
type Sink interface {
	Emit(ctx context.Context, res *txn.Result) error
}

// LogSink writes verdicts to a structured logger. It is the console output
// used when no results topic is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs res at info level, or warn for non-genuine verdicts.
func (s *LogSink) Emit(ctx context.Context, res *txn.Result) error {
	level := slog.LevelInfo
	if res.Verdict != txn.VerdictGenuine {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "verdict",
		"card_id", res.CardID,
		"member_id", res.MemberID,
		"amount", res.Amount,
		"postcode", res.Postcode,
		"pos_id", res.PosID,
		"transaction_dt", res.TransactionDt,
		"status", string(res.Verdict),
	)
	return nil
}
