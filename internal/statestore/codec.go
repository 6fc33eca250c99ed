package statestore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/cardguard/internal/txn"
)

// Lookup table fields.
const (
	FieldScore         = "score"
	FieldUCL           = "ucl"
	FieldPostcode      = "postcode"
	FieldTransactionDt = "transaction_dt"
)

// Ledger fields.
const (
	FieldCardID      = "card_id"
	FieldMemberID    = "member_id"
	FieldAmount      = "amount"
	FieldPosID       = "pos_id"
	FieldStatus      = "status"
	FieldProcessedAt = "processed_at"
)

// storedTimeLayouts are accepted when reading timestamps. Seeded reference
// data predates the canonical layout.
var storedTimeLayouts = []string{
	txn.StoreTimeLayout,
	time.RFC3339Nano,
	txn.EventTimeLayout,
}

// ParseStoredTime parses a stored timestamp in any accepted layout as UTC.
func ParseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range storedTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatNumber renders a float as a decimal string.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// EncodeCardState flattens a CardState to its textual fields. Position fields
// are omitted when the card has no recorded position.
func EncodeCardState(s CardState) map[string]string {
	fields := map[string]string{
		FieldScore: FormatNumber(s.Score),
		FieldUCL:   FormatNumber(s.UCL),
	}
	if s.Last != nil {
		fields[FieldPostcode] = strconv.Itoa(s.Last.Postcode)
		fields[FieldTransactionDt] = s.Last.TransactionAt.UTC().Format(txn.StoreTimeLayout)
	}
	return fields
}

// DecodeCardState rebuilds a CardState from textual fields. Missing score or
// UCL decode as zero. When some fields are malformed, the best-effort state is
// returned together with an error wrapping ErrCorrupt.
func DecodeCardState(fields map[string]string) (CardState, error) {
	var (
		s       CardState
		corrupt []string
	)

	var ok bool
	if s.Score, ok = decodeNumber(fields[FieldScore]); !ok {
		corrupt = append(corrupt, FieldScore)
	}
	if s.UCL, ok = decodeNumber(fields[FieldUCL]); !ok {
		corrupt = append(corrupt, FieldUCL)
	}

	pcRaw := strings.TrimSpace(fields[FieldPostcode])
	dtRaw := strings.TrimSpace(fields[FieldTransactionDt])
	switch {
	case pcRaw == "" && dtRaw == "":
		// no position yet
	case pcRaw == "" || dtRaw == "":
		corrupt = append(corrupt, FieldPostcode+"/"+FieldTransactionDt)
	default:
		pc, pcErr := parsePostcode(pcRaw)
		at, dtErr := ParseStoredTime(dtRaw)
		if pcErr != nil {
			corrupt = append(corrupt, FieldPostcode)
		}
		if dtErr != nil {
			corrupt = append(corrupt, FieldTransactionDt)
		}
		if pcErr == nil && dtErr == nil {
			s.Last = &Position{Postcode: pc, TransactionAt: at}
		}
	}

	if len(corrupt) > 0 {
		return s, fmt.Errorf("%w: malformed %s", ErrCorrupt, strings.Join(corrupt, ", "))
	}
	return s, nil
}

// EncodeScored flattens a ledger row to its textual fields.
func EncodeScored(row *txn.Scored) map[string]string {
	ev := row.Event
	return map[string]string{
		FieldCardID:        ev.CardID,
		FieldMemberID:      strconv.FormatInt(ev.MemberID, 10),
		FieldAmount:        txn.FormatAmount(ev.Amount),
		FieldPostcode:      strconv.Itoa(ev.Postcode),
		FieldPosID:         strconv.FormatInt(ev.PosID, 10),
		FieldTransactionDt: ev.TransactionAt.UTC().Format(txn.StoreTimeLayout),
		FieldStatus:        string(row.Verdict),
		FieldProcessedAt:   row.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeScored rebuilds a ledger row from its key and textual fields.
func DecodeScored(key string, fields map[string]string) (*txn.Scored, error) {
	raw := txn.RawEvent{
		CardID:   txn.Field(fields[FieldCardID]),
		MemberID: txn.Field(fields[FieldMemberID]),
		Amount:   txn.Field(fields[FieldAmount]),
		Postcode: txn.Field(fields[FieldPostcode]),
		PosID:    txn.Field(fields[FieldPosID]),
	}
	at, err := ParseStoredTime(fields[FieldTransactionDt])
	if err != nil {
		return nil, fmt.Errorf("%w: ledger row %s: %v", ErrCorrupt, key, err)
	}
	raw.TransactionDt = txn.Field(at.Format(txn.EventTimeLayout))

	ev, err := raw.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: ledger row %s: %v", ErrCorrupt, key, err)
	}

	row := &txn.Scored{Key: key, Event: ev, Verdict: txn.Verdict(fields[FieldStatus])}
	if p := fields[FieldProcessedAt]; p != "" {
		if t, err := time.Parse(time.RFC3339Nano, p); err == nil {
			row.ProcessedAt = t.UTC()
		}
	}
	return row, nil
}

// decodeNumber treats an empty value as zero. ok is false for anything that
// is not a finite decimal; the value is then NaN.
func decodeNumber(s string) (v float64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}

// parsePostcode accepts "33946" and the float-formatted "33946.0".
func parsePostcode(s string) (int, error) {
	if pc, err := strconv.Atoi(s); err == nil {
		return pc, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
		return 0, fmt.Errorf("postcode %q is not an integer", s)
	}
	return int(v), nil
}
