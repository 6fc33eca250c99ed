// Package ingest adapts the transaction event stream to the scoring core:
// it decodes message envelopes, feeds the dispatcher, emits verdicts to a
// Sink and commits consumer offsets once events reach a terminal outcome.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/cardguard/internal/txn"
)

// ErrMalformedEnvelope is returned when a payload holds no decodable event.
var ErrMalformedEnvelope = errors.New("ingest: malformed envelope")

var escapedQuote = []byte(`\"`)

// DecodeEvent extracts a transaction event from a message payload.
//
// Producers upstream are inconsistent: some send a bare JSON object, some a
// JSON string holding the object, and some wrap it in log noise. Escaped
// quotes are unescaped and the span from the first '{' to the last '}' is
// decoded.
func DecodeEvent(payload []byte) (txn.Event, error) {
	body, err := extractObject(payload)
	if err != nil {
		return txn.Event{}, err
	}
	var raw txn.RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return txn.Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	ev, err := raw.Parse()
	if err != nil {
		return txn.Event{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return ev, nil
}

func extractObject(payload []byte) ([]byte, error) {
	cleaned := bytes.ReplaceAll(bytes.TrimSpace(payload), escapedQuote, []byte(`"`))
	start := bytes.IndexByte(cleaned, '{')
	end := bytes.LastIndexByte(cleaned, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in %d-byte payload", ErrMalformedEnvelope, len(payload))
	}
	return cleaned[start : end+1], nil
}
