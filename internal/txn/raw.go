package txn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEvent is returned when a raw event cannot be converted into an Event.
var ErrMalformedEvent = errors.New("txn: malformed event")

// Field is a JSON scalar that may arrive quoted or bare.
type Field string

// UnmarshalJSON accepts strings, numbers and null.
func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = Field(n.String())
	return nil
}

// RawEvent is the wire shape of a transaction event: every field is textual.
type RawEvent struct {
	CardID        Field `json:"card_id"`
	MemberID      Field `json:"member_id"`
	Amount        Field `json:"amount"`
	Postcode      Field `json:"postcode"`
	PosID         Field `json:"pos_id"`
	TransactionDt Field `json:"transaction_dt"`
}

// Parse converts the raw fields into a typed Event.
func (r RawEvent) Parse() (Event, error) {
	var ev Event

	ev.CardID = strings.TrimSpace(string(r.CardID))
	if ev.CardID == "" {
		return Event{}, fmt.Errorf("%w: card_id is required", ErrMalformedEvent)
	}

	memberID, err := parseInt64("member_id", r.MemberID)
	if err != nil {
		return Event{}, err
	}
	ev.MemberID = memberID

	amount, err := strconv.ParseFloat(strings.TrimSpace(string(r.Amount)), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Event{}, fmt.Errorf("%w: amount %q is not a number", ErrMalformedEvent, r.Amount)
	}
	ev.Amount = amount

	postcode, err := parseInt64("postcode", r.Postcode)
	if err != nil {
		return Event{}, err
	}
	ev.Postcode = int(postcode)

	posID, err := parseInt64("pos_id", r.PosID)
	if err != nil {
		return Event{}, err
	}
	ev.PosID = posID

	at, err := time.ParseInLocation(EventTimeLayout, strings.TrimSpace(string(r.TransactionDt)), time.UTC)
	if err != nil {
		return Event{}, fmt.Errorf("%w: transaction_dt %q: want dd-MM-yyyy HH:mm:ss", ErrMalformedEvent, r.TransactionDt)
	}
	ev.TransactionAt = at

	return ev, nil
}

// Raw renders an Event back into its wire shape.
func (e Event) Raw() RawEvent {
	return RawEvent{
		CardID:        Field(e.CardID),
		MemberID:      Field(strconv.FormatInt(e.MemberID, 10)),
		Amount:        Field(FormatAmount(e.Amount)),
		Postcode:      Field(strconv.Itoa(e.Postcode)),
		PosID:         Field(strconv.FormatInt(e.PosID, 10)),
		TransactionDt: Field(e.TransactionAt.UTC().Format(EventTimeLayout)),
	}
}

// parseInt64 accepts integral values, including the "123.0" form produced by
// spreadsheet exports.
func parseInt64(name string, f Field) (int64, error) {
	s := strings.TrimSpace(string(f))
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) || math.IsInf(v, 0) || math.Abs(v) > 1<<53 {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrMalformedEvent, name, s)
	}
	return int64(v), nil
}
