// Package velocity derives the distance and implied travel speed between a
// card's last recorded position and an incoming transaction.
package velocity

import (
	"time"

	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/txn"
)

// SpeedUndeterminable is reported when speed cannot be derived: no prior
// position, a postal code with no usable coordinate, or no elapsed time.
// Being negative, it never exceeds a speed threshold.
const SpeedUndeterminable = -1.0

// Locator resolves the distance in kilometers between two postal codes.
// *geo.Index satisfies it.
type Locator interface {
	Distance(from, to int) (km float64, ok bool)
}

// Result is the outcome of one evaluation. DistanceKm and ElapsedHours are
// meaningful only when their OK flag is set.
type Result struct {
	DistanceKm     float64 `json:"distanceKm"`
	DistanceOK     bool    `json:"distanceOk"`
	ElapsedHours   float64 `json:"elapsedHours"`
	ElapsedOK      bool    `json:"elapsedOk"`
	SpeedKmPerHour float64 `json:"speedKmPerHour"`
}

// Determinable reports whether the speed is a real measurement.
func (r Result) Determinable() bool {
	return r.SpeedKmPerHour != SpeedUndeterminable
}

// Evaluator computes velocity results against a Locator.
type Evaluator struct {
	geo Locator
}

// NewEvaluator creates an evaluator.
func NewEvaluator(geo Locator) *Evaluator {
	return &Evaluator{geo: geo}
}

// Evaluate never fails; anything it cannot measure is reported through the
// OK flags and SpeedUndeterminable.
func (e *Evaluator) Evaluate(ev txn.Event, prior statestore.CardState) Result {
	r := Result{SpeedKmPerHour: SpeedUndeterminable}
	if prior.Last == nil {
		return r
	}

	r.DistanceKm, r.DistanceOK = e.geo.Distance(prior.Last.Postcode, ev.Postcode)
	if !r.DistanceOK {
		r.DistanceKm = 0
	}

	elapsed := Elapsed(ev.TransactionAt, prior.Last.TransactionAt)
	r.ElapsedHours, r.ElapsedOK = elapsed.Hours(), true

	if r.DistanceOK && elapsed > 0 {
		r.SpeedKmPerHour = r.DistanceKm / r.ElapsedHours
	}
	return r
}

// Elapsed returns the absolute time between a and b.
func Elapsed(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
