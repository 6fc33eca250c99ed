// Package fraud implements the threshold rules that classify a card
// transaction from four scalar inputs: amount, spending ceiling (UCL),
// credit score and implied travel speed.
//
// Classification is pure. It never touches a store or a clock, so the same
// inputs always produce the same outcome.
package fraud

import (
	"math"
	"strconv"
	"strings"
)

// Outcome is the classifier's verdict on a set of inputs.
type Outcome string

const (
	OutcomeGenuine      Outcome = "genuine"
	OutcomeFraud        Outcome = "fraud"
	OutcomeInvalidInput Outcome = "invalid_input"
)

// Rule thresholds.
const (
	// MinScore is the lowest credit score that is not flagged.
	MinScore = 200.0
	// MaxSpeedKmPerHour is the fastest plausible travel speed between two
	// consecutive card-present transactions.
	MaxSpeedKmPerHour = 900.0
)

// Reason names a rule that flagged a transaction.
type Reason string

const (
	ReasonAmountOverCeiling Reason = "amount_over_ucl"
	ReasonLowScore          Reason = "low_score"
	ReasonImpossibleTravel  Reason = "impossible_travel"
)

// Classify returns OutcomeInvalidInput if any input is NaN or infinite,
// OutcomeFraud if at least one rule fires, and OutcomeGenuine otherwise.
//
// A negative speed is the "undeterminable" sentinel and never exceeds the
// speed threshold.
func Classify(amount, ceiling, score, speedKmPerHour float64) Outcome {
	if !finite(amount, ceiling, score, speedKmPerHour) {
		return OutcomeInvalidInput
	}
	if len(Reasons(amount, ceiling, score, speedKmPerHour)) > 0 {
		return OutcomeFraud
	}
	return OutcomeGenuine
}

// ClassifyText parses each input as a decimal number before classifying.
// Any parse failure yields OutcomeInvalidInput.
func ClassifyText(amount, ceiling, score, speedKmPerHour string) Outcome {
	vals := make([]float64, 0, 4)
	for _, s := range []string{amount, ceiling, score, speedKmPerHour} {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return OutcomeInvalidInput
		}
		vals = append(vals, v)
	}
	return Classify(vals[0], vals[1], vals[2], vals[3])
}

// Reasons lists the rules that fire for the given inputs. It returns nil for
// genuine or invalid inputs.
func Reasons(amount, ceiling, score, speedKmPerHour float64) []Reason {
	if !finite(amount, ceiling, score, speedKmPerHour) {
		return nil
	}
	var reasons []Reason
	if amount > ceiling {
		reasons = append(reasons, ReasonAmountOverCeiling)
	}
	if score < MinScore {
		reasons = append(reasons, ReasonLowScore)
	}
	if speedKmPerHour > MaxSpeedKmPerHour {
		reasons = append(reasons, ReasonImpossibleTravel)
	}
	return reasons
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
