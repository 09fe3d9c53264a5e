// Package lead defines the records the scoring pipeline reads from the lead
// and event stores: leads awaiting a score, behavioral events, and the
// marketing attribution captured with each event.
package lead

import (
	"math"
	"time"
)

// Known event types emitted by the tracker.
const (
	EventTrialSignup         = "trial_signup"
	EventUserVerified        = "user_verified"
	EventProjectCreated      = "project_created"
	EventSubscriptionStarted = "subscription_started"
)

// KnownEventTypes lists the event types the production model was trained on.
var KnownEventTypes = []string{
	EventProjectCreated,
	EventSubscriptionStarted,
	EventTrialSignup,
	EventUserVerified,
}

// Lead is a prospective or trial user. Score is nil until the pipeline has
// written one.
type Lead struct {
	ID        string
	VisitorID string
	Plan      string
	Status    string
	Score     *float64
}

// Event is a single behavioral record tied to a visitor.
type Event struct {
	VisitorID  string
	Type       string
	Timestamp  time.Time
	FirstTouch Attribution
	LastTouch  Attribution
}

// ScorePrecision is the number of decimal digits persisted for a score.
const ScorePrecision = 4

// RoundScore rounds p to ScorePrecision decimals, half away from zero. Ties
// follow the decimal literal rather than the stored binary value, so 0.28785
// rounds to 0.2879.
func RoundScore(p float64) float64 {
	scale := math.Pow10(ScorePrecision)
	return math.Round(p*scale) / scale
}
