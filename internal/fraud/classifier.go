// Package fraud implements the submission-time fraud classifier.
//
// The classifier runs three rules in a fixed order and the first rule that
// reaches a verdict wins:
//
//  1. high value: amount above 5000 is flagged
//  2. location velocity: a prior transaction from a different location inside
//     the last 60 minutes is flagged
//  3. foreign country: the location's country must match the user's home
//     country, directly or through an alias group
//
// Classification is advisory. Administrators may override the verdict later.
package fraud

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidAmount is returned for zero or negative amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// VelocityWindow is how far back the location velocity rule looks.
const VelocityWindow = 60 * time.Minute

// HighValueThreshold is the amount above which a transaction is flagged outright.
var HighValueThreshold = decimal.NewFromInt(5000)

// Reasons recorded alongside the verdict.
const (
	ReasonHighValue         = "high_value"
	ReasonLocationVelocity  = "location_velocity"
	ReasonNoHomeCountry     = "no_home_country"
	ReasonNoLocationCountry = "no_location_country"
	ReasonHomeCountry       = "home_country"
	ReasonCountryAlias      = "country_alias"
	ReasonForeignCountry    = "foreign_country"
)

// Prior is a previously persisted transaction of the same user.
type Prior struct {
	Location  string
	Timestamp time.Time
}

// Input holds everything the classifier looks at.
type Input struct {
	Amount      decimal.Decimal
	Location    string
	UserCountry string
	// History is the user's earlier transactions, in any order.
	History []Prior
}

// Decision is the classifier verdict.
type Decision struct {
	Status domain.Status `json:"status"`
	Reason string        `json:"reason"`
}

// rule returns ok=false when it has no opinion and evaluation continues.
type rule struct {
	name  string
	check func(in Input, now time.Time) (Decision, bool)
}

var orderedRules = []rule{
	{name: "high_value", check: checkHighValue},
	{name: "location_velocity", check: checkLocationVelocity},
	{name: "foreign_country", check: checkForeignCountry},
}

// Classifier assigns the initial review status of a transaction.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	now func() time.Time
}

// New creates a classifier using the wall clock.
func New() *Classifier {
	return &Classifier{now: time.Now}
}

// NewWithClock creates a classifier with an injected clock.
func NewWithClock(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now}
}

var defaultClassifier = New()

// Classify runs the default wall-clock classifier.
func Classify(in Input) (Decision, error) {
	return defaultClassifier.Classify(in)
}

// Classify evaluates the rules in order and returns the first verdict.
func (c *Classifier) Classify(in Input) (Decision, error) {
	if !in.Amount.IsPositive() {
		return Decision{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, in.Amount.String())
	}

	now := c.now()
	for _, r := range orderedRules {
		if d, ok := r.check(in, now); ok {
			return d, nil
		}
	}

	// checkForeignCountry always decides; kept for completeness.
	return Decision{Status: domain.StatusPending, Reason: ReasonHomeCountry}, nil
}

func checkHighValue(in Input, _ time.Time) (Decision, bool) {
	if in.Amount.GreaterThan(HighValueThreshold) {
		return flagged(ReasonHighValue), true
	}
	return Decision{}, false
}

func checkLocationVelocity(in Input, now time.Time) (Decision, bool) {
	cutoff := now.Add(-VelocityWindow)
	for _, p := range in.History {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		if !strings.EqualFold(p.Location, in.Location) {
			return flagged(ReasonLocationVelocity), true
		}
	}
	return Decision{}, false
}

func checkForeignCountry(in Input, _ time.Time) (Decision, bool) {
	userCountry := NormalizeCountry(in.UserCountry)
	if userCountry == "" {
		return pending(ReasonNoHomeCountry), true
	}

	locationCountry := LocationCountry(in.Location)
	if locationCountry == "" {
		return pending(ReasonNoLocationCountry), true
	}

	if userCountry == locationCountry {
		return pending(ReasonHomeCountry), true
	}
	if sameAliasGroup(userCountry, locationCountry) {
		return pending(ReasonCountryAlias), true
	}
	return flagged(ReasonForeignCountry), true
}

func flagged(reason string) Decision {
	return Decision{Status: domain.StatusFlagged, Reason: reason}
}

func pending(reason string) Decision {
	return Decision{Status: domain.StatusPending, Reason: reason}
}
