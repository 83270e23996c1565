// Package refund computes how much of a paid booking is returned on cancellation.
package refund

import (
	"os"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

const (
	ReasonEarlyCancel    = "early_cancel"
	ReasonLateCancel     = "late_cancel"
	ReasonOwnerCancel    = "owner_cancel"
	ReasonNoRefundWindow = "no_refund_window"
	ReasonPastStart      = "past_start"
	ReasonNotPaid        = "not_paid"
)

// Outcome is derived on demand and never stored on its own.
type Outcome struct {
	RefundAmount     int64  `json:"refund_amount"`
	RefundPercentage int    `json:"refund_percentage"`
	ReasonCode       string `json:"reason_code"`
}

// Tier applies when hoursUntilStart >= MinHours. Facility* fields, when set,
// override the tier for owner and staff cancellations.
type Tier struct {
	MinHours           float64 `yaml:"min_hours"`
	Percentage         int     `yaml:"percentage"`
	Reason             string  `yaml:"reason"`
	FacilityPercentage *int    `yaml:"facility_percentage,omitempty"`
	FacilityReason     string  `yaml:"facility_reason,omitempty"`
}

type Policy struct {
	Tiers           []Tier `yaml:"tiers"`
	PastStartReason string `yaml:"past_start_reason"`
}

func DefaultPolicy() Policy {
	full := 100
	return Policy{
		Tiers: []Tier{
			{MinHours: 24, Percentage: 100, Reason: ReasonEarlyCancel},
			{MinHours: 12, Percentage: 50, Reason: ReasonLateCancel},
			{MinHours: 0, Percentage: 0, Reason: ReasonNoRefundWindow, FacilityPercentage: &full, FacilityReason: ReasonOwnerCancel},
		},
		PastStartReason: ReasonPastStart,
	}
}

// LoadPolicy reads a tier table from a YAML file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, errors.Wrap(err, "read refund policy")
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, errors.Wrap(err, "parse refund policy")
	}
	if p.PastStartReason == "" {
		p.PastStartReason = ReasonPastStart
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return errors.New("refund policy needs at least one tier")
	}
	for _, t := range p.Tiers {
		if t.Percentage < 0 || t.Percentage > 100 {
			return errors.Newf("tier %q: percentage %d out of range", t.Reason, t.Percentage)
		}
		if t.FacilityPercentage != nil && (*t.FacilityPercentage < 0 || *t.FacilityPercentage > 100) {
			return errors.Newf("tier %q: facility percentage %d out of range", t.Reason, *t.FacilityPercentage)
		}
		if t.Reason == "" {
			return errors.New("every tier needs a reason code")
		}
		if t.MinHours < 0 {
			return errors.Newf("tier %q: min_hours must not be negative", t.Reason)
		}
	}
	return nil
}

type Engine struct {
	tiers     []Tier
	pastStart string
}

func NewEngine(p Policy) *Engine {
	tiers := append([]Tier(nil), p.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinHours > tiers[j].MinHours })
	pastStart := p.PastStartReason
	if pastStart == "" {
		pastStart = ReasonPastStart
	}
	return &Engine{tiers: tiers, pastStart: pastStart}
}

// Compute returns the refund a cancellation by actor at now would earn. It
// never mutates the booking.
func (e *Engine) Compute(b domain.Booking, now time.Time, actor domain.Actor) Outcome {
	if b.PaymentStatus != domain.PaymentPaid {
		return Outcome{ReasonCode: ReasonNotPaid}
	}
	hours := b.StartsAt.Sub(now).Hours()
	for _, t := range e.tiers {
		if hours < t.MinHours {
			continue
		}
		pct, reason := t.Percentage, t.Reason
		if actor.FacilitySide() && t.FacilityPercentage != nil {
			pct, reason = *t.FacilityPercentage, t.FacilityReason
		}
		return Outcome{RefundAmount: Amount(b.TotalAmount, pct), RefundPercentage: pct, ReasonCode: reason}
	}
	return Outcome{ReasonCode: e.pastStart}
}

// Amount is total*pct/100 rounded half away from zero to the smallest currency unit.
func Amount(total int64, pct int) int64 {
	return decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
