package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/refund"
	"github.com/robertarktes/court-slot-reservations/internal/reservation"
)

func TestTransitionData(t *testing.T) {
	tr := reservation.Transition{
		BookingID: "B1",
		UserID:    "U1",
		From:      domain.StatusConfirmed,
		To:        domain.StatusCancelled,
		Actor:     domain.ActorOwner,
		Reason:    "rain",
		Refund:    &refund.Outcome{RefundAmount: 4000, RefundPercentage: 100, ReasonCode: refund.ReasonOwnerCancel},
		At:        time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	data := transitionData(tr)
	assert.Equal(t, "confirmed", data["from"])
	assert.Equal(t, "cancelled", data["to"])
	assert.Equal(t, "owner", data["actor"])
	assert.Equal(t, "rain", data["reason"])
	assert.Equal(t, bson.M{"amount": int64(4000), "percentage": 100, "reason": "owner_cancel"}, data["refund"])

	tr.Refund, tr.Reason = nil, ""
	data = transitionData(tr)
	assert.NotContains(t, data, "refund")
	assert.NotContains(t, data, "reason")
}

func TestCourtDoc_ToCourt(t *testing.T) {
	doc := CourtDoc{ID: "C1", FacilityID: "F1", Name: "Court 1", Grid: []RangeDoc{{StartMinute: 420, DurationMinutes: 60}}}
	court, err := doc.toCourt()
	assert.NoError(t, err)
	assert.Equal(t, "F1", court.FacilityID)
	assert.Equal(t, "07:00-08:00", court.Grid[0].Label())

	doc.Grid = append(doc.Grid, RangeDoc{StartMinute: 1430, DurationMinutes: 60})
	_, err = doc.toCourt()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
