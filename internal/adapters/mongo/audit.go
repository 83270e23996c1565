package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/reservation"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	UserID    string    `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action, userID string, at time.Time, data bson.M) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    userID,
		Timestamp: at,
		Data:      data,
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return err
	}
	return nil
}

// Record stores one booking transition as "booking.<to>".
func (a *AuditLogger) Record(ctx context.Context, t reservation.Transition) error {
	return a.LogEvent(ctx, "booking."+string(t.To), t.UserID, t.At, transitionData(t))
}

func transitionData(t reservation.Transition) bson.M {
	data := bson.M{
		"booking_id": t.BookingID,
		"from":       string(t.From),
		"to":         string(t.To),
		"actor":      string(t.Actor),
	}
	if t.Reason != "" {
		data["reason"] = t.Reason
	}
	if t.Refund != nil {
		data["refund"] = bson.M{
			"amount":     t.Refund.RefundAmount,
			"percentage": t.Refund.RefundPercentage,
			"reason":     t.Refund.ReasonCode,
		}
	}
	return data
}
