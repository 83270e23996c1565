package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/court-slot-reservations/internal/courts"
	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

// CourtCatalog reads courts from the "courts" collection.
type CourtCatalog struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCourtCatalog(db *mongo.Database, logger observability.Logger) *CourtCatalog {
	return &CourtCatalog{
		coll:   db.Collection("courts"),
		logger: logger,
	}
}

type CourtDoc struct {
	ID         string     `bson:"_id"`
	FacilityID string     `bson:"facility_id"`
	Name       string     `bson:"name"`
	Grid       []RangeDoc `bson:"grid"`
	CreatedAt  time.Time  `bson:"created_at"`
	UpdatedAt  time.Time  `bson:"updated_at"`
}

type RangeDoc struct {
	StartMinute     int `bson:"start_minute"`
	DurationMinutes int `bson:"duration_minutes"`
}

func (c *CourtCatalog) Court(ctx context.Context, courtID string) (courts.Court, error) {
	var doc CourtDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": courtID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return courts.Court{}, errors.Wrapf(domain.ErrCourtNotFound, "court %s", courtID)
	}
	if err != nil {
		c.logger.WithError(err).WithField("court_id", courtID).Error("failed to get court")
		return courts.Court{}, errors.Wrap(err, "find court")
	}
	return doc.toCourt()
}

// PutCourt upserts a court, keeping its original creation time.
func (c *CourtCatalog) PutCourt(ctx context.Context, court courts.Court) error {
	now := time.Now().UTC()
	grid := make([]RangeDoc, len(court.Grid))
	for i, r := range court.Grid {
		grid[i] = RangeDoc{StartMinute: r.StartMinute, DurationMinutes: r.DurationMinutes}
	}
	_, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": court.ID},
		bson.M{
			"$set": bson.M{
				"facility_id": court.FacilityID,
				"name":        court.Name,
				"grid":        grid,
				"updated_at":  now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithError(err).WithField("court_id", court.ID).Error("failed to put court")
		return errors.Wrap(err, "upsert court")
	}
	return nil
}

func (d CourtDoc) toCourt() (courts.Court, error) {
	grid := make([]domain.TimeRange, 0, len(d.Grid))
	for _, r := range d.Grid {
		tr, err := domain.NewTimeRange(r.StartMinute, r.DurationMinutes)
		if err != nil {
			return courts.Court{}, errors.Wrapf(err, "court %s grid", d.ID)
		}
		grid = append(grid, tr)
	}
	return courts.Court{ID: d.ID, FacilityID: d.FacilityID, Name: d.Name, Grid: grid}, nil
}
