// Package courts describes the reservable courts the engine works against.
// Court CRUD lives elsewhere; the engine only reads.
package courts

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

type Court struct {
	ID         string
	FacilityID string
	Name       string
	// Grid is the fixed set of bookable ranges shown in the availability view.
	Grid []domain.TimeRange
}

type Catalog interface {
	Court(ctx context.Context, courtID string) (Court, error)
}

// HourlyGrid returns one-hour ranges from openHour up to closeHour.
func HourlyGrid(openHour, closeHour int) []domain.TimeRange {
	var grid []domain.TimeRange
	for h := openHour; h < closeHour; h++ {
		grid = append(grid, domain.TimeRange{StartMinute: h * 60, DurationMinutes: 60})
	}
	return grid
}

// StaticCatalog serves a fixed set of courts.
type StaticCatalog struct {
	mu     sync.RWMutex
	courts map[string]Court
}

func NewStaticCatalog(courts ...Court) *StaticCatalog {
	c := &StaticCatalog{courts: make(map[string]Court, len(courts))}
	for _, court := range courts {
		c.courts[court.ID] = court
	}
	return c
}

func (c *StaticCatalog) Put(court Court) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.courts[court.ID] = court
}

func (c *StaticCatalog) Court(_ context.Context, courtID string) (Court, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	court, ok := c.courts[courtID]
	if !ok {
		return Court{}, errors.Wrapf(domain.ErrCourtNotFound, "court %s", courtID)
	}
	return court, nil
}

type courtFile struct {
	Courts []struct {
		ID         string   `yaml:"id"`
		FacilityID string   `yaml:"facility_id"`
		Name       string   `yaml:"name"`
		OpenHour   int      `yaml:"open_hour"`
		CloseHour  int      `yaml:"close_hour"`
		Ranges     []string `yaml:"ranges"`
	} `yaml:"courts"`
}

// LoadStatic reads courts from a YAML file. A court lists either explicit
// "HH:MM-HH:MM" ranges or open/close hours for an hourly grid.
func LoadStatic(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read courts file")
	}
	var f courtFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse courts file")
	}
	if len(f.Courts) == 0 {
		return nil, errors.Newf("courts file %s lists no courts", path)
	}

	catalog := NewStaticCatalog()
	for _, c := range f.Courts {
		if c.ID == "" || c.FacilityID == "" {
			return nil, errors.Wrap(domain.ErrInvalidInput, "court needs id and facility_id")
		}
		grid := HourlyGrid(c.OpenHour, c.CloseHour)
		if len(c.Ranges) > 0 {
			grid = grid[:0]
			for _, label := range c.Ranges {
				r, err := domain.ParseTimeRange(label)
				if err != nil {
					return nil, errors.Wrapf(err, "court %s", c.ID)
				}
				grid = append(grid, r)
			}
		}
		if len(grid) == 0 {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "court %s has an empty grid", c.ID)
		}
		catalog.Put(Court{ID: c.ID, FacilityID: c.FacilityID, Name: c.Name, Grid: grid})
	}
	return catalog, nil
}
