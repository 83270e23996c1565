package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const MinutesPerDay = 24 * 60

// TimeRange is a half-open [start, start+duration) interval inside one day.
// Fixed-grid labels such as "17:00-18:00" parse into the same representation.
type TimeRange struct {
	StartMinute     int
	DurationMinutes int
}

func NewTimeRange(startMinute, durationMinutes int) (TimeRange, error) {
	if startMinute < 0 || durationMinutes <= 0 || startMinute+durationMinutes > MinutesPerDay {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "time range start=%d duration=%d", startMinute, durationMinutes)
	}
	return TimeRange{StartMinute: startMinute, DurationMinutes: durationMinutes}, nil
}

// ParseTimeRange parses a grid label of the form "HH:MM-HH:MM".
func ParseTimeRange(label string) (TimeRange, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(label), "-")
	if !ok {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "time range %q", label)
	}
	start, err := parseClock(from)
	if err != nil {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "time range %q", label)
	}
	end, err := parseClock(to)
	if err != nil {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "time range %q", label)
	}
	return NewTimeRange(start, end-start)
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, errors.New("missing colon")
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, errors.Newf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

func (r TimeRange) EndMinute() int {
	return r.StartMinute + r.DurationMinutes
}

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.StartMinute < o.EndMinute() && o.StartMinute < r.EndMinute()
}

func (r TimeRange) Label() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", r.StartMinute/60, r.StartMinute%60, r.EndMinute()/60, r.EndMinute()%60)
}

// Key is the compact storage form "start:duration".
func (r TimeRange) Key() string {
	return strconv.Itoa(r.StartMinute) + ":" + strconv.Itoa(r.DurationMinutes)
}

func ParseTimeRangeKey(key string) (TimeRange, error) {
	s, d, ok := strings.Cut(key, ":")
	if !ok {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "range key %q", key)
	}
	start, err := strconv.Atoi(s)
	if err != nil {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "range key %q", key)
	}
	dur, err := strconv.Atoi(d)
	if err != nil {
		return TimeRange{}, errors.Wrapf(ErrInvalidInput, "range key %q", key)
	}
	return NewTimeRange(start, dur)
}

// SlotIdentity identifies one reservable unit: a court, a day and a time range.
type SlotIdentity struct {
	CourtID string
	Date    Date
	Range   TimeRange
}

func NewSlot(courtID string, date Date, r TimeRange) (SlotIdentity, error) {
	if strings.TrimSpace(courtID) == "" || strings.ContainsAny(courtID, "|") {
		return SlotIdentity{}, errors.Wrapf(ErrInvalidInput, "court id %q", courtID)
	}
	if date.IsZero() {
		return SlotIdentity{}, errors.Wrap(ErrInvalidInput, "date is required")
	}
	if _, err := NewTimeRange(r.StartMinute, r.DurationMinutes); err != nil {
		return SlotIdentity{}, err
	}
	return SlotIdentity{CourtID: courtID, Date: date, Range: r}, nil
}

// Conflicts reports whether two slots compete for the same court time.
func (s SlotIdentity) Conflicts(o SlotIdentity) bool {
	return s.CourtID == o.CourtID && s.Date == o.Date && s.Range.Overlaps(o.Range)
}

// DayKey groups every slot of one court on one day.
func (s SlotIdentity) DayKey() string {
	return DayKey(s.CourtID, s.Date)
}

func DayKey(courtID string, date Date) string {
	return courtID + "|" + date.String()
}

func (s SlotIdentity) Key() string {
	return s.DayKey() + "|" + s.Range.Key()
}

func (s SlotIdentity) String() string {
	return s.CourtID + " " + s.Date.String() + " " + s.Range.Label()
}

func (s SlotIdentity) StartAt(loc *time.Location) time.Time {
	return s.Date.In(loc).Add(time.Duration(s.Range.StartMinute) * time.Minute)
}

func (s SlotIdentity) EndAt(loc *time.Location) time.Time {
	return s.Date.In(loc).Add(time.Duration(s.Range.EndMinute()) * time.Minute)
}

type slotJSON struct {
	CourtID         string `json:"court_id"`
	Date            Date   `json:"date"`
	Range           string `json:"range"`
	StartMinute     int    `json:"start_minute"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s SlotIdentity) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotJSON{
		CourtID:         s.CourtID,
		Date:            s.Date,
		Range:           s.Range.Label(),
		StartMinute:     s.Range.StartMinute,
		DurationMinutes: s.Range.DurationMinutes,
	})
}

func (s *SlotIdentity) UnmarshalJSON(b []byte) error {
	var raw slotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r := TimeRange{StartMinute: raw.StartMinute, DurationMinutes: raw.DurationMinutes}
	if raw.Range != "" {
		parsed, err := ParseTimeRange(raw.Range)
		if err != nil {
			return err
		}
		r = parsed
	}
	slot, err := NewSlot(raw.CourtID, raw.Date, r)
	if err != nil {
		return err
	}
	*s = slot
	return nil
}

// ValidateGroup checks that slots form one booking: non-empty, a single court
// and day, and no two ranges overlapping each other.
func ValidateGroup(slots []SlotIdentity) error {
	if len(slots) == 0 {
		return errors.Wrap(ErrInvalidInput, "at least one slot is required")
	}
	first := slots[0]
	for i, s := range slots {
		if s.CourtID != first.CourtID || s.Date != first.Date {
			return errors.Wrap(ErrInvalidInput, "all slots must share one court and date")
		}
		for _, o := range slots[i+1:] {
			if s.Range.Overlaps(o.Range) {
				return errors.Wrapf(ErrInvalidInput, "slots %s and %s overlap", s.Range.Label(), o.Range.Label())
			}
		}
	}
	return nil
}

// SortSlots orders slots by start minute in place and returns them.
func SortSlots(slots []SlotIdentity) []SlotIdentity {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Range.StartMinute < slots[j].Range.StartMinute
	})
	return slots
}

// SameSlots reports whether a and b contain the same identities regardless of order.
func SameSlots(a, b []SlotIdentity) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s.Key()]++
	}
	for _, s := range b {
		seen[s.Key()]--
		if seen[s.Key()] < 0 {
			return false
		}
	}
	return true
}
