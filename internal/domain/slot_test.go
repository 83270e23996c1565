package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSlot(t *testing.T, court, date, label string) SlotIdentity {
	t.Helper()
	d, err := ParseDate(date)
	require.NoError(t, err)
	r, err := ParseTimeRange(label)
	require.NoError(t, err)
	s, err := NewSlot(court, d, r)
	require.NoError(t, err)
	return s
}

func TestParseTimeRange(t *testing.T) {
	r, err := ParseTimeRange("17:00-18:00")
	require.NoError(t, err)
	assert.Equal(t, 17*60, r.StartMinute)
	assert.Equal(t, 60, r.DurationMinutes)
	assert.Equal(t, "17:00-18:00", r.Label())

	r, err = ParseTimeRange("23:30-24:00")
	require.NoError(t, err)
	assert.Equal(t, MinutesPerDay, r.EndMinute())

	for _, bad := range []string{"", "17:00", "18:00-17:00", "17:00-17:00", "25:00-26:00", "ab:cd-18:00"} {
		_, err := ParseTimeRange(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestTimeRangeKeyRoundTrip(t *testing.T) {
	r, err := NewTimeRange(545, 90)
	require.NoError(t, err)

	parsed, err := ParseTimeRangeKey(r.Key())
	require.NoError(t, err)
	assert.Equal(t, r, parsed)
}

func TestSlotConflicts(t *testing.T) {
	base := mustSlot(t, "C1", "2024-06-01", "17:00-18:00")

	cases := []struct {
		name  string
		other SlotIdentity
		want  bool
	}{
		{"identical", mustSlot(t, "C1", "2024-06-01", "17:00-18:00"), true},
		{"partial overlap", mustSlot(t, "C1", "2024-06-01", "17:30-18:30"), true},
		{"contained", mustSlot(t, "C1", "2024-06-01", "17:15-17:45"), true},
		{"adjacent after", mustSlot(t, "C1", "2024-06-01", "18:00-19:00"), false},
		{"adjacent before", mustSlot(t, "C1", "2024-06-01", "16:00-17:00"), false},
		{"other court", mustSlot(t, "C2", "2024-06-01", "17:00-18:00"), false},
		{"other date", mustSlot(t, "C1", "2024-06-02", "17:00-18:00"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, base.Conflicts(tc.other))
			assert.Equal(t, tc.want, tc.other.Conflicts(base))
		})
	}
}

func TestSlotStartAt(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Bangkok")
	require.NoError(t, err)

	s := mustSlot(t, "C1", "2024-06-01", "17:00-18:30")
	assert.Equal(t, time.Date(2024, 6, 1, 17, 0, 0, 0, loc), s.StartAt(loc))
	assert.Equal(t, time.Date(2024, 6, 1, 18, 30, 0, 0, loc), s.EndAt(loc))
}

func TestSlotJSONAcceptsLabelOrMinutes(t *testing.T) {
	var fromLabel SlotIdentity
	require.NoError(t, json.Unmarshal([]byte(`{"court_id":"C1","date":"2024-06-01","range":"17:00-18:00"}`), &fromLabel))

	var fromMinutes SlotIdentity
	require.NoError(t, json.Unmarshal([]byte(`{"court_id":"C1","date":"2024-06-01","start_minute":1020,"duration_minutes":60}`), &fromMinutes))

	assert.Equal(t, fromLabel, fromMinutes)

	var bad SlotIdentity
	assert.Error(t, json.Unmarshal([]byte(`{"court_id":"","date":"2024-06-01","range":"17:00-18:00"}`), &bad))
}

func TestValidateGroup(t *testing.T) {
	a := mustSlot(t, "C1", "2024-06-01", "17:00-18:00")
	b := mustSlot(t, "C1", "2024-06-01", "18:00-19:00")

	assert.NoError(t, ValidateGroup([]SlotIdentity{a, b}))
	assert.ErrorIs(t, ValidateGroup(nil), ErrInvalidInput)
	assert.ErrorIs(t, ValidateGroup([]SlotIdentity{a, mustSlot(t, "C2", "2024-06-01", "19:00-20:00")}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateGroup([]SlotIdentity{a, mustSlot(t, "C1", "2024-06-01", "17:30-18:30")}), ErrInvalidInput)
}

func TestSlotUnavailableError(t *testing.T) {
	s := mustSlot(t, "C1", "2024-06-01", "17:00-18:00")
	err := error(NewSlotUnavailable(s))

	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, []SlotIdentity{s}, UnavailableSlots(err))
	assert.Contains(t, err.Error(), "C1 2024-06-01 17:00-18:00")
}
