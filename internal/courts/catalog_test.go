package courts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadStatic(t *testing.T) {
	path := writeFile(t, `
courts:
  - id: C1
    facility_id: F1
    name: Centre
    open_hour: 7
    close_hour: 23
  - id: C2
    facility_id: F1
    ranges: ["07:00-08:30", "08:30-10:00"]
`)
	catalog, err := LoadStatic(path)
	require.NoError(t, err)

	c1, err := catalog.Court(context.Background(), "C1")
	require.NoError(t, err)
	assert.Len(t, c1.Grid, 16)
	assert.Equal(t, "F1", c1.FacilityID)

	c2, err := catalog.Court(context.Background(), "C2")
	require.NoError(t, err)
	require.Len(t, c2.Grid, 2)
	assert.Equal(t, 90, c2.Grid[1].DurationMinutes)

	_, err = catalog.Court(context.Background(), "C3")
	assert.ErrorIs(t, err, domain.ErrCourtNotFound)
}

func TestLoadStatic_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"empty":       "courts: []",
		"no facility": "courts:\n  - id: C1\n    open_hour: 7\n    close_hour: 9\n",
		"bad range":   "courts:\n  - id: C1\n    facility_id: F1\n    ranges: [\"7-8\"]\n",
		"no grid":     "courts:\n  - id: C1\n    facility_id: F1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadStatic(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}
