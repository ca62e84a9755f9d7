package export

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeSource struct {
	letters   []models.QueueItem
	conflicts []models.Conflict
}

func (s fakeSource) DeadLetters(context.Context) ([]models.QueueItem, error) {
	return s.letters, nil
}

func (s fakeSource) Conflicts(context.Context, bool) ([]models.Conflict, error) {
	return s.conflicts, nil
}

func TestWriteReport(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	reason := "http 422: customer_name is required"
	src := fakeSource{
		letters: []models.QueueItem{{
			ID:         7,
			EntityType: models.EntityQuote,
			EntityID:   "q-1",
			Operation:  models.OpCreate,
			RetryCount: 1,
			LastError:  &reason,
			CreatedAt:  now.Add(-time.Hour),
		}},
		conflicts: []models.Conflict{{
			ID:            "c-1",
			EntityType:    models.EntityJob,
			EntityID:      "job-1",
			LocalPayload:  json.RawMessage(`{"status":"done"}`),
			RemoteDeleted: true,
			RemoteVersion: 4,
			Fields:        []string{"_deleted"},
			DetectedAt:    now,
		}},
	}

	path, err := WriteReport(context.Background(), t.TempDir(), src, now)
	require.NoError(t, err)
	assert.Contains(t, path, "fieldsync_report_20260601_123000.xlsx")

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetDeadLetters, sheetConflicts}, f.GetSheetList())

	rows, err := f.GetRows(sheetDeadLetters)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "7", rows[1][0])
	assert.Equal(t, "q-1", rows[1][2])
	assert.Equal(t, reason, rows[1][5])

	rows, err = f.GetRows(sheetConflicts)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c-1", rows[1][0])
	assert.Equal(t, "_deleted", rows[1][3])
	assert.Equal(t, "(deleted)", rows[1][6])
}

func TestBuildEmpty(t *testing.T) {
	f, err := Build(nil, nil, time.Now())
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetConflicts)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
