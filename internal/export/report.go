package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fieldsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	sheetDeadLetters = "Dead letters"
	sheetConflicts   = "Conflicts"
)

// Source lists what the operator report covers.
type Source interface {
	DeadLetters(ctx context.Context) ([]models.QueueItem, error)
	Conflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error)
}

// WriteReport saves dead letters and open conflicts to an xlsx file in dir and returns its path.
func WriteReport(ctx context.Context, dir string, src Source, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	letters, err := src.DeadLetters(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting dead letters: %w", err)
	}
	conflicts, err := src.Conflicts(ctx, false)
	if err != nil {
		return "", fmt.Errorf("error getting conflicts: %w", err)
	}

	f, err := Build(letters, conflicts, now)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, fmt.Sprintf("fieldsync_report_%s.xlsx", now.UTC().Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving report: %w", err)
	}
	return path, nil
}

// Build lays out the report workbook.
func Build(letters []models.QueueItem, conflicts []models.Conflict, now time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating style: %w", err)
	}

	idx, err := f.NewSheet(sheetDeadLetters)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	writeRow(f, sheetDeadLetters, 1, "Item", "Entity type", "Entity", "Operation", "Retries", "Last error", "Queued at")
	_ = f.SetCellStyle(sheetDeadLetters, "A1", "G1", header)
	for i, it := range letters {
		lastErr := ""
		if it.LastError != nil {
			lastErr = *it.LastError
		}
		writeRow(f, sheetDeadLetters, i+2, it.ID, it.EntityType, it.EntityID, string(it.Operation),
			it.RetryCount, lastErr, it.CreatedAt.UTC().Format(time.RFC3339))
	}
	_ = f.SetColWidth(sheetDeadLetters, "C", "C", 38)
	_ = f.SetColWidth(sheetDeadLetters, "F", "F", 60)
	_ = f.SetColWidth(sheetDeadLetters, "G", "G", 22)

	if _, err := f.NewSheet(sheetConflicts); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	writeRow(f, sheetConflicts, 1, "Conflict", "Entity type", "Entity", "Fields", "Remote version",
		"Local payload", "Remote payload", "Detected at")
	_ = f.SetCellStyle(sheetConflicts, "A1", "H1", header)
	for i, c := range conflicts {
		local := string(c.LocalPayload)
		if c.LocalDeleted {
			local = "(deleted)"
		}
		remote := string(c.RemotePayload)
		if c.RemoteDeleted {
			remote = "(deleted)"
		}
		writeRow(f, sheetConflicts, i+2, c.ID, c.EntityType, c.EntityID, strings.Join(c.Fields, ", "),
			c.RemoteVersion, local, remote, c.DetectedAt.UTC().Format(time.RFC3339))
	}
	_ = f.SetColWidth(sheetConflicts, "A", "C", 38)
	_ = f.SetColWidth(sheetConflicts, "F", "G", 60)

	_ = f.SetDocProps(&excelize.DocProperties{
		Title:   "fieldsync operator report",
		Created: now.UTC().Format(time.RFC3339),
	})
	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return
	}
	_ = f.SetSheetRow(sheet, cell, &values)
}
