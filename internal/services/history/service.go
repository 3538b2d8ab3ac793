// Package history keeps a database record of every sync run.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tracker-data-sync/internal/models"
	"tracker-data-sync/internal/services/summary"
)

// ErrRunNotFound is returned when no run matches an ID
var ErrRunNotFound = errors.New("sync run not found")

// Service persists sync runs
type Service struct {
	db *gorm.DB
}

// NewService creates a new history service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Start inserts a running record for run
func (s *Service) Start(ctx context.Context, run *models.SyncRun) error {
	run.Status = models.RunStatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// Finish stores the final counters and summary document. runErr marks the run as failed.
func (s *Service) Finish(ctx context.Context, id string, result summary.RunSummary, runErr error) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	completedAt := time.Now()
	if result.EndTime != nil {
		completedAt = *result.EndTime
	}

	status := models.RunStatusCompleted
	errText := ""
	if runErr != nil {
		status = models.RunStatusError
		errText = runErr.Error()
	}

	updates := map[string]interface{}{
		"status":       status,
		"page_count":   result.PageCount,
		"downloaded":   result.Download.Downloaded,
		"errors":       result.Download.Errors,
		"timed_out":    result.Download.TimedOut,
		"imported":     result.Upload.Imported,
		"updated":      result.Upload.Updated,
		"deleted":      result.Upload.Deleted,
		"ignored":      result.Upload.Ignored,
		"conflicts":    len(result.Upload.Conflicts),
		"summary":      string(doc),
		"error":        errText,
		"completed_at": completedAt,
	}

	res := s.db.WithContext(ctx).Model(&models.SyncRun{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record run finish: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Get loads one run
func (s *Service) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// Recent lists the latest runs, newest first
func (s *Service) Recent(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []models.SyncRun
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
