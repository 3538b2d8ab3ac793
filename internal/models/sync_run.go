package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sync run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusError     = "error"
)

// SyncRun records one tracked entity instance migration
type SyncRun struct {
	ID          string     `gorm:"primaryKey" json:"id"` // UUID run ID
	Program     string     `gorm:"not null;index" json:"program"`
	OrgUnit     string     `gorm:"not null;column:org_unit" json:"org_unit"`
	SourceURL   string     `gorm:"column:source_url" json:"source_url"`
	DestURL     string     `gorm:"column:dest_url" json:"dest_url"`
	Status      string     `gorm:"not null;default:running" json:"status"` // running, completed, error
	PageSize    int        `gorm:"not null;default:50" json:"page_size"`
	Duration    int        `json:"duration"` // lookback days, 0 means all data
	PageCount   int        `json:"page_count"`
	Downloaded  int        `json:"downloaded"`
	Errors      int        `json:"errors"`
	TimedOut    int        `gorm:"column:timed_out" json:"timed_out"`
	Imported    int        `json:"imported"`
	Updated     int        `json:"updated"`
	Deleted     int        `json:"deleted"`
	Ignored     int        `json:"ignored"`
	Conflicts   int        `json:"conflicts"`
	Summary     string     `gorm:"type:text" json:"summary"` // summary.json document
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time  `gorm:"not null;index" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (SyncRun) TableName() string {
	return "sync_runs"
}
