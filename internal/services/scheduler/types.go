package scheduler

// SyncJobPayload holds the sync options a scheduled job runs with
type SyncJobPayload struct {
	Duration            int    `json:"duration,omitempty"` // days, 0 means all data
	PageSize            int    `json:"page_size"`
	UploadConcurrency   int    `json:"upload_concurrency"`
	DownloadConcurrency int    `json:"download_concurrency"`
	ConfigPath          string `json:"config_path,omitempty"`
	Clean               bool   `json:"clean"`
}

// JobListResponse represents a scheduled job in list responses
type JobListResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	JobType   string  `json:"job_type"`
	Cron      string  `json:"cron"`
	Timezone  string  `json:"timezone"`
	Enabled   bool    `json:"enabled"`
	LastRunAt *string `json:"last_run_at"` // ISO 8601 format
	NextRun   *string `json:"next_run"`    // ISO 8601 format
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// UpsertJobRequest represents a request to create or update a scheduled sync
type UpsertJobRequest struct {
	Name     string         `json:"name"`
	Cron     string         `json:"cron"`
	Timezone string         `json:"timezone"`
	Enabled  bool           `json:"enabled"`
	Payload  SyncJobPayload `json:"payload"`
}
