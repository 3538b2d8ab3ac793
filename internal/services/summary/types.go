package summary

import "time"

// Key is the storage key of the persisted run summary
const Key = "summary"

// Outcome is the result of fetching one page
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Conflict is a single DHIS2 import conflict
type Conflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

// ConflictRecord ties an import conflict to the page and TEI it came from
type ConflictRecord struct {
	Page      int      `json:"page"`
	Reference string   `json:"reference"`
	Conflict  Conflict `json:"conflict"`
}

// Counts holds the import counters returned by the destination
type Counts struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Ignored  int `json:"ignored"`
}

// Total returns the sum of all counters
func (c Counts) Total() int {
	return c.Imported + c.Updated + c.Deleted + c.Ignored
}

// DownloadSummary tracks page fetch outcomes
type DownloadSummary struct {
	Downloaded    int   `json:"downloaded"`
	Errors        int   `json:"errors"`
	TimedOut      int   `json:"timedOut"`
	ErrorPages    []int `json:"errorPages"`
	TimedOutPages []int `json:"timedOutPages"`
}

// UploadSummary tracks import counters and conflicts reported by the destination
type UploadSummary struct {
	Counts
	Conflicts []ConflictRecord `json:"conflicts"`
}

// RunSummary is the document written to summary.json
type RunSummary struct {
	RunID     string          `json:"runId,omitempty"`
	Program   string          `json:"program,omitempty"`
	OrgUnit   string          `json:"orgUnit,omitempty"`
	PageSize  int             `json:"pageSize"`
	Duration  int             `json:"duration,omitempty"` // days, 0 means all data
	PageCount int             `json:"pageCount"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Download  DownloadSummary `json:"download"`
	Upload    UploadSummary   `json:"upload"`
}

// Meta describes the run a ledger is initialised for
type Meta struct {
	RunID    string
	Program  string
	OrgUnit  string
	PageSize int
	Duration int
}

// Elapsed is a run duration broken into whole hours, minutes and seconds
type Elapsed struct {
	Hours   int
	Minutes int
	Seconds int
}

func elapsedFrom(d time.Duration) Elapsed {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return Elapsed{
		Hours:   total / 3600,
		Minutes: (total % 3600) / 60,
		Seconds: total % 60,
	}
}
