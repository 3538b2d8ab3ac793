package upload

import (
	"github.com/samber/lo"

	"tracker-data-sync/internal/services/summary"
)

// ImportStrategy used for every upload
const ImportStrategy = "CREATE_AND_UPDATE"

// ImportResponse is the envelope DHIS2 returns for a trackedEntityInstances import
type ImportResponse struct {
	HTTPStatus     string       `json:"httpStatus"`
	HTTPStatusCode int          `json:"httpStatusCode"`
	Status         string       `json:"status"`
	Message        string       `json:"message,omitempty"`
	Response       ImportResult `json:"response"`
}

// ImportResult carries the import counters and per-TEI summaries
type ImportResult struct {
	ResponseType    string          `json:"responseType,omitempty"`
	Status          string          `json:"status,omitempty"`
	Imported        int             `json:"imported"`
	Updated         int             `json:"updated"`
	Deleted         int             `json:"deleted"`
	Ignored         int             `json:"ignored"`
	ImportSummaries []ImportSummary `json:"importSummaries"`
}

// ImportSummary is the import outcome of a single tracked entity instance
type ImportSummary struct {
	Reference   string             `json:"reference"`
	Status      string             `json:"status"` // SUCCESS, WARNING, ERROR
	Description string             `json:"description,omitempty"`
	Conflicts   []summary.Conflict `json:"conflicts,omitempty"`
}

// Counts returns the counters of the import result
func (r ImportResult) Counts() summary.Counts {
	return summary.Counts{
		Imported: r.Imported,
		Updated:  r.Updated,
		Deleted:  r.Deleted,
		Ignored:  r.Ignored,
	}
}

// HasContent reports whether the result carries counters or summaries
func (r ImportResult) HasContent() bool {
	return r.Counts().Total() > 0 || len(r.ImportSummaries) > 0
}

// ExtractConflicts flattens the conflicts of every import summary into
// records tagged with the page they were uploaded from
func ExtractConflicts(page int, result ImportResult) []summary.ConflictRecord {
	return lo.FlatMap(result.ImportSummaries, func(s ImportSummary, _ int) []summary.ConflictRecord {
		return lo.Map(s.Conflicts, func(c summary.Conflict, _ int) summary.ConflictRecord {
			return summary.ConflictRecord{Page: page, Reference: s.Reference, Conflict: c}
		})
	})
}

// Result is the outcome of one queued upload
type Result struct {
	Key      string
	Response *ImportResponse
	Err      error
}
