package summary

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Store persists the summary document
type Store interface {
	Put(key string, v interface{}) error
}

// Ledger is the single writer for a run's summary. Every mutation happens
// under one lock and is persisted before the lock is released, so the
// download and upload pools can record outcomes concurrently.
type Ledger struct {
	mu    sync.Mutex
	store Store
	log   zerolog.Logger
	now   func() time.Time

	doc  RunSummary
	seen map[int]Outcome
}

// NewLedger creates a ledger persisting to store. store may be nil for an in-memory ledger.
func NewLedger(store Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log.With().Str("component", "summary").Logger(),
		now:   time.Now,
		seen:  make(map[int]Outcome),
	}
}

// Init resets the summary with zeroed counters and a fresh start time
func (l *Ledger) Init(meta Meta) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc = RunSummary{
		RunID:     meta.RunID,
		Program:   meta.Program,
		OrgUnit:   meta.OrgUnit,
		PageSize:  meta.PageSize,
		Duration:  meta.Duration,
		StartTime: l.now(),
		Download: DownloadSummary{
			ErrorPages:    []int{},
			TimedOutPages: []int{},
		},
		Upload: UploadSummary{
			Conflicts: []ConflictRecord{},
		},
	}
	l.seen = make(map[int]Outcome)

	if l.store == nil {
		return nil
	}
	if err := l.store.Put(Key, l.doc); err != nil {
		return fmt.Errorf("failed to initialise summary: %w", err)
	}
	return nil
}

// SetPageCount records how many pages the prober reported
func (l *Ledger) SetPageCount(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc.PageCount = count
	l.persist("SetPageCount")
}

// RecordDownload records the outcome of fetching page. A page is recorded at
// most once per run; repeated calls are ignored.
func (l *Ledger) RecordDownload(page int, outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.seen[page]; ok {
		l.log.Warn().
			Str("fn", "RecordDownload").
			Int("page", page).
			Str("outcome", string(outcome)).
			Str("previous", string(prev)).
			Msg("download outcome already recorded, ignoring")
		return
	}

	switch outcome {
	case OutcomeSuccess:
		l.doc.Download.Downloaded++
	case OutcomeError:
		l.doc.Download.Errors++
		l.doc.Download.ErrorPages = append(l.doc.Download.ErrorPages, page)
	case OutcomeTimeout:
		l.doc.Download.TimedOut++
		l.doc.Download.TimedOutPages = append(l.doc.Download.TimedOutPages, page)
	default:
		l.log.Error().Str("fn", "RecordDownload").Int("page", page).Str("outcome", string(outcome)).Msg("unknown download outcome")
		return
	}
	l.seen[page] = outcome

	l.persist("RecordDownload")
}

// RecordUpload adds the import deltas for page and appends its conflicts
func (l *Ledger) RecordUpload(page int, counts Counts, conflicts []ConflictRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc.Upload.Imported += counts.Imported
	l.doc.Upload.Updated += counts.Updated
	l.doc.Upload.Deleted += counts.Deleted
	l.doc.Upload.Ignored += counts.Ignored
	l.doc.Upload.Conflicts = append(l.doc.Upload.Conflicts, conflicts...)

	l.log.Debug().
		Str("fn", "RecordUpload").
		Int("page", page).
		Int("imported", counts.Imported).
		Int("updated", counts.Updated).
		Int("conflicts", len(conflicts)).
		Msg("upload recorded")

	l.persist("RecordUpload")
}

// Finalize stamps the end time. Only the first call changes it.
func (l *Ledger) Finalize() RunSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.doc.EndTime == nil {
		end := l.now()
		if end.Before(l.doc.StartTime) {
			end = l.doc.StartTime
		}
		l.doc.EndTime = &end
		l.persist("Finalize")
	}

	return l.snapshot()
}

// Snapshot returns a deep copy of the current summary
func (l *Ledger) Snapshot() RunSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// TimeTaken returns the elapsed run time. Before Finalize it measures up to now.
func (l *Ledger) TimeTaken() Elapsed {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeTaken()
}

// RenderMessage produces the human readable summary sent to the notifier
func (l *Ledger) RenderMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	days := "all"
	if l.doc.Duration > 0 {
		days = strconv.Itoa(l.doc.Duration)
	}
	elapsed := l.timeTaken()
	d := l.doc.Download
	u := l.doc.Upload

	var b strings.Builder
	fmt.Fprintf(&b, "Summary for data sync for %s days with page size %d. \n", days, l.doc.PageSize)
	fmt.Fprintf(&b, " Time taken: %d hours, %d minutes and %d seconds.\n", elapsed.Hours, elapsed.Minutes, elapsed.Seconds)
	fmt.Fprintf(&b, " Pages: %d. Downloaded: %d, errors: %d, timed out: %d.\n", l.doc.PageCount, d.Downloaded, d.Errors, d.TimedOut)
	if len(d.ErrorPages) > 0 {
		fmt.Fprintf(&b, " Error pages: %s.\n", joinInts(d.ErrorPages))
	}
	if len(d.TimedOutPages) > 0 {
		fmt.Fprintf(&b, " Timed out pages: %s.\n", joinInts(d.TimedOutPages))
	}
	fmt.Fprintf(&b, " Imported: %d, updated: %d, deleted: %d, ignored: %d, conflicts: %d.",
		u.Imported, u.Updated, u.Deleted, u.Ignored, len(u.Conflicts))

	return b.String()
}

func (l *Ledger) timeTaken() Elapsed {
	end := l.now()
	if l.doc.EndTime != nil {
		end = *l.doc.EndTime
	}
	return elapsedFrom(end.Sub(l.doc.StartTime))
}

func (l *Ledger) snapshot() RunSummary {
	out := l.doc
	out.Download.ErrorPages = append([]int{}, l.doc.Download.ErrorPages...)
	out.Download.TimedOutPages = append([]int{}, l.doc.Download.TimedOutPages...)
	out.Upload.Conflicts = append([]ConflictRecord{}, l.doc.Upload.Conflicts...)
	if l.doc.EndTime != nil {
		end := *l.doc.EndTime
		out.EndTime = &end
	}
	return out
}

// persist must be called with mu held
func (l *Ledger) persist(fn string) {
	if l.store == nil {
		return
	}
	if err := l.store.Put(Key, l.doc); err != nil {
		l.log.Error().Err(err).Str("fn", fn).Msg("failed to write summary")
	}
}

func joinInts(values []int) string {
	return strings.Join(lo.Map(values, func(v int, _ int) string { return strconv.Itoa(v) }), ", ")
}
