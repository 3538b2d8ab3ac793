package summary

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-data-sync/internal/storage"
)

type failingStore struct{}

func (failingStore) Put(key string, v interface{}) error { return errors.New("disk full") }

func newTestLedger(t *testing.T) (*Ledger, *storage.Store) {
	t.Helper()
	store := storage.New(filepath.Join(t.TempDir(), "data"))
	ledger := NewLedger(store, zerolog.Nop())
	require.NoError(t, ledger.Init(Meta{RunID: "run-1", Program: "prog", OrgUnit: "ou", PageSize: 50}))
	return ledger, store
}

func TestLedgerInit(t *testing.T) {
	t.Run("Should persist zeroed counters", func(t *testing.T) {
		ledger, store := newTestLedger(t)

		var doc RunSummary
		require.NoError(t, store.Get(Key, &doc))
		assert.Equal(t, "run-1", doc.RunID)
		assert.Zero(t, doc.Download.Downloaded)
		assert.Empty(t, doc.Download.ErrorPages)
		assert.NotNil(t, doc.Upload.Conflicts)
		assert.Nil(t, doc.EndTime)
		assert.False(t, ledger.Snapshot().StartTime.IsZero())
	})

	t.Run("Should fail when the summary cannot be written", func(t *testing.T) {
		ledger := NewLedger(failingStore{}, zerolog.Nop())
		assert.Error(t, ledger.Init(Meta{}))
	})

	t.Run("Should reset a previously used ledger", func(t *testing.T) {
		ledger, _ := newTestLedger(t)
		ledger.RecordDownload(1, OutcomeSuccess)

		require.NoError(t, ledger.Init(Meta{PageSize: 10}))
		ledger.RecordDownload(1, OutcomeSuccess)

		assert.Equal(t, 1, ledger.Snapshot().Download.Downloaded)
	})
}

func TestLedgerRecordDownload(t *testing.T) {
	t.Run("Should count each outcome and list failed pages", func(t *testing.T) {
		ledger, store := newTestLedger(t)

		ledger.RecordDownload(1, OutcomeSuccess)
		ledger.RecordDownload(2, OutcomeTimeout)
		ledger.RecordDownload(3, OutcomeError)
		ledger.RecordDownload(4, OutcomeSuccess)

		var doc RunSummary
		require.NoError(t, store.Get(Key, &doc))
		assert.Equal(t, 2, doc.Download.Downloaded)
		assert.Equal(t, 1, doc.Download.TimedOut)
		assert.Equal(t, 1, doc.Download.Errors)
		assert.Equal(t, []int{2}, doc.Download.TimedOutPages)
		assert.Equal(t, []int{3}, doc.Download.ErrorPages)
	})

	t.Run("Should ignore a second outcome for the same page", func(t *testing.T) {
		ledger, _ := newTestLedger(t)

		ledger.RecordDownload(2, OutcomeTimeout)
		ledger.RecordDownload(2, OutcomeError)
		ledger.RecordDownload(2, OutcomeTimeout)

		snap := ledger.Snapshot()
		assert.Equal(t, 1, snap.Download.TimedOut)
		assert.Zero(t, snap.Download.Errors)
		assert.Equal(t, []int{2}, snap.Download.TimedOutPages)
		assert.Empty(t, snap.Download.ErrorPages)
	})

	t.Run("Should keep counters consistent under concurrent writers", func(t *testing.T) {
		ledger, store := newTestLedger(t)
		const pages = 60

		var wg sync.WaitGroup
		for page := 1; page <= pages; page++ {
			wg.Add(2)
			go func(page int) {
				defer wg.Done()
				outcome := OutcomeSuccess
				switch page % 3 {
				case 1:
					outcome = OutcomeError
				case 2:
					outcome = OutcomeTimeout
				}
				ledger.RecordDownload(page, outcome)
			}(page)
			go func(page int) {
				defer wg.Done()
				ledger.RecordUpload(page, Counts{Imported: 1, Updated: 2}, nil)
			}(page)
		}
		wg.Wait()

		var doc RunSummary
		require.NoError(t, store.Get(Key, &doc))
		d := doc.Download
		assert.Equal(t, pages, d.Downloaded+d.Errors+d.TimedOut)
		assert.Len(t, d.ErrorPages, d.Errors)
		assert.Len(t, d.TimedOutPages, d.TimedOut)
		assert.Equal(t, pages, doc.Upload.Imported)
		assert.Equal(t, 2*pages, doc.Upload.Updated)

		seen := map[int]bool{}
		for _, p := range append(d.ErrorPages, d.TimedOutPages...) {
			assert.False(t, seen[p], "page %d listed twice", p)
			seen[p] = true
		}
	})

	t.Run("Should keep working in memory when persistence fails", func(t *testing.T) {
		ledger := NewLedger(failingStore{}, zerolog.Nop())
		_ = ledger.Init(Meta{})

		ledger.RecordDownload(1, OutcomeSuccess)

		assert.Equal(t, 1, ledger.Snapshot().Download.Downloaded)
	})
}

func TestLedgerRecordUpload(t *testing.T) {
	t.Run("Should add deltas and append conflicts", func(t *testing.T) {
		ledger, _ := newTestLedger(t)
		first := ConflictRecord{Page: 1, Reference: "abc", Conflict: Conflict{Object: "x", Value: "bad"}}
		second := ConflictRecord{Page: 2, Reference: "def", Conflict: Conflict{Object: "y", Value: "worse"}}

		ledger.RecordUpload(1, Counts{Imported: 3, Ignored: 1}, []ConflictRecord{first})
		ledger.RecordUpload(2, Counts{Updated: 2, Deleted: 1}, []ConflictRecord{second})

		upload := ledger.Snapshot().Upload
		assert.Equal(t, Counts{Imported: 3, Updated: 2, Deleted: 1, Ignored: 1}, upload.Counts)
		assert.Equal(t, 7, upload.Total())
		assert.Equal(t, []ConflictRecord{first, second}, upload.Conflicts)
	})
}

func TestLedgerFinalize(t *testing.T) {
	t.Run("Should stamp end time once", func(t *testing.T) {
		ledger, store := newTestLedger(t)
		clock := time.Now()
		ledger.now = func() time.Time { return clock }

		first := ledger.Finalize()
		clock = clock.Add(time.Hour)
		second := ledger.Finalize()

		require.NotNil(t, first.EndTime)
		require.NotNil(t, second.EndTime)
		assert.True(t, first.EndTime.Equal(*second.EndTime))
		assert.True(t, first.StartTime.Equal(second.StartTime))
		assert.False(t, second.EndTime.Before(second.StartTime))

		var doc RunSummary
		require.NoError(t, store.Get(Key, &doc))
		assert.NotNil(t, doc.EndTime)
	})

	t.Run("Should not return shared slices", func(t *testing.T) {
		ledger, _ := newTestLedger(t)
		ledger.RecordDownload(5, OutcomeError)

		snap := ledger.Snapshot()
		snap.Download.ErrorPages[0] = 99

		assert.Equal(t, []int{5}, ledger.Snapshot().Download.ErrorPages)
	})
}

func TestLedgerRenderMessage(t *testing.T) {
	t.Run("Should render duration, page size and elapsed time", func(t *testing.T) {
		store := storage.New(t.TempDir())
		ledger := NewLedger(store, zerolog.Nop())
		start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
		ledger.now = func() time.Time { return start }
		require.NoError(t, ledger.Init(Meta{PageSize: 100, Duration: 7}))

		ledger.now = func() time.Time { return start.Add(2*time.Hour + 3*time.Minute + 4*time.Second) }
		ledger.RecordDownload(1, OutcomeSuccess)
		ledger.RecordDownload(2, OutcomeTimeout)
		ledger.Finalize()

		msg := ledger.RenderMessage()
		assert.Contains(t, msg, "Summary for data sync for 7 days with page size 100.")
		assert.Contains(t, msg, "Time taken: 2 hours, 3 minutes and 4 seconds.")
		assert.Contains(t, msg, "Downloaded: 1, errors: 0, timed out: 1.")
		assert.Contains(t, msg, "Timed out pages: 2.")
		assert.Equal(t, Elapsed{Hours: 2, Minutes: 3, Seconds: 4}, ledger.TimeTaken())
	})

	t.Run("Should say all days when no duration is set", func(t *testing.T) {
		ledger, _ := newTestLedger(t)
		ledger.Finalize()

		msg := ledger.RenderMessage()
		assert.Contains(t, msg, "Summary for data sync for all days with page size 50.")
		assert.Contains(t, msg, "Imported: 0, updated: 0, deleted: 0, ignored: 0, conflicts: 0.")
	})
}
