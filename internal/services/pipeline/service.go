// Package pipeline runs one extract-then-upload migration end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tracker-data-sync/internal/models"
	"tracker-data-sync/internal/services/extract"
	"tracker-data-sync/internal/services/notify"
	"tracker-data-sync/internal/services/summary"
	"tracker-data-sync/internal/services/upload"
)

// Stage is the staging area cleared before a clean run
type Stage interface {
	Clear() error
}

// History records runs. Failures are logged and never fail the run.
type History interface {
	Start(ctx context.Context, run *models.SyncRun) error
	Finish(ctx context.Context, id string, result summary.RunSummary, runErr error) error
}

// Config holds the settings that are not owned by a collaborator
type Config struct {
	UploadConcurrency int
	SourceURL         string
	DestinationURL    string
}

// Options controls a single run
type Options struct {
	// Clean removes staged pages and the previous summary before starting
	Clean bool
}

// Service wires the extractor, upload queue, ledger and notifier for a run
type Service struct {
	cfg       Config
	stage     Stage
	ledger    *summary.Ledger
	extractor *extract.Service
	uploader  *upload.Service
	notifier  notify.Notifier
	history   History
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewService creates a new pipeline. history may be nil.
func NewService(cfg Config, stage Stage, ledger *summary.Ledger, extractor *extract.Service, uploader *upload.Service, notifier notify.Notifier, history History, log zerolog.Logger) *Service {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 1
	}
	return &Service{
		cfg:       cfg,
		stage:     stage,
		ledger:    ledger,
		extractor: extractor,
		uploader:  uploader,
		notifier:  notifier,
		history:   history,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// ErrAlreadyRunning is returned when Run is called while a run is in progress
var ErrAlreadyRunning = errors.New("a sync run is already in progress")

// Run performs one migration. Per-page failures end up in the returned
// summary; an error is returned only when the run could not start or was
// cancelled through ctx.
func (s *Service) Run(ctx context.Context, opts Options) (summary.RunSummary, error) {
	if !s.begin() {
		return summary.RunSummary{}, ErrAlreadyRunning
	}
	defer s.end()

	params := s.extractor.Params()
	runID := uuid.New().String()
	log := s.log.With().Str("run", runID).Logger()

	if opts.Clean {
		log.Warn().Str("fn", "Run").Msg("This will delete previously generated files")
		if err := s.stage.Clear(); err != nil {
			return summary.RunSummary{}, fmt.Errorf("failed to clear staged files: %w", err)
		}
	}

	if err := s.ledger.Init(summary.Meta{
		RunID:    runID,
		Program:  params.Program,
		OrgUnit:  params.OrgUnit,
		PageSize: params.PageSize,
		Duration: params.Duration,
	}); err != nil {
		return summary.RunSummary{}, err
	}

	s.startHistory(ctx, log, &models.SyncRun{
		ID:        runID,
		Program:   params.Program,
		OrgUnit:   params.OrgUnit,
		SourceURL: s.cfg.SourceURL,
		DestURL:   s.cfg.DestinationURL,
		PageSize:  params.PageSize,
		Duration:  params.Duration,
		StartedAt: s.ledger.Snapshot().StartTime,
	})

	log.Info().
		Str("fn", "Run").
		Int("duration", params.Duration).
		Int("pageSize", params.PageSize).
		Int("uploadConcurrency", s.cfg.UploadConcurrency).
		Int("downloadConcurrency", params.Concurrency).
		Msg("Starting data sync")

	queue := upload.NewQueue(ctx, s.cfg.UploadConcurrency, s.uploader.Upload, log)

	pageCount := 0
	if pager, err := s.extractor.Probe(ctx); err == nil {
		pageCount = pager.PageCount
	} else {
		log.Warn().Err(err).Str("fn", "Run").Msg("pagination unavailable, nothing to extract")
	}
	s.ledger.SetPageCount(pageCount)

	s.extractor.FetchAll(ctx, pageCount, queue)

	// Registered only after every page has been pushed
	drained := make(chan struct{})
	var once sync.Once
	queue.OnDrain(func() { once.Do(func() { close(drained) }) })

	select {
	case <-drained:
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("fn", "Run").Int("pending", queue.Len()).Msg("cancelling uploads")
		queue.Cancel()
	}
	queue.Close()

	var runErr error
	if err := ctx.Err(); err != nil {
		runErr = fmt.Errorf("sync cancelled: %w", err)
	}

	result := s.ledger.Finalize()

	// The run outcome is settled; reporting must not be cut short by ctx
	reportCtx := context.WithoutCancel(ctx)
	s.finishHistory(reportCtx, log, runID, result, runErr)

	if err := s.notifier.Send(reportCtx, s.ledger.RenderMessage()); err != nil {
		log.Error().Err(err).Str("fn", "Run").Msg("failed to send summary")
	}

	log.Info().
		Str("fn", "Run").
		Int("pageCount", pageCount).
		Int("downloaded", result.Download.Downloaded).
		Int("errors", result.Download.Errors).
		Int("timedOut", result.Download.TimedOut).
		Int("imported", result.Upload.Imported).
		Int("updated", result.Upload.Updated).
		Int("conflicts", len(result.Upload.Conflicts)).
		Msg("data sync finished")

	return result, runErr
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *Service) startHistory(ctx context.Context, log zerolog.Logger, run *models.SyncRun) {
	if s.history == nil {
		return
	}
	if err := s.history.Start(ctx, run); err != nil {
		log.Error().Err(err).Str("fn", "startHistory").Msg("failed to record run")
	}
}

func (s *Service) finishHistory(ctx context.Context, log zerolog.Logger, id string, result summary.RunSummary, runErr error) {
	if s.history == nil {
		return
	}
	if err := s.history.Finish(ctx, id, result, runErr); err != nil {
		log.Error().Err(err).Str("fn", "finishHistory").Msg("failed to record run result")
	}
}
