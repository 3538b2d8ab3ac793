package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tracker-data-sync/internal/api"
	"tracker-data-sync/internal/config"
	"tracker-data-sync/internal/crypto"
	"tracker-data-sync/internal/database"
	"tracker-data-sync/internal/logger"
	"tracker-data-sync/internal/services/extract"
	"tracker-data-sync/internal/services/history"
	"tracker-data-sync/internal/services/mapper"
	"tracker-data-sync/internal/services/notify"
	"tracker-data-sync/internal/services/pipeline"
	"tracker-data-sync/internal/services/scheduler"
	"tracker-data-sync/internal/services/summary"
	"tracker-data-sync/internal/services/upload"
	"tracker-data-sync/internal/storage"
)

// App holds the services for one sync configuration
type App struct {
	cfg         *config.Config
	log         zerolog.Logger
	source      *api.Client
	destination *api.Client
	history     *history.Service
	pipeline    *pipeline.Service
}

// NewApp loads the configuration named by payload (or the environment) and
// wires the sync services for the given run options
func NewApp(log zerolog.Logger, db *gorm.DB, payload scheduler.SyncJobPayload) (*App, error) {
	cfg, err := config.Load(payload.ConfigPath)
	if err != nil {
		return nil, err
	}

	if cfg.HasSealedPasswords() {
		key, err := crypto.LoadKey(log)
		if err != nil {
			return nil, err
		}
		box, err := crypto.NewBox(key)
		if err != nil {
			return nil, err
		}
		if err := cfg.RevealPasswords(box); err != nil {
			return nil, err
		}
	}

	a := &App{cfg: cfg, log: log}

	a.source = newClient(cfg.Source, cfg, log)
	a.destination = newClient(cfg.Destination, cfg, log)

	store := storage.New(cfg.Storage.DataDir)
	ledger := summary.NewLedger(store, log)

	extractor := extract.NewService(a.source, store, ledger, extract.Params{
		Program:     cfg.DataConfig.Program,
		OrgUnit:     cfg.DataConfig.OrganisationUnit,
		OUMode:      cfg.DataConfig.OUMode,
		PageSize:    payload.PageSize,
		Duration:    payload.Duration,
		Concurrency: payload.DownloadConcurrency,
	}, log,
		extract.WithTimeout(cfg.DownloadTimeout()),
		extract.WithMapper(mapper.Identity),
	)

	uploader := upload.NewService(a.destination, store, ledger, cfg.UploadTimeout(), log)

	notifier := notify.New(notify.Config{
		Enabled:    cfg.NotificationConfig.Enabled,
		Subject:    cfg.NotificationConfig.EmailSubject,
		Recipients: cfg.NotificationConfig.Recipients,
		Attachment: store.Path(summary.Key),
	}, log)

	var runs pipeline.History
	if db != nil {
		a.history = history.NewService(db)
		runs = a.history
	}

	a.pipeline = pipeline.NewService(pipeline.Config{
		UploadConcurrency: payload.UploadConcurrency,
		SourceURL:         cfg.Source.BaseURL,
		DestinationURL:    cfg.Destination.BaseURL,
	}, store, ledger, extractor, uploader, notifier, runs, log)

	return a, nil
}

func newClient(conn config.Connection, cfg *config.Config, log zerolog.Logger) *api.Client {
	opts := []api.Option{api.WithLogger(logger.Named(log, "api"))}
	if rps := cfg.FlowConfig.RequestsPerSecond; rps > 0 {
		opts = append(opts, api.WithRateLimit(rps, 1))
	}
	return api.NewClient(api.ConnectionConfig{
		BaseURL:  conn.BaseURL,
		Username: conn.Username,
		Password: conn.Password,
	}, opts...)
}

// CheckConnections pings both instances concurrently
func (a *App) CheckConnections(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, client := range map[string]*api.Client{"source": a.source, "destination": a.destination} {
		name, client := name, client
		g.Go(func() error {
			info, err := client.Ping(ctx)
			if err != nil {
				return fmt.Errorf("%s instance %s is unreachable: %w", name, client.BaseURL(), err)
			}
			a.log.Info().Str("instance", name).Str("url", client.BaseURL()).Str("version", info.Version).Msg("connection ok")
			return nil
		})
	}
	return g.Wait()
}

// Sync runs one migration and logs the final summary
func (a *App) Sync(ctx context.Context, clean bool) error {
	result, err := a.pipeline.Run(ctx, pipeline.Options{Clean: clean})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.log.Warn().Msg("sync cancelled")
		}
		return err
	}

	a.log.Info().
		Str("run", result.RunID).
		Int("pages", result.PageCount).
		Int("downloaded", result.Download.Downloaded).
		Int("imported", result.Upload.Imported).
		Int("conflicts", len(result.Upload.Conflicts)).
		Msg("sync finished")
	return nil
}

// openDatabase opens the run history database. Runs still proceed when it
// is unavailable.
func openDatabase(log zerolog.Logger) *gorm.DB {
	db, err := database.Open(database.URLFromEnv(), log)
	if err != nil {
		log.Warn().Err(err).Msg("run history disabled")
		return nil
	}
	return db
}
