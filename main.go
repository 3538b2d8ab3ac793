package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"tracker-data-sync/internal/crypto"
	"tracker-data-sync/internal/database"
	"tracker-data-sync/internal/logger"
	"tracker-data-sync/internal/services/extract"
	"tracker-data-sync/internal/services/history"
	"tracker-data-sync/internal/services/scheduler"
)

func main() {
	log, closeLog, err := logger.New(logger.FromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := &cli.App{
		Name:  "tracker-data-sync",
		Usage: "migrate tracked entity instances between DHIS2 instances",
		Commands: []*cli.Command{
			syncCommand(log),
			scheduleCommand(log),
			encryptCommand(log),
			runsCommand(log),
			jobsCommand(log),
		},
	}

	err = app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("command failed")
	}
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func syncFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "duration",
			Aliases: []string{"d"},
			Usage:   "only sync data changed in the last `DAYS` days (all data when unset)",
		},
		&cli.IntFlag{
			Name:    "page-size",
			Aliases: []string{"p"},
			Usage:   "tracked entity instances per page",
			Value:   extract.DefaultPageSize,
		},
		&cli.IntFlag{
			Name:    "upload-concurrency",
			Aliases: []string{"u"},
			Usage:   "pages uploaded in parallel",
			Value:   1,
		},
		&cli.IntFlag{
			Name:  "download-concurrency",
			Usage: "pages downloaded in parallel",
			Value: extract.DefaultConcurrency,
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "read configuration from a JSON `FILE` instead of the environment",
		},
		&cli.BoolFlag{
			Name:  "no-clean",
			Usage: "keep staged pages and the summary from the previous run",
		},
		&cli.BoolFlag{
			Name:  "check",
			Usage: "check both instances are reachable before syncing",
		},
	}
}

func payloadFromFlags(c *cli.Context) scheduler.SyncJobPayload {
	return scheduler.SyncJobPayload{
		Duration:            c.Int("duration"),
		PageSize:            c.Int("page-size"),
		UploadConcurrency:   c.Int("upload-concurrency"),
		DownloadConcurrency: c.Int("download-concurrency"),
		ConfigPath:          c.String("config"),
		Clean:               !c.Bool("no-clean"),
	}
}

func syncCommand(log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one migration",
		Flags: syncFlags(),
		Action: func(c *cli.Context) error {
			db := openDatabase(log)
			if db != nil {
				defer database.Close(db)
			}

			payload := payloadFromFlags(c)
			a, err := NewApp(log, db, payload)
			if err != nil {
				return err
			}
			if c.Bool("check") {
				if err := a.CheckConnections(c.Context); err != nil {
					return err
				}
			}
			return a.Sync(c.Context, payload.Clean)
		},
	}
}

func scheduleCommand(log zerolog.Logger) *cli.Command {
	flags := append(syncFlags(),
		&cli.StringFlag{
			Name:     "cron",
			Usage:    "cron `EXPRESSION` (5 or 6 fields)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "job name, an existing job with this name is replaced",
			Value: "tei-sync",
		},
		&cli.StringFlag{
			Name:  "timezone",
			Usage: "IANA timezone the cron expression is evaluated in",
			Value: "UTC",
		},
	)

	return &cli.Command{
		Name:  "schedule",
		Usage: "run migrations on a cron schedule until interrupted",
		Flags: flags,
		Action: func(c *cli.Context) error {
			db, err := database.Open(database.URLFromEnv(), log)
			if err != nil {
				return err
			}
			defer database.Close(db)

			payload := payloadFromFlags(c)
			// fail fast on a bad configuration instead of at the first tick
			a, err := NewApp(log, db, payload)
			if err != nil {
				return err
			}
			if c.Bool("check") {
				if err := a.CheckConnections(c.Context); err != nil {
					return err
				}
			}

			runner := func(ctx context.Context, p scheduler.SyncJobPayload) error {
				app, err := NewApp(log, db, p)
				if err != nil {
					return err
				}
				return app.Sync(ctx, p.Clean)
			}

			svc := scheduler.NewService(db, c.Context, runner, log)
			id, err := svc.UpsertJob(scheduler.UpsertJobRequest{
				Name:     c.String("name"),
				Cron:     c.String("cron"),
				Timezone: c.String("timezone"),
				Enabled:  true,
				Payload:  payload,
			})
			if err != nil {
				return err
			}
			// jobs stored by other invocations stay dormant here
			if err := svc.StartJob(id); err != nil {
				return err
			}
			log.Info().Str("job", id).Str("cron", c.String("cron")).Msg("waiting for scheduled runs")

			<-c.Context.Done()
			svc.Stop()
			return nil
		},
	}
}

func encryptCommand(log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "encrypt",
		Usage: "seal a password for use in a configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "password",
				Usage:    "the password to seal",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			key, err := crypto.LoadKey(log)
			if err != nil {
				return err
			}
			box, err := crypto.NewBox(key)
			if err != nil {
				return err
			}
			sealed, err := box.Seal(c.String("password"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, sealed)
			return nil
		},
	}
}

func runsCommand(log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list recent sync runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "number of runs to show",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			db, err := database.Open(database.URLFromEnv(), log)
			if err != nil {
				return err
			}
			defer database.Close(db)

			runs, err := history.NewService(db).Recent(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			w := c.App.Writer
			for _, run := range runs {
				fmt.Fprintf(w, "%s  %s  %-9s  pages=%d downloaded=%d errors=%d timedOut=%d imported=%d updated=%d conflicts=%d\n",
					run.StartedAt.Format("2006-01-02 15:04:05"), run.ID, run.Status, run.PageCount,
					run.Downloaded, run.Errors, run.TimedOut, run.Imported, run.Updated, run.Conflicts)
				if run.Error != "" {
					fmt.Fprintf(w, "    error: %s\n", run.Error)
				}
			}
			return nil
		},
	}
}

func jobsCommand(log zerolog.Logger) *cli.Command {
	jobFlag := &cli.StringFlag{
		Name:     "job",
		Usage:    "job `ID` or name",
		Required: true,
	}

	// withScheduler opens the database and hands a scheduler that never runs syncs to fn
	withScheduler := func(c *cli.Context, fn func(*scheduler.Service) error) error {
		db, err := database.Open(database.URLFromEnv(), log)
		if err != nil {
			return err
		}
		defer database.Close(db)
		return fn(scheduler.NewService(db, c.Context, nil, log))
	}

	setEnabled := func(enabled bool) cli.ActionFunc {
		return func(c *cli.Context) error {
			return withScheduler(c, func(svc *scheduler.Service) error {
				return svc.SetEnabled(c.String("job"), enabled)
			})
		}
	}

	return &cli.Command{
		Name:  "jobs",
		Usage: "manage stored sync schedules",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list stored schedules",
				Action: func(c *cli.Context) error {
					return withScheduler(c, func(svc *scheduler.Service) error {
						jobs, err := svc.ListJobs()
						if err != nil {
							return err
						}
						w := c.App.Writer
						for _, job := range jobs {
							next := "-"
							if job.NextRun != nil {
								next = *job.NextRun
							}
							fmt.Fprintf(w, "%s  %-20s  %-16s  %-12s  enabled=%t  next=%s\n",
								job.ID, job.Name, job.Cron, job.Timezone, job.Enabled, next)
						}
						return nil
					})
				},
			},
			{
				Name:  "delete",
				Usage: "remove a stored schedule",
				Flags: []cli.Flag{jobFlag},
				Action: func(c *cli.Context) error {
					return withScheduler(c, func(svc *scheduler.Service) error {
						return svc.DeleteJob(c.String("job"))
					})
				},
			},
			{
				Name:   "disable",
				Usage:  "keep a schedule but stop running it",
				Flags:  []cli.Flag{jobFlag},
				Action: setEnabled(false),
			},
			{
				Name:   "enable",
				Usage:  "resume a disabled schedule",
				Flags:  []cli.Flag{jobFlag},
				Action: setEnabled(true),
			},
		},
	}
}
