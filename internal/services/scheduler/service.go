package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tracker-data-sync/internal/models"
)

// Runner executes one scheduled sync
type Runner func(ctx context.Context, payload SyncJobPayload) error

// ErrJobNotFound is returned when no job matches an ID or name
var ErrJobNotFound = errors.New("scheduled job not found")

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service handles scheduled job management and execution
type Service struct {
	db     *gorm.DB
	ctx    context.Context
	cron   *cron.Cron
	jobs   map[string]cron.EntryID // jobID -> cron entry ID
	jobsMu sync.RWMutex
	runner Runner
	log    zerolog.Logger

	// runMu allows one sync at a time across all jobs; they share the
	// staging directory and summary document
	runMu sync.Mutex
}

// NewService creates a new scheduler service. A sync that is still running
// when its next tick arrives causes that tick to be skipped.
func NewService(db *gorm.DB, ctx context.Context, runner Runner, log zerolog.Logger) *Service {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Service{
		db:     db,
		ctx:    ctx,
		cron:   c,
		jobs:   make(map[string]cron.EntryID),
		runner: runner,
		log:    log,
	}
}

// Start loads every enabled job from the database and starts the cron scheduler
func (s *Service) Start() error {
	var jobs []models.ScheduledJob
	if err := s.db.Where("enabled = ? AND job_type = ?", true, models.JobTypeTEISync).Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}
	return s.start(jobs)
}

// StartJob schedules only the given job and starts the cron scheduler
func (s *Service) StartJob(jobID string) error {
	job, err := s.findJob(jobID)
	if err != nil {
		return err
	}
	if !job.Enabled {
		return fmt.Errorf("job %s is disabled", job.Name)
	}
	return s.start([]models.ScheduledJob{*job})
}

func (s *Service) start(jobs []models.ScheduledJob) error {
	for i := range jobs {
		job := &jobs[i]
		if err := s.scheduleJob(job); err != nil {
			s.log.Warn().Err(err).Str("job", job.Name).Str("id", job.ID).Msg("failed to schedule job")
			continue
		}
		s.log.Info().Str("job", job.Name).Str("cron", job.Cron).Msg("scheduled job")
	}

	s.cron.Start()
	s.log.Info().Int("jobs", len(jobs)).Msg("scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.log.Info().Msg("scheduler stopped")
	}
}

// ListJobs retrieves all scheduled jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	responses := make([]JobListResponse, len(jobs))
	for i := range jobs {
		responses[i] = s.toJobListResponse(&jobs[i])
	}

	return responses, nil
}

// UpsertJob creates or updates a scheduled sync
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	if req.Name == "" || req.Cron == "" {
		return "", errors.New("name and cron are required")
	}

	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	var job models.ScheduledJob
	result := s.db.Where("name = ?", req.Name).Limit(1).Find(&job)
	if result.Error != nil {
		return "", fmt.Errorf("failed to query job: %w", result.Error)
	}
	isNew := result.RowsAffected == 0
	if isNew {
		job = models.ScheduledJob{
			ID:   uuid.New().String(),
			Name: req.Name,
		}
	}

	job.JobType = models.JobTypeTEISync
	job.Cron = normalizedCron
	job.Timezone = timezone
	job.Enabled = req.Enabled
	job.Payload = string(payload)

	nextRun, err := nextRunAt(&job, time.Now())
	if err != nil {
		return "", err
	}
	job.NextRunAt = &nextRun

	if isNew {
		err = s.db.Create(&job).Error
	} else {
		err = s.db.Save(&job).Error
	}
	if err != nil {
		return "", fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// DeleteJob removes a scheduled job by ID or name
func (s *Service) DeleteJob(ref string) error {
	job, err := s.findJob(ref)
	if err != nil {
		return err
	}

	s.unschedule(job.ID)

	if err := s.db.Delete(&models.ScheduledJob{}, "id = ?", job.ID).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

// SetEnabled enables or disables a job by ID or name
func (s *Service) SetEnabled(ref string, enabled bool) error {
	job, err := s.findJob(ref)
	if err != nil {
		return err
	}

	if err := s.db.Model(&models.ScheduledJob{}).Where("id = ?", job.ID).Update("enabled", enabled).Error; err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return s.rescheduleJob(job.ID)
}

// findJob loads a job by ID or name
func (s *Service) findJob(ref string) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	res := s.db.Where("id = ? OR name = ?", ref, ref).Limit(1).Find(&job)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	return &job, nil
}

// scheduleJob adds a job to the cron scheduler
func (s *Service) scheduleJob(job *models.ScheduledJob) error {
	s.unschedule(job.ID)
	if !job.Enabled {
		return nil
	}

	spec := job.Cron
	if job.Timezone != "" {
		spec = fmt.Sprintf("CRON_TZ=%s %s", job.Timezone, job.Cron)
	}

	jobID := job.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		s.executeJob(jobID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[jobID] = entryID
	s.jobsMu.Unlock()

	return nil
}

func (s *Service) unschedule(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if entryID, exists := s.jobs[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, jobID)
	}
}

// rescheduleJob reloads a job from database and reschedules it
func (s *Service) rescheduleJob(jobID string) error {
	job, err := s.findJob(jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			s.unschedule(jobID)
			return nil
		}
		return err
	}

	return s.scheduleJob(job)
}

// executeJob runs a scheduled sync
func (s *Service) executeJob(jobID string) {
	log := s.log.With().Str("fn", "executeJob").Str("id", jobID).Logger()

	job, err := s.findJob(jobID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load job")
		return
	}
	log = log.With().Str("job", job.Name).Logger()

	now := time.Now()
	job.LastRunAt = &now
	if nextRun, err := nextRunAt(job, now); err != nil {
		log.Warn().Err(err).Msg("failed to compute next run")
	} else {
		job.NextRunAt = &nextRun
	}

	if err := s.db.Save(job).Error; err != nil {
		log.Warn().Err(err).Msg("failed to update job run times")
	}

	var payload SyncJobPayload
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			log.Error().Err(err).Msg("failed to parse job payload")
			return
		}
	}

	if !s.runMu.TryLock() {
		log.Warn().Msg("another scheduled sync is still running, skipping this run")
		return
	}
	defer s.runMu.Unlock()

	log.Info().Msg("executing scheduled sync")
	if err := s.runner(s.ctx, payload); err != nil {
		log.Error().Err(err).Msg("scheduled sync failed")
		return
	}
	log.Info().Msg("completed scheduled sync")
}

// nextRunAt returns the first activation of job after from, evaluated in the job's timezone
func nextRunAt(job *models.ScheduledJob, from time.Time) (time.Time, error) {
	loc := time.UTC
	if job.Timezone != "" {
		l, err := time.LoadLocation(job.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", job.Timezone, err)
		}
		loc = l
	}

	schedule, err := cronParser.Parse(job.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	return schedule.Next(from.In(loc)), nil
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return cronExpr, nil
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Run at 0 seconds of the minute
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func (s *Service) toJobListResponse(job *models.ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:        job.ID,
		Name:      job.Name,
		JobType:   job.JobType,
		Cron:      job.Cron,
		Timezone:  job.Timezone,
		Enabled:   job.Enabled,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
