package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tracker-data-sync/internal/api"
	"tracker-data-sync/internal/services/summary"
)

// DefaultTimeout bounds a single page fetch
const DefaultTimeout = 10 * time.Second

// Getter fetches JSON from the source instance
type Getter interface {
	Get(ctx context.Context, endpoint string, params map[string]string, result interface{}) error
}

// Stager writes pages to the staging area
type Stager interface {
	Put(key string, v interface{}) error
}

// Recorder receives exactly one download outcome per page
type Recorder interface {
	RecordDownload(page int, outcome summary.Outcome)
}

// Service pages tracked entity instances out of the source instance
type Service struct {
	client  Getter
	store   Stager
	ledger  Recorder
	params  Params
	timeout time.Duration
	mapper  func(Page) Page
	log     zerolog.Logger
}

// Option customizes a Service
type Option func(*Service)

// WithTimeout sets the per-page download timeout
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithMapper sets the transform applied to every page before it is staged
func WithMapper(fn func(Page) Page) Option {
	return func(s *Service) {
		if fn != nil {
			s.mapper = fn
		}
	}
}

// NewService creates a new extract service
func NewService(client Getter, store Stager, ledger Recorder, params Params, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		client:  client,
		store:   store,
		ledger:  ledger,
		params:  params.WithDefaults(),
		timeout: DefaultTimeout,
		mapper:  func(p Page) Page { return p },
		log:     log.With().Str("component", "extract").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Params returns the resolved extraction parameters
func (s *Service) Params() Params {
	return s.params
}

// Probe asks the source for the pager of the first page
func (s *Service) Probe(ctx context.Context) (*Pagination, error) {
	var page Page
	if err := s.client.Get(ctx, Endpoint, s.params.Query(1), &page); err != nil {
		s.log.Error().Err(err).Str("fn", "Probe").Msg("failed to fetch pagination")
		return nil, fmt.Errorf("failed to fetch pagination: %w", err)
	}
	if page.Pager == nil {
		err := errors.New("response has no pager")
		s.log.Error().Err(err).Str("fn", "Probe").Msg("failed to fetch pagination")
		return nil, err
	}

	s.log.Info().
		Str("fn", "Probe").
		Int("total", page.Pager.Total).
		Int("pageSize", page.Pager.PageSize).
		Int("pageCount", page.Pager.PageCount).
		Msgf("Teis found: %d, Page size: %d, Page count: %d", page.Pager.Total, page.Pager.PageSize, page.Pager.PageCount)

	return page.Pager, nil
}

// FetchAll fetches pages 1..pageCount with at most Concurrency requests in
// flight and returns once every page has an outcome. sink may be nil.
func (s *Service) FetchAll(ctx context.Context, pageCount int, sink Sink) {
	if pageCount <= 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.params.Concurrency)

	for page := 1; page <= pageCount; page++ {
		page := page
		g.Go(func() error {
			s.FetchPage(ctx, page, sink)
			return nil
		})
	}

	// Workers never return errors; outcomes go to the ledger
	_ = g.Wait()

	s.log.Info().Str("fn", "FetchAll").Int("pageCount", pageCount).Msg("all pages fetched")
}

// FetchPage fetches, maps and stages one page, records its outcome and hands
// the staged key to sink.
func (s *Service) FetchPage(ctx context.Context, page int, sink Sink) summary.Outcome {
	log := s.log.With().Str("fn", "FetchPage").Int("page", page).Logger()
	log.Info().Msgf("Fetching page %d", page)

	data, err := s.fetch(ctx, page)
	if err != nil {
		outcome := summary.OutcomeError
		if api.IsTimeout(err) && ctx.Err() == nil {
			outcome = summary.OutcomeTimeout
		}
		log.Error().Err(err).Str("outcome", string(outcome)).Msg("failed to fetch page")
		s.ledger.RecordDownload(page, outcome)
		return outcome
	}

	data = s.mapper(data)

	key := PageKey(s.params.Program, s.params.OrgUnit, page)
	if err := s.store.Put(key, data); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to stage page")
		s.ledger.RecordDownload(page, summary.OutcomeError)
		return summary.OutcomeError
	}
	log.Info().Str("key", key).Msgf("Saved page %d to file: %s", page, key)

	// Recorded before the handoff so no upload can observe an unrecorded page
	s.ledger.RecordDownload(page, summary.OutcomeSuccess)

	if sink != nil {
		sink.Enqueue(key)
	}

	return summary.OutcomeSuccess
}

func (s *Service) fetch(ctx context.Context, page int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var data Page
	if err := s.client.Get(fetchCtx, Endpoint, s.params.Query(page), &data); err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return Page{}, fmt.Errorf("page %d timed out after %s: %w", page, s.timeout, context.DeadlineExceeded)
		}
		return Page{}, err
	}
	return data, nil
}
