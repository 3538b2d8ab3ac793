package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tracker-data-sync/internal/api"
	"tracker-data-sync/internal/services/extract"
	"tracker-data-sync/internal/services/summary"
)

// DefaultTimeout bounds a single page upload
const DefaultTimeout = 10 * time.Second

// Poster sends JSON to the destination instance
type Poster interface {
	Post(ctx context.Context, endpoint string, payload interface{}, params map[string]string, result interface{}) error
}

// Loader reads staged pages
type Loader interface {
	Get(key string, v interface{}) error
}

// Recorder receives the import result of each uploaded page
type Recorder interface {
	RecordUpload(page int, counts summary.Counts, conflicts []summary.ConflictRecord)
}

// Service uploads staged pages to the destination instance
type Service struct {
	client  Poster
	store   Loader
	ledger  Recorder
	timeout time.Duration
	log     zerolog.Logger
}

// NewService creates a new upload service. A zero timeout uses DefaultTimeout.
func NewService(client Poster, store Loader, ledger Recorder, timeout time.Duration, log zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		client:  client,
		store:   store,
		ledger:  ledger,
		timeout: timeout,
		log:     log.With().Str("component", "upload").Logger(),
	}
}

// Upload reads the page staged under key, posts it to the destination and
// records the import counters and conflicts. It satisfies Worker.
func (s *Service) Upload(ctx context.Context, key string) (*ImportResponse, error) {
	log := s.log.With().Str("fn", "Upload").Str("key", key).Logger()

	page, err := extract.PageFromKey(key)
	if err != nil {
		log.Error().Err(err).Msg("cannot derive page from key")
		return nil, err
	}
	log = log.With().Int("page", page).Logger()

	var payload json.RawMessage
	if err := s.store.Get(key, &payload); err != nil {
		log.Error().Err(err).Msg("failed to read staged page")
		return nil, fmt.Errorf("failed to read staged page %d: %w", page, err)
	}

	log.Info().Msgf("Uploading data from file: %s", key)

	resp, err := s.post(ctx, payload)
	if err != nil {
		log.Error().Err(err).Bool("timeout", api.IsTimeout(err)).Msg("Error uploading data to destination")
		return nil, fmt.Errorf("failed to upload page %d: %w", page, err)
	}

	conflicts := ExtractConflicts(page, resp.Response)
	s.ledger.RecordUpload(page, resp.Response.Counts(), conflicts)

	log.Info().
		Str("status", resp.Status).
		Int("imported", resp.Response.Imported).
		Int("updated", resp.Response.Updated).
		Int("ignored", resp.Response.Ignored).
		Int("conflicts", len(conflicts)).
		Msgf("Data from file %s uploaded successfully", key)

	return resp, nil
}

// post sends the payload under the upload timeout. DHIS2 answers 409 when some
// TEIs are rejected; the body is still a full import summary.
func (s *Service) post(ctx context.Context, payload json.RawMessage) (*ImportResponse, error) {
	postCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := map[string]string{"strategy": ImportStrategy}

	var resp ImportResponse
	err := s.client.Post(postCtx, extract.Endpoint, payload, params, &resp)
	if err == nil {
		return &resp, nil
	}

	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		var conflict ImportResponse
		if jsonErr := json.Unmarshal(httpErr.Body, &conflict); jsonErr == nil && conflict.Response.HasContent() {
			return &conflict, nil
		}
	}

	if postCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, fmt.Errorf("upload timed out after %s: %w", s.timeout, err)
	}
	return nil, err
}
