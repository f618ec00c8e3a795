// Package survey retrieves exit-survey responses from Qualtrics.
//
// Qualtrics hands the browser a session ID ("FS_...") when an embedded survey
// is submitted; the responses API is keyed by the response ID ("R_...") with
// the same suffix. Fetch translates between the two and degrades every
// failure to an empty result so a slow provider never blocks a participant.
package survey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/cohort/internal/telemetry"
)

const (
	sessionPrefix  = "FS_"
	responsePrefix = "R_"
)

// Outcome tags how a fetch ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeNotReady  Outcome = "not_ready" // 202: the provider is still processing.
	OutcomeFailed    Outcome = "failed"    // Non-retryable response.
	OutcomeExhausted Outcome = "exhausted" // Retry budget spent on transient errors.
)

// Result is the outcome of a fetch. Payload is the provider's "result" object
// on success and {"values": {}} otherwise; callers should treat the empty
// values as "no data available".
type Result struct {
	Outcome    Outcome        `json:"outcome"`
	Payload    map[string]any `json:"payload"`
	ResponseID string         `json:"response_id"`
	Attempts   int            `json:"attempts"`
	Err        error          `json:"-"`
}

// OK reports whether the payload came from the provider.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// EmptyPayload returns the payload used for every non-OK result.
func EmptyPayload() map[string]any {
	return map[string]any{"values": map[string]any{}}
}

// ResponseID rewrites a session ID to the response ID the read endpoint
// expects. IDs without the session prefix are returned unchanged.
func ResponseID(sessionID string) string {
	if strings.HasPrefix(sessionID, sessionPrefix) {
		return responsePrefix + strings.TrimPrefix(sessionID, sessionPrefix)
	}
	return sessionID
}

// Config holds the settings needed to construct a Fetcher.
type Config struct {
	// Datacenter is the Qualtrics datacenter ID (e.g. "iad1").
	Datacenter string

	// APIToken is sent as X-API-TOKEN.
	APIToken string

	// BaseURL overrides the datacenter-derived root
	// (https://{Datacenter}.qualtrics.com). Used by tests and proxies.
	BaseURL string

	// BaseDelay is the first backoff delay; it doubles per retry with jitter.
	// Zero retries immediately.
	BaseDelay time.Duration

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout (default 30s) is used.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Fetcher reads survey responses. It holds no per-request state and is safe
// for concurrent use.
type Fetcher struct {
	baseURL   string
	token     string
	baseDelay time.Duration
	client    *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewFetcher creates a Fetcher. Returns an error if the token or both the
// datacenter and base URL are empty.
func NewFetcher(logger *slog.Logger, cfg Config) (*Fetcher, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("survey: APIToken is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.Datacenter == "" {
			return nil, fmt.Errorf("survey: Datacenter is required")
		}
		baseURL = "https://" + cfg.Datacenter + ".qualtrics.com"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Fetcher{
		baseURL:   baseURL,
		token:     cfg.APIToken,
		baseDelay: cfg.BaseDelay,
		client:    httpClient,
		logger:    logger,
		tracer:    telemetry.Tracer("cohort/survey"),
	}, nil
}

// errTransient marks attempt failures worth retrying.
var errTransient = errors.New("survey: transient failure")

// statusError is a non-200 response from the provider.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("survey: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Fetch retrieves the response for sessionID in surveyID. Transport errors,
// undecodable bodies and every non-200 status other than 202, 401 and 403 are
// retried up to retries more times. A 202 ends the fetch immediately as
// NotReady; 401 and 403 end it as Failed.
func (f *Fetcher) Fetch(ctx context.Context, surveyID, sessionID string, retries int) Result {
	if retries < 0 {
		retries = 0
	}
	responseID := ResponseID(sessionID)

	ctx, span := f.tracer.Start(ctx, "survey.fetch", trace.WithAttributes(
		attribute.String("survey.id", surveyID),
		attribute.String("survey.response_id", responseID),
		attribute.Int("survey.retries", retries),
	))
	defer span.End()

	res := Result{ResponseID: responseID}
	delay := f.baseDelay
	for attempt := range retries + 1 {
		res.Attempts = attempt + 1
		payload, err := f.attempt(ctx, surveyID, responseID)
		if err == nil {
			res.Outcome = OutcomeOK
			res.Payload = payload
			span.SetAttributes(attribute.Int("survey.attempts", res.Attempts))
			return res
		}
		res.Err = err

		var se *statusError
		if errors.As(err, &se) && se.StatusCode == http.StatusAccepted {
			f.logger.WarnContext(ctx, "survey: response not ready, not retrying",
				"survey_id", surveyID, "response_id", responseID, "attempt", res.Attempts)
			return f.degrade(span, res, OutcomeNotReady)
		}
		if !errors.Is(err, errTransient) {
			f.logger.ErrorContext(ctx, "survey: fetch failed",
				"survey_id", surveyID, "response_id", responseID, "attempt", res.Attempts, "error", err)
			return f.degrade(span, res, OutcomeFailed)
		}
		if attempt == retries {
			break
		}

		f.logger.WarnContext(ctx, "survey: fetch attempt failed, retrying",
			"survey_id", surveyID, "response_id", responseID,
			"attempt", res.Attempts, "remaining", retries-attempt, "error", err)
		if delay > 0 {
			jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return f.degrade(span, res, OutcomeExhausted)
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}
	}

	f.logger.ErrorContext(ctx, "survey: retries exhausted",
		"survey_id", surveyID, "response_id", responseID, "attempts", res.Attempts, "error", res.Err)
	return f.degrade(span, res, OutcomeExhausted)
}

func (f *Fetcher) degrade(span trace.Span, res Result, outcome Outcome) Result {
	res.Outcome = outcome
	res.Payload = EmptyPayload()
	span.SetAttributes(
		attribute.Int("survey.attempts", res.Attempts),
		attribute.String("survey.outcome", string(outcome)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.SetStatus(codes.Error, string(outcome))
	return res
}

// responseEnvelope is the provider's response wrapper.
type responseEnvelope struct {
	Result map[string]any `json:"result"`
}

func (f *Fetcher) attempt(ctx context.Context, surveyID, responseID string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/API/v3/surveys/%s/responses/%s",
		f.baseURL, url.PathEscape(surveyID), url.PathEscape(responseID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("survey: create request: %w", err)
	}
	req.Header.Set("X-API-TOKEN", f.token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("survey: GET %s: %w", req.URL.Path, err)
		}
		return nil, fmt.Errorf("%w: GET %s: %w", errTransient, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", errTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &statusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		switch resp.StatusCode {
		case http.StatusAccepted, http.StatusUnauthorized, http.StatusForbidden:
			return nil, se
		}
		// The provider answers 404 for a response it has not indexed yet.
		return nil, fmt.Errorf("%w: %w", errTransient, se)
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", errTransient, err)
	}
	if env.Result == nil {
		return nil, fmt.Errorf("survey: response has no result")
	}
	return env.Result, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
