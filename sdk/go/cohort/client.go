package cohort

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client. Set either Token,
// or Operator and Key to exchange for tokens via POST /auth/token.
type Config struct {
	// BaseURL is the root URL of the cohort server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a pre-issued operator JWT (see "cohort token").
	Token string

	// Operator and Key authenticate against the server's operator key.
	Operator string
	Key      string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout (default 30s) is used.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client is an HTTP client for the cohort operator API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  tokenSource
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cohort: BaseURL is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var tokens tokenSource
	switch {
	case cfg.Token != "":
		tokens = staticToken(cfg.Token)
	case cfg.Operator != "" && cfg.Key != "":
		tokens = &keyExchange{
			baseURL:  baseURL,
			operator: cfg.Operator,
			key:      cfg.Key,
			client:   httpClient,
			margin:   30 * time.Second,
		}
	default:
		return nil, fmt.Errorf("cohort: Token or Operator and Key are required")
	}

	return &Client{baseURL: baseURL, client: httpClient, tokens: tokens}, nil
}

// CreateBatch registers a batch.
func (c *Client) CreateBatch(ctx context.Context, cfg BatchConfig) (*Batch, error) {
	var out Batch
	if err := c.do(ctx, http.MethodPost, "/v1/batches", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Phases returns the current lifecycle tally of a batch.
func (c *Client) Phases(ctx context.Context, batchID string) (*PhaseCounts, error) {
	var out PhaseCounts
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(batchID)+"/phases", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertParticipant merges fields into a participant, creating it if needed.
func (c *Client) UpsertParticipant(ctx context.Context, batchID, participantID string, fields map[string]any) (*Participant, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	var out Participant
	path := "/v1/batches/" + url.PathEscape(batchID) + "/participants/" + url.PathEscape(participantID)
	if err := c.do(ctx, http.MethodPut, path, fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dispatch assigns positions to a group and places it in a task instance.
func (c *Client) Dispatch(ctx context.Context, batchID string, req DispatchRequest) (*DispatchResponse, error) {
	var out DispatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(batchID)+"/games", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Exit marks a participant finished. An empty status means "complete".
func (c *Client) Exit(ctx context.Context, participantID, status string) (*ExitResult, error) {
	var body any
	if status != "" {
		body = map[string]string{"status": status}
	}
	var out ExitResult
	if err := c.do(ctx, http.MethodPost, "/v1/participants/"+url.PathEscape(participantID)+"/exit", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseBatch closes a batch, exporting everyone who has not exited.
func (c *Client) CloseBatch(ctx context.Context, batchID string) (*CloseResult, error) {
	var out CloseResult
	if err := c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(batchID)+"/close", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExitSurvey fetches a participant's exit survey response through the server.
func (c *Client) ExitSurvey(ctx context.Context, surveyID, sessionID string) (*SurveyResult, error) {
	var out SurveyResult
	path := "/v1/surveys/" + url.PathEscape(surveyID) + "/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks server health. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("cohort: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohort: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cohort: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cohort: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cohort: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cohort: read response body: %w", err)
	}

	// /health answers 503 with a normal body when the store is down.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("cohort: decode response envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
