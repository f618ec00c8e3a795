package model

import "time"

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeNotReady      = "NOT_READY"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Operator string `json:"operator"`
	Key      string `json:"key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

// PhaseCountsResponse is the response for GET /v1/batches/{batch_id}/phases.
type PhaseCountsResponse struct {
	BatchID   string         `json:"batch_id"`
	Total     int            `json:"total"`
	Phases    map[string]int `json:"phases"`
	Anomalies []string       `json:"anomalies"`
}

// DispatchResponse is the response for POST /v1/batches/{batch_id}/games.
type DispatchResponse struct {
	GameID         string   `json:"gameId,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// ExitRequest is the optional request body for POST /v1/participants/{participant_id}/exit.
type ExitRequest struct {
	Status string `json:"status,omitempty"`
}

// CloseBatchResponse is the response for POST /v1/batches/{batch_id}/close.
type CloseBatchResponse struct {
	BatchID  string `json:"batch_id"`
	Exported int    `json:"exported"`
}
