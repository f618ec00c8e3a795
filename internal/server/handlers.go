package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/cohort/internal/auth"
	"github.com/ashita-ai/cohort/internal/model"
	"github.com/ashita-ai/cohort/internal/service/session"
	"github.com/ashita-ai/cohort/internal/storage"
	"github.com/ashita-ai/cohort/internal/survey"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	sessions            *session.Service
	jwtMgr              *auth.JWTManager
	operatorKeyHash     string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Sessions            *session.Service
	JWTMgr              *auth.JWTManager
	OperatorKeyHash     string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBytes := d.MaxRequestBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Handlers{
		sessions:            d.Sessions,
		jwtMgr:              d.JWTMgr,
		operatorKeyHash:     d.OperatorKeyHash,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Operator == "" || req.Key == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyKey(req.Key, h.operatorKeyHash)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "operator key hash is malformed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "token exchange unavailable")
		return
	}
	if !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Operator)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateBatch handles POST /v1/batches.
func (h *Handlers) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var cfg model.BatchConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(cfg.BatchName) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "batchName is required")
		return
	}
	seen := make(map[string]bool, len(cfg.Treatments))
	for _, t := range cfg.Treatments {
		if t.Name == "" || seen[t.Name] {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "treatment names must be unique and non-empty")
			return
		}
		seen[t.Name] = true
	}

	b, err := h.sessions.CreateBatch(r.Context(), cfg)
	if err != nil {
		h.writeServiceError(w, r, "create batch", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, b)
}

// HandleBatchPhases handles GET /v1/batches/{batch_id}/phases.
func (h *Handlers) HandleBatchPhases(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")
	counts, err := h.sessions.Observe(r.Context(), batchID)
	if err != nil {
		h.writeServiceError(w, r, "observe batch", err)
		return
	}

	phases := make(map[string]int, len(counts.ByPhase))
	for phase, n := range counts.ByPhase {
		phases[string(phase)] = n
	}
	anomalies := counts.Anomalies
	if anomalies == nil {
		anomalies = []string{}
	}
	writeJSON(w, r, http.StatusOK, model.PhaseCountsResponse{
		BatchID:   batchID,
		Total:     counts.Total,
		Phases:    phases,
		Anomalies: anomalies,
	})
}

// HandleUpsertParticipant handles PUT /v1/batches/{batch_id}/participants/{participant_id}.
// The body is a JSON object merged into the participant's fields.
func (h *Handlers) HandleUpsertParticipant(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	batchID := r.PathValue("batch_id")
	if v, ok := fields[model.FieldBatchID]; ok && v != batchID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "batchId does not match the batch in the path")
		return
	}

	p, err := h.sessions.UpsertParticipant(r.Context(), batchID, r.PathValue("participant_id"), fields)
	if err != nil {
		h.writeServiceError(w, r, "upsert participant", err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleDispatch handles POST /v1/batches/{batch_id}/games.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req session.DispatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ids, err := h.sessions.Dispatch(r.Context(), r.PathValue("batch_id"), req)
	if err != nil {
		h.writeServiceError(w, r, "dispatch group", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.DispatchResponse{GameID: req.GameID, ParticipantIDs: ids})
}

// HandleCloseBatch handles POST /v1/batches/{batch_id}/close.
func (h *Handlers) HandleCloseBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")
	n, err := h.sessions.CloseBatch(r.Context(), batchID)
	if err != nil {
		h.writeServiceError(w, r, "close batch", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.CloseBatchResponse{BatchID: batchID, Exported: n})
}

// HandleExit handles POST /v1/participants/{participant_id}/exit.
// The body is optional; an empty status means "complete".
func (h *Handlers) HandleExit(w http.ResponseWriter, r *http.Request) {
	var req model.ExitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	res, err := h.sessions.Exit(r.Context(), r.PathValue("participant_id"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, "exit participant", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleExitSurvey handles GET /v1/surveys/{survey_id}/sessions/{session_id}.
func (h *Handlers) HandleExitSurvey(w http.ResponseWriter, r *http.Request) {
	res := h.sessions.ExitSurvey(r.Context(), r.PathValue("survey_id"), r.PathValue("session_id"))
	switch res.Outcome {
	case survey.OutcomeOK, survey.OutcomeExhausted:
		// Exhausted still answers with the empty payload; the outcome field
		// tells the caller no data was available.
		writeJSON(w, r, http.StatusOK, res)
	case survey.OutcomeNotReady:
		writeJSON(w, r, http.StatusAccepted, res)
	default:
		h.logger.WarnContext(r.Context(), "exit survey fetch failed",
			"response_id", res.ResponseID, "error", res.Err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "survey provider rejected the request")
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.sessions.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Store = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps service and store errors to responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, session.ErrUnknownTreatment),
		errors.Is(err, session.ErrWrongBatch),
		errors.Is(err, session.ErrEmptyGroup),
		errors.Is(err, session.ErrDuplicateParticipant),
		errors.Is(err, session.ErrReservedField):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, session.ErrBatchClosed):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), op, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
