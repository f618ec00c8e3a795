package cohort

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the cohort API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
				},
			})
		})
	}
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:  serverURL,
		Operator: "lab",
		Key:      "secret",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err, "missing BaseURL")

	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err, "missing credentials")

	_, err = NewClient(Config{BaseURL: "http://localhost", Operator: "lab"})
	assert.Error(t, err, "operator without key")

	c, err := NewClient(Config{BaseURL: "http://localhost/", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost", c.baseURL)
}

func TestCreateBatchSendsConfig(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/batches": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token-xyz", r.Header.Get("Authorization"))
			var cfg BatchConfig
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&cfg)) {
				return
			}
			assert.Equal(t, "pilot", cfg.BatchName)
			require.Len(t, cfg.Treatments, 1)
			assert.Equal(t, 3, cfg.Treatments[0].PlayerCount)

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Batch{ID: "b-1", Config: cfg, Status: "running"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	b, err := c.CreateBatch(context.Background(), BatchConfig{
		BatchName:  "pilot",
		Treatments: []Treatment{{Name: "triad", PlayerCount: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", b.ID)
	assert.Equal(t, "running", b.Status)
}

func TestParticipantLifecycleCalls(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/batches/{batch}/participants/{pid}": func(w http.ResponseWriter, r *http.Request) {
			var fields map[string]any
			_ = json.NewDecoder(r.Body).Decode(&fields)
			fields["batchId"] = r.PathValue("batch")
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Participant{ID: r.PathValue("pid"), Fields: fields},
			})
		},
		"POST /v1/batches/{batch}/games": func(w http.ResponseWriter, r *http.Request) {
			var req DispatchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DispatchResponse{GameID: req.GameID, ParticipantIDs: req.ParticipantIDs},
			})
		},
		"GET /v1/batches/{batch}/phases": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": PhaseCounts{BatchID: r.PathValue("batch"), Total: 2, Phases: map[string]int{"inGame": 2}},
			})
		},
		"POST /v1/participants/{pid}/exit": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ExitResult{
					Participant: Participant{ID: r.PathValue("pid"), Fields: map[string]any{"exitStatus": body["status"]}},
					Exported:    true,
				},
			})
		},
		"POST /v1/batches/{batch}/close": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": CloseResult{BatchID: r.PathValue("batch"), Exported: 4},
			})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	p, err := c.UpsertParticipant(ctx, "b-1", "p-1", map[string]any{"platformId": "W1"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, "b-1", p.Fields["batchId"])

	d, err := c.Dispatch(ctx, "b-1", DispatchRequest{Treatment: "pair", GameID: "g-1", ParticipantIDs: []string{"p-1", "p-2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1", "p-2"}, d.ParticipantIDs)

	counts, err := c.Phases(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Phases["inGame"])

	res, err := c.Exit(ctx, "p-1", "kicked")
	require.NoError(t, err)
	assert.True(t, res.Exported)
	assert.Equal(t, "kicked", res.Participant.Fields["exitStatus"])

	closed, err := c.CloseBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 4, closed.Exported)
}

func TestExitWithoutStatusSendsNoBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/participants/{pid}/exit": func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			assert.Empty(t, raw)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ExitResult{Participant: Participant{ID: "p-1"}},
			})
		},
	})

	res, err := newTestClient(t, srv.URL).Exit(context.Background(), "p-1", "")
	require.NoError(t, err)
	assert.False(t, res.Exported)
}

func TestExitSurveyNotReady(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/surveys/{sid}/sessions/{sess}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "R_abc", r.PathValue("sess"))
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": SurveyResult{Outcome: "not_ready", Attempts: 1},
			})
		},
	})

	res, err := newTestClient(t, srv.URL).ExitSurvey(context.Background(), "SV_1", "R_abc")
	require.NoError(t, err)
	assert.Equal(t, "not_ready", res.Outcome)
	assert.Nil(t, res.Payload)
}

func TestTokenRefreshAfterExpiry(t *testing.T) {
	var authCount atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "lab", req["operator"])
			assert.Equal(t, "secret", req["key"])
			authCount.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token": "short-lived",
					// Inside the refresh margin, so every call refreshes.
					"expires_at": time.Now().Add(time.Second).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/batches/{batch}/phases": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": PhaseCounts{}})
		},
	})
	c := newTestClient(t, srv.URL)

	for range 2 {
		_, err := c.Phases(context.Background(), "b-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), authCount.Load())
}

func TestTokenReusedWhileValid(t *testing.T) {
	var authCount atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCount.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"token": "t", "expires_at": time.Now().Add(time.Hour).Format(time.RFC3339)},
			})
		},
		"GET /v1/batches/{batch}/phases": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": PhaseCounts{}})
		},
	})
	c := newTestClient(t, srv.URL)

	for range 3 {
		_, err := c.Phases(context.Background(), "b-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), authCount.Load())
}

func TestAuthFailureSurfacesAsError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid credentials"},
			})
		},
	})

	_, err := newTestClient(t, srv.URL).Phases(context.Background(), "b-1")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestErrorTypesMapCorrectly(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		checkFn func(error) bool
	}{
		{"404", http.StatusNotFound, "NOT_FOUND", IsNotFound},
		{"409", http.StatusConflict, "CONFLICT", IsConflict},
		{"429", http.StatusTooManyRequests, "RATE_LIMITED", IsRateLimited},
		{"502", http.StatusBadGateway, "UPSTREAM_ERROR", IsUpstream},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"POST /v1/batches/{batch}/close": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{"code": tc.code, "message": "nope"},
					})
				},
			})

			_, err := newTestClient(t, srv.URL).CloseBatch(context.Background(), "b-1")
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, "nope", apiErr.Message)
			assert.True(t, tc.checkFn(err))
		})
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/batches/{batch}/phases": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway exploded", http.StatusInternalServerError)
		},
	})

	_, err := newTestClient(t, srv.URL).Phases(context.Background(), "b-1")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Internal Server Error", apiErr.Code)
	assert.Contains(t, apiErr.Message, "gateway exploded")
}

func TestHealthNoAuth(t *testing.T) {
	var authCount atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCount.Add(1)
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"data": HealthResponse{Status: "unhealthy", Store: "disconnected"},
			})
		},
	})

	h, err := newTestClient(t, srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Zero(t, authCount.Load())
}

func TestStaticTokenSkipsExchange(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			t.Error("static token clients must not call /auth/token")
		},
		"GET /v1/batches/{batch}/phases": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer preissued", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{"data": PhaseCounts{Total: 1}})
		},
	})

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "preissued"})
	require.NoError(t, err)
	counts, err := c.Phases(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
}
