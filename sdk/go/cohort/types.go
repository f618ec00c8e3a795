package cohort

import (
	"encoding/json"
	"time"
)

// BatchConfig holds launch parameters for a batch.
type BatchConfig struct {
	BatchName  string         `json:"batchName"`
	Treatments []Treatment    `json:"treatments,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Treatment describes one group task configuration.
type Treatment struct {
	Name              string             `json:"name"`
	PlayerCount       int                `json:"playerCount"`
	AssignPositionsBy string             `json:"assignPositionsBy,omitempty"`
	GroupComposition  []CompositionEntry `json:"groupComposition,omitempty"`
}

// CompositionEntry names the role for one position in a group.
type CompositionEntry struct {
	Position int    `json:"position"`
	Title    string `json:"title,omitempty"`
}

// Batch is a launched batch.
type Batch struct {
	ID        string      `json:"id"`
	Config    BatchConfig `json:"config"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Participant is a participant's raw field record.
type Participant struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// PhaseCounts is a batch's lifecycle tally.
type PhaseCounts struct {
	BatchID   string         `json:"batch_id"`
	Total     int            `json:"total"`
	Phases    map[string]int `json:"phases"`
	Anomalies []string       `json:"anomalies"`
}

// DispatchRequest places a group into a task instance.
type DispatchRequest struct {
	Treatment      string   `json:"treatment"`
	GameID         string   `json:"gameId,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// DispatchResponse lists the dispatched participants in request order.
type DispatchResponse struct {
	GameID         string   `json:"gameId,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// ExitResult reports what an exit call did. Exported is false when the
// participant had already exited.
type ExitResult struct {
	Participant Participant    `json:"participant"`
	Exported    bool           `json:"exported"`
	Record      map[string]any `json:"record,omitempty"`
}

// CloseResult reports how many payment records a batch close wrote.
type CloseResult struct {
	BatchID  string `json:"batch_id"`
	Exported int    `json:"exported"`
}

// SurveyResult is an exit survey fetch. Outcome is one of "ok", "not_ready"
// or "exhausted"; only "ok" carries provider data.
type SurveyResult struct {
	Outcome    string         `json:"outcome"`
	Payload    map[string]any `json:"payload"`
	ResponseID string         `json:"response_id"`
	Attempts   int            `json:"attempts"`
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
