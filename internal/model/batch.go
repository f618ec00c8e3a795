package model

import "time"

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusRunning BatchStatus = "running"
	BatchStatusClosed  BatchStatus = "closed"
)

// Batch is a launch of one or more treatments to a pool of participants.
// Config is immutable after creation.
type Batch struct {
	ID        string      `json:"id"`
	Config    BatchConfig `json:"config"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// BatchConfig holds launch parameters for a batch.
type BatchConfig struct {
	BatchName  string         `json:"batchName"`
	Treatments []Treatment    `json:"treatments,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Treatment finds a treatment by name.
func (c BatchConfig) Treatment(name string) (Treatment, bool) {
	for _, t := range c.Treatments {
		if t.Name == name {
			return t, true
		}
	}
	return Treatment{}, false
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

// TitleFor returns the title composed for position, or "" when no entry
// matches.
func (t Treatment) TitleFor(position int) string {
	for _, e := range t.GroupComposition {
		if e.Position == position {
			return e.Title
		}
	}
	return ""
}
