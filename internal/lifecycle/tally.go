package lifecycle

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/cohort/internal/model"
)

// Counts is the result of a tally.
type Counts struct {
	Total     int           `json:"total"`
	ByPhase   map[Phase]int `json:"by_phase"`
	Anomalies []string      `json:"anomalies,omitempty"` // IDs classified Unexpected.
}

// Tally classifies every participant. It never mutates its input and a
// malformed record is counted as Unexpected rather than aborting the tally.
func Tally(participants []model.Participant) Counts {
	c := Counts{
		Total:   len(participants),
		ByPhase: make(map[Phase]int, len(Phases)),
	}
	for _, p := range participants {
		phase := Classify(p)
		c.ByPhase[phase]++
		if phase == PhaseUnexpected {
			c.Anomalies = append(c.Anomalies, p.ID)
		}
	}
	return c
}

// Report logs one summary line for counts, plus one error line per anomalous
// participant. scope identifies what was tallied (usually a batch ID).
func Report(ctx context.Context, logger *slog.Logger, scope string, c Counts) {
	attrs := []any{"scope", scope, "total", c.Total}
	for _, phase := range Phases {
		attrs = append(attrs, string(phase), c.ByPhase[phase])
	}
	logger.InfoContext(ctx, "lifecycle: participant phases", attrs...)

	for _, id := range c.Anomalies {
		logger.ErrorContext(ctx, "lifecycle: participant matches no phase",
			"scope", scope, "participant_id", id)
	}
}
