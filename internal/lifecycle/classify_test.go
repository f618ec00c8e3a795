package lifecycle_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cohort/internal/lifecycle"
	"github.com/ashita-ai/cohort/internal/model"
)

func participant(id string, fields map[string]any) model.Participant {
	return model.NewParticipant(id, fields)
}

func TestClassify_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   lifecycle.Phase
	}{
		{"complete wins over everything", map[string]any{
			"exitStatus": "complete", "connected": false, "gameFinished": true, "gameId": "g1",
		}, lifecycle.PhaseCompleted},
		{"complete while connected", map[string]any{
			"exitStatus": "complete", "connected": true, "introDone": true,
		}, lifecycle.PhaseCompleted},
		{"exit sequence beats in game", map[string]any{
			"connected": true, "gameFinished": true, "gameId": "g1", "introDone": true,
		}, lifecycle.PhaseExitSequence},
		{"in game by game id", map[string]any{
			"connected": true, "gameId": "g1", "introDone": true,
		}, lifecycle.PhaseInGame},
		{"in game by assigned flag", map[string]any{
			"connected": true, "assigned": true,
		}, lifecycle.PhaseInGame},
		{"empty game id is not in game", map[string]any{
			"connected": true, "gameId": "", "introDone": true,
		}, lifecycle.PhaseLobby},
		{"lobby beats countdown", map[string]any{
			"connected": true, "introDone": true, "inCountdown": true,
		}, lifecycle.PhaseLobby},
		{"countdown", map[string]any{
			"connected": true, "inCountdown": true,
		}, lifecycle.PhaseCountdown},
		{"intro fallback while connected", map[string]any{
			"connected": true,
		}, lifecycle.PhaseIntroSequence},
		{"non-complete exit status while connected", map[string]any{
			"connected": true, "exitStatus": "batchClosed",
		}, lifecycle.PhaseIntroSequence},
		{"disconnected mid game", map[string]any{
			"connected": false, "gameId": "g1", "introDone": true,
		}, lifecycle.PhaseDisconnected},
		{"missing connected flag", map[string]any{
			"introDone": true,
		}, lifecycle.PhaseUnexpected},
		{"mistyped connected flag", map[string]any{
			"connected": "yes",
		}, lifecycle.PhaseUnexpected},
		{"nil connected flag", map[string]any{
			"connected": nil,
		}, lifecycle.PhaseUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lifecycle.Classify(participant("p", tt.fields)))
		})
	}
}

func TestClassify_NilFields(t *testing.T) {
	assert.Equal(t, lifecycle.PhaseUnexpected, lifecycle.Classify(model.Participant{ID: "p"}))
}

// TestClassify_Total enumerates every combination of the fields the rules read
// and checks that the result is the first rule that matches.
func TestClassify_Total(t *testing.T) {
	exitStatuses := []any{nil, "complete", "batchClosed"}
	flags := []any{nil, true, false}
	gameIDs := []any{nil, "", "g1"}
	connectedValues := []any{nil, true, false, "true"}

	n := 0
	for _, exit := range exitStatuses {
		for _, finished := range flags {
			for _, gameID := range gameIDs {
				for _, assigned := range flags {
					for _, intro := range flags {
						for _, countdown := range flags {
							for _, conn := range connectedValues {
								fields := map[string]any{}
								set := func(k string, v any) {
									if v != nil {
										fields[k] = v
									}
								}
								set("exitStatus", exit)
								set("gameFinished", finished)
								set("gameId", gameID)
								set("assigned", assigned)
								set("introDone", intro)
								set("inCountdown", countdown)
								set("connected", conn)
								p := participant("p", fields)

								got := lifecycle.Classify(p)
								require.Contains(t, lifecycle.Phases, got)

								want := lifecycle.PhaseUnexpected
								for _, r := range lifecycle.Rules {
									if r.Match(p) {
										want = r.Phase
										break
									}
								}
								require.Equal(t, want, got, "fields %v", fields)
								if exit == "complete" {
									require.Equal(t, lifecycle.PhaseCompleted, got)
								}
								n++
							}
						}
					}
				}
			}
		}
	}
	assert.Equal(t, 3*3*3*3*3*3*4, n)
}

func TestRules_OrderMatchesPhases(t *testing.T) {
	require.Len(t, lifecycle.Rules, len(lifecycle.Phases)-1)
	for i, r := range lifecycle.Rules {
		assert.Equal(t, lifecycle.Phases[i], r.Phase)
	}
}

func TestTally_CountsSumWithAnomaly(t *testing.T) {
	ps := []model.Participant{
		participant("a", map[string]any{"connected": true}),
		participant("b", map[string]any{"connected": true, "introDone": true}),
		participant("c", map[string]any{"connected": false}),
		participant("d", map[string]any{"exitStatus": "complete"}),
		participant("e", map[string]any{"introDone": true}), // never connected
		participant("f", map[string]any{"connected": true, "introDone": true}),
	}
	before := ps[1].Fields["introDone"]

	c := lifecycle.Tally(ps)

	assert.Equal(t, 6, c.Total)
	sum := 0
	for _, n := range c.ByPhase {
		sum += n
	}
	assert.Equal(t, 6, sum)
	assert.Equal(t, 1, c.ByPhase[lifecycle.PhaseIntroSequence])
	assert.Equal(t, 2, c.ByPhase[lifecycle.PhaseLobby])
	assert.Equal(t, 1, c.ByPhase[lifecycle.PhaseDisconnected])
	assert.Equal(t, 1, c.ByPhase[lifecycle.PhaseCompleted])
	assert.Equal(t, 1, c.ByPhase[lifecycle.PhaseUnexpected])
	assert.Equal(t, []string{"e"}, c.Anomalies)
	assert.Equal(t, before, ps[1].Fields["introDone"])
	assert.Len(t, ps[4].Fields, 1)
}

func TestTally_Empty(t *testing.T) {
	c := lifecycle.Tally(nil)
	assert.Equal(t, 0, c.Total)
	assert.Empty(t, c.Anomalies)
}

func TestReport_LogsSummaryAndAnomalies(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c := lifecycle.Tally([]model.Participant{
		participant("ok", map[string]any{"connected": true}),
		participant("bad-1", map[string]any{}),
		participant("bad-2", map[string]any{"connected": 1}),
	})
	lifecycle.Report(context.Background(), logger, "batch-1", c)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[0], "introSequence=1")
	assert.Contains(t, lines[0], "unexpected=2")
	assert.Contains(t, lines[1], "level=ERROR")
	assert.Contains(t, lines[1], "participant_id=bad-1")
	assert.Contains(t, lines[2], "participant_id=bad-2")
}
