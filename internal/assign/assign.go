// Package assign places a finalized group of participants into the numbered
// positions of a treatment.
//
// Each player gets an independent score from a Strategy and positions are the
// ranks of those scores. With continuous random scores this is a uniformly
// random permutation of 0..n-1, computed without retries.
package assign

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/ashita-ai/cohort/internal/model"
)

// StrategyRandom is the only defined assignment strategy. An empty
// assignPositionsBy also selects it.
const StrategyRandom = "random"

// Strategy produces one score per player. Lower scores take lower positions.
type Strategy interface {
	Scores(players []model.Participant) []float64
}

// RandomStrategy draws uniform scores from Rand.
type RandomStrategy struct {
	Rand *rand.Rand
}

// Scores implements Strategy.
func (s RandomStrategy) Scores(players []model.Participant) []float64 {
	scores := make([]float64, len(players))
	for i := range scores {
		if s.Rand != nil {
			scores[i] = s.Rand.Float64()
		} else {
			scores[i] = rand.Float64() //nolint:gosec // position order needs no crypto-strength randomness
		}
	}
	return scores
}

// zeroStrategy leaves every score at zero, which keeps input order.
type zeroStrategy struct{}

func (zeroStrategy) Scores(players []model.Participant) []float64 {
	return make([]float64, len(players))
}

// Assigner writes positions and titles onto groups of players.
type Assigner struct {
	strategies map[string]Strategy
	logger     *slog.Logger
}

// New returns an Assigner with the random strategy registered. rng may be nil
// to use the runtime's global source.
func New(logger *slog.Logger, rng *rand.Rand) *Assigner {
	a := &Assigner{
		strategies: map[string]Strategy{},
		logger:     logger,
	}
	a.Register(StrategyRandom, RandomStrategy{Rand: rng})
	return a
}

// Register adds or replaces a named strategy.
func (a *Assigner) Register(name string, s Strategy) {
	a.strategies[name] = s
}

func (a *Assigner) strategy(ctx context.Context, by string) Strategy {
	if by == "" {
		by = StrategyRandom
	}
	if s, ok := a.strategies[by]; ok {
		return s
	}
	a.logger.WarnContext(ctx, "assign: unknown assignPositionsBy, keeping input order",
		"assign_positions_by", by)
	return zeroStrategy{}
}

// Assign gives every player a distinct position in 0..n-1 and the title the
// treatment composes for it. players are modified in place; the returned IDs
// are in input order.
func (a *Assigner) Assign(ctx context.Context, players []model.Participant, by string, treatment model.Treatment) []string {
	scores := a.strategy(ctx, by).Scores(players)
	if len(scores) != len(players) {
		a.logger.WarnContext(ctx, "assign: strategy returned wrong number of scores, keeping input order",
			"assign_positions_by", by, "scores", len(scores), "players", len(players))
		scores = zeroStrategy{}.Scores(players)
	}

	order := make([]int, len(players))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] < scores[order[j]]
	})

	ids := make([]string, len(players))
	for position, idx := range order {
		p := &players[idx]
		title := treatment.TitleFor(position)
		p.Set(model.FieldPosition, strconv.Itoa(position))
		p.Set(model.FieldTitle, title)
		ids[idx] = p.ID
		a.logger.InfoContext(ctx, "assign: position assigned",
			"participant_id", p.ID,
			"treatment", treatment.Name,
			"position", position,
			"title", title,
		)
	}
	return ids
}
