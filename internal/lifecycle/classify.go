// Package lifecycle derives a participant's current phase from its stored
// fields.
//
// Classification is pure: it reads a snapshot and never writes. Rules are
// evaluated top-down and the first match wins, so completion and disconnection
// take precedence over the earlier phases a participant may still carry flags
// for.
package lifecycle

import (
	"github.com/ashita-ai/cohort/internal/model"
)

// Phase is a participant's position in the session flow.
type Phase string

const (
	PhaseCompleted     Phase = "completed"
	PhaseExitSequence  Phase = "exitSequence"
	PhaseInGame        Phase = "inGame"
	PhaseLobby         Phase = "lobby"
	PhaseCountdown     Phase = "countdown"
	PhaseIntroSequence Phase = "introSequence"
	PhaseDisconnected  Phase = "disconnected"
	PhaseUnexpected    Phase = "unexpected"
)

// Phases lists every phase in precedence order, Unexpected last.
var Phases = []Phase{
	PhaseCompleted,
	PhaseExitSequence,
	PhaseInGame,
	PhaseLobby,
	PhaseCountdown,
	PhaseIntroSequence,
	PhaseDisconnected,
	PhaseUnexpected,
}

// Predicate reports whether a participant is in a phase.
type Predicate func(p model.Participant) bool

// Rule pairs a phase with the predicate that selects it.
type Rule struct {
	Phase Phase
	Match Predicate
}

// Rules is the ordered classification table. Unexpected has no rule; it is
// what Classify returns when nothing here matches.
var Rules = []Rule{
	{PhaseCompleted, func(p model.Participant) bool {
		return p.ExitStatus() == model.ExitStatusComplete
	}},
	{PhaseExitSequence, func(p model.Participant) bool {
		return p.Bool(model.FieldGameFinished) && connected(p)
	}},
	{PhaseInGame, func(p model.Participant) bool {
		return (p.Has(model.FieldGameID) || p.Bool(model.FieldAssigned)) && connected(p)
	}},
	{PhaseLobby, func(p model.Participant) bool {
		return p.Bool(model.FieldIntroDone) && connected(p)
	}},
	{PhaseCountdown, func(p model.Participant) bool {
		return p.Bool(model.FieldInCountdown) && connected(p)
	}},
	{PhaseIntroSequence, connected},
	{PhaseDisconnected, func(p model.Participant) bool {
		v, ok := p.BoolValue(model.FieldConnected)
		return ok && !v
	}},
}

func connected(p model.Participant) bool {
	return p.Bool(model.FieldConnected)
}

// Classify returns the phase of p. It is total: a record matching no rule
// (for example one whose connected flag was never written) is Unexpected.
func Classify(p model.Participant) Phase {
	for _, r := range Rules {
		if r.Match(p) {
			return r.Phase
		}
	}
	return PhaseUnexpected
}
