package dialogue

import (
	"lateraltutor/internal/imagery"
	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// DefaultMaxOffTopic is the number of consecutive irrelevant replies that
// ends a session.
const DefaultMaxOffTopic = 3

// State is the per-session dialogue state. Terminated is absorbing.
type State struct {
	Stage          types.Stage
	OffTopicCount  int
	Terminated     bool
	AssessmentSeen bool
	ModelTurns     int // model turns applied so far, init included
}

// InitialState is the state of a fresh session.
func InitialState() State {
	return State{Stage: types.StageOnboarding}
}

// Progress is the completion percentage shown to the student.
func (s State) Progress() int {
	if s.Terminated {
		return 100
	}
	return s.Stage.Progress()
}

// Outcome is the result of applying one directive.
type Outcome struct {
	State      State
	Directive  types.Directive // the directive as it will be shown and replayed
	Forced     bool            // off-topic limit reached
	Terminate  bool            // entered Terminated on this turn
	Transition imagery.Transition
	PrevStage  types.Stage
}

// Machine is the stage/off-topic transition function.
type Machine struct {
	MaxOffTopic        int
	StrictStages       bool
	TerminationMessage string
}

// Apply runs one transition. It is pure: s is not modified. init marks the
// synthetic session-initialization turn, which never counts as off-topic.
//
// Steps run in a fixed order and none is skipped: off-topic accounting,
// stage adoption, termination check.
func (m Machine) Apply(s State, d types.Directive, init bool) Outcome {
	next := s
	out := Outcome{PrevStage: s.Stage}
	limit := m.MaxOffTopic
	if limit <= 0 {
		limit = DefaultMaxOffTopic
	}

	// 1. Off-topic accounting.
	switch {
	case !d.IsRelevant && !init:
		next.OffTopicCount++
		if next.OffTopicCount >= limit {
			next.OffTopicCount = limit
			out.Forced = true
			d = types.Directive{
				Stage:          s.Stage,
				AgentResponse:  m.TerminationMessage,
				RequiredAction: types.ActionTerminated,
				IsRelevant:     false,
			}
		}
	case d.IsRelevant:
		next.OffTopicCount = 0
	}

	// 2. Stage adoption.
	next.Stage = m.adopt(s.Stage, d.Stage)
	d.Stage = next.Stage

	// 3. Termination check.
	if d.RequiredAction == types.ActionTerminated {
		next.Terminated = true
		out.Terminate = !s.Terminated
	}

	out.Transition = imagery.ClassifyTransition(s.Stage, next.Stage, s.AssessmentSeen)
	if next.Stage == types.StageAssessment {
		next.AssessmentSeen = true
	}
	next.ModelTurns++

	out.State = next
	out.Directive = d
	return out
}

// adopt returns the stage the dialogue moves to when the model proposes
// proposed while in current.
func (m Machine) adopt(current, proposed types.Stage) types.Stage {
	if proposed == "" || proposed == current {
		return current
	}
	if !proposed.Valid() {
		logging.DialogueWarn("Ignoring unrecognized stage %q (staying in %s)", proposed, current)
		return current
	}
	forward := proposed.Ordinal() == current.Ordinal()+1
	if forward {
		return proposed
	}
	if m.StrictStages {
		logging.DialogueWarn("Rejecting stage move %s -> %s", current, proposed)
		return current
	}
	logging.DialogueWarn("Non-sequential stage move %s -> %s", current, proposed)
	return proposed
}
