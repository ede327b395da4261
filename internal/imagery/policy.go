package imagery

import (
	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// Transition classifies how the stage moved on this turn.
type Transition int

const (
	TransitionStay Transition = iota
	TransitionAdvance
	TransitionEnterAssessment // first time the dialogue reaches Assessment
	TransitionOther           // backward or skipping moves
)

func (t Transition) String() string {
	switch t {
	case TransitionStay:
		return "stay"
	case TransitionAdvance:
		return "advance"
	case TransitionEnterAssessment:
		return "enter-assessment"
	default:
		return "other"
	}
}

// Situation is what the policy needs to know about the turn.
// The required_action of the reply plays no part: an image outside the two
// opening turns is dropped even when the model asks to show one.
type Situation struct {
	FirstModelTurn bool
	Stage          types.Stage // stage after adoption; empty if the model gave none
	Transition     Transition
}

// Rule is one entry of the image policy table. Applies selects the turn;
// Decide produces the final resolution from the model's resolution.
type Rule struct {
	Name    string
	Applies func(Situation) bool
	Decide  func(p *Policy, res Resolution) Resolution
}

// Policy evaluates its rules in order; the first rule that applies decides.
type Policy struct {
	resolver      *Resolver
	onboardingKey string
	assessmentKey string
	rules         []Rule
}

// NewPolicy builds the default rule table.
func NewPolicy(resolver *Resolver, onboardingKey, assessmentKey string) *Policy {
	if onboardingKey == "" {
		onboardingKey = KeyOnboarding
	}
	if assessmentKey == "" {
		assessmentKey = KeyAssessment
	}
	p := &Policy{resolver: resolver, onboardingKey: onboardingKey, assessmentKey: assessmentKey}
	p.rules = []Rule{
		{
			Name: "onboarding-opening",
			Applies: func(s Situation) bool {
				return s.FirstModelTurn && (s.Stage == "" || s.Stage == types.StageOnboarding)
			},
			Decide: func(p *Policy, res Resolution) Resolution { return p.require(res, p.onboardingKey) },
		},
		{
			Name:    "assessment-opening",
			Applies: func(s Situation) bool { return s.Transition == TransitionEnterAssessment },
			Decide:  func(p *Policy, res Resolution) Resolution { return p.require(res, p.assessmentKey) },
		},
		{
			Name:    "text-only",
			Applies: func(Situation) bool { return true },
			Decide: func(_ *Policy, res Resolution) Resolution {
				if !res.None() {
					logging.ImageryDebug("Suppressing image %s outside an image step", res.URL)
				}
				return Resolution{Source: SourceNone}
			},
		},
	}
	return p
}

// Apply returns the image to show for the turn described by s, given the
// model's own resolution. It also reports which rule decided.
func (p *Policy) Apply(s Situation, res Resolution) (Resolution, string) {
	for _, r := range p.rules {
		if r.Applies(s) {
			return r.Decide(p, res), r.Name
		}
	}
	return res, ""
}

// require keeps the model's image when there is one and forces key otherwise.
func (p *Policy) require(res Resolution, key string) Resolution {
	if !res.None() {
		return res
	}
	logging.ImageryWarn("Model omitted the mandatory image; forcing %s", key)
	return p.resolver.Force(key)
}

// ClassifyTransition reports how the stage moved from prev to next.
// assessmentSeen is whether the dialogue has already been in Assessment.
func ClassifyTransition(prev, next types.Stage, assessmentSeen bool) Transition {
	switch {
	case next == prev:
		return TransitionStay
	case next == types.StageAssessment && !assessmentSeen:
		return TransitionEnterAssessment
	case next.Ordinal() == prev.Ordinal()+1:
		return TransitionAdvance
	default:
		return TransitionOther
	}
}
