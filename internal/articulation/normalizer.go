// Package articulation turns raw model replies into usable directives.
//
// The model is asked for a single JSON object, but replies arrive fenced,
// followed by commentary, truncated, or with a directive serialized inside
// agent_response. Normalize recovers what it can and never fails.
package articulation

import (
	"strings"
	"sync"

	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// Method records how a directive was recovered.
type Method string

const (
	MethodJSON        Method = "json"
	MethodJSONFenced  Method = "json_fenced"
	MethodRegex       Method = "regex"
	MethodProse       Method = "prose"
	MethodSynthesized Method = "synthesized"
)

// DefaultParseFailure is shown when a reply could not be recovered at all.
const DefaultParseFailure = "System error: could not parse the reply. Please send your message again."

// maxUnwrapDepth bounds how many directive layers are peeled from agent_response.
const maxUnwrapDepth = 3

// Result is the output of one normalization.
type Result struct {
	Directive types.Directive
	Method    Method
	Warnings  []string
}

// Stats tracks recovery methods for monitoring.
type Stats struct {
	TotalProcessed int `json:"total_processed"`
	Decoded        int `json:"decoded"`
	Unwrapped      int `json:"unwrapped"`
	Sanitized      int `json:"sanitized"`
	RegexFallbacks int `json:"regex_fallbacks"`
	ProseFallbacks int `json:"prose_fallbacks"`
	Synthesized    int `json:"synthesized"`
}

// Normalizer recovers directives from raw replies. Safe for concurrent use.
type Normalizer struct {
	parseFailure string

	mu    sync.Mutex
	stats Stats
}

// NewNormalizer creates a normalizer. An empty parseFailure uses
// DefaultParseFailure.
func NewNormalizer(parseFailure string) *Normalizer {
	if strings.TrimSpace(parseFailure) == "" {
		parseFailure = DefaultParseFailure
	}
	return &Normalizer{parseFailure: parseFailure}
}

// Normalize recovers a directive from raw. current is the stage the dialogue
// is in; it is used when the reply carries no recoverable stage.
func (n *Normalizer) Normalize(raw string, current types.Stage) Result {
	timer := logging.StartTimer(logging.CategoryArticulation, "Normalize")
	defer timer.Stop()

	res := n.normalize(raw, current)

	n.mu.Lock()
	n.stats.TotalProcessed++
	switch res.Method {
	case MethodJSON, MethodJSONFenced:
		n.stats.Decoded++
	case MethodRegex:
		n.stats.RegexFallbacks++
	case MethodProse:
		n.stats.ProseFallbacks++
	case MethodSynthesized:
		n.stats.Synthesized++
	}
	for _, w := range res.Warnings {
		switch w {
		case warnUnwrapped:
			n.stats.Unwrapped++
		case warnSanitized:
			n.stats.Sanitized++
		}
	}
	n.mu.Unlock()

	if res.Method != MethodJSON {
		logging.ArticulationWarn("Recovered reply via %s (warnings=%v)", res.Method, res.Warnings)
	} else {
		logging.ArticulationDebug("Decoded reply: stage=%s action=%s", res.Directive.Stage, res.Directive.RequiredAction)
	}
	return res
}

const (
	warnUnwrapped = "nested directive unwrapped from agent_response"
	warnSanitized = "agent_response sanitized"
	warnTrailing  = "text outside the directive object ignored"
	warnEmptied   = "agent_response empty after sanitizing"
)

func (n *Normalizer) normalize(raw string, current types.Stage) Result {
	text, fenced := stripFence(raw)
	res := Result{Method: MethodJSON}
	if fenced {
		res.Method = MethodJSONFenced
	}

	if candidate, ok := firstBalancedObject(text); ok {
		d, err := decodeDirective(candidate)
		if err == nil {
			if strings.TrimSpace(candidate) != text {
				res.Warnings = append(res.Warnings, warnTrailing)
			}
			var unwrapped bool
			if d, unwrapped = unwrapNested(d); unwrapped {
				res.Warnings = append(res.Warnings, warnUnwrapped)
			}
			clean := sanitizeResponse(d.AgentResponse)
			if clean != strings.TrimSpace(d.AgentResponse) {
				res.Warnings = append(res.Warnings, warnSanitized)
			}
			d.AgentResponse = n.displayable(clean, &res)
			res.Directive = d
			return res
		}
		res.Warnings = append(res.Warnings, err.Error())
	}

	if v, ok := extractAgentResponse(text); ok {
		res.Method = MethodRegex
		res.Directive = synthesize(n.displayable(sanitizeResponse(v), &res), current)
		return res
	}

	// Plain prose with no object at all is shown as-is.
	if text != "" && !strings.ContainsAny(text, "{}") {
		res.Method = MethodProse
		res.Directive = synthesize(n.displayable(sanitizeResponse(text), &res), current)
		return res
	}

	res.Method = MethodSynthesized
	res.Directive = synthesize(n.parseFailure, current)
	return res
}

// displayable substitutes the parse-failure message when sanitizing left
// nothing to show. The recovered stage, action and relevance are kept.
func (n *Normalizer) displayable(clean string, res *Result) string {
	if clean != "" {
		return clean
	}
	res.Warnings = append(res.Warnings, warnEmptied)
	return n.parseFailure
}

// unwrapNested handles a directive whose agent_response is itself a
// serialized directive. Only the innermost agent_response is taken; the
// outer fields stay authoritative.
func unwrapNested(d types.Directive) (types.Directive, bool) {
	unwrapped := false
	for i := 0; i < maxUnwrapDepth; i++ {
		inner := strings.TrimSpace(d.AgentResponse)
		if !strings.HasPrefix(inner, "{") || !strings.Contains(inner, `"agent_response"`) {
			break
		}
		if candidate, ok := firstBalancedObject(inner); ok {
			if nested, err := decodeDirective(candidate); err == nil {
				d.AgentResponse = nested.AgentResponse
				unwrapped = true
				continue
			}
		}
		if v, ok := extractAgentResponse(inner); ok {
			d.AgentResponse = v
			unwrapped = true
		}
		break
	}
	return d, unwrapped
}

// Stats returns a copy of the recovery statistics.
func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}
