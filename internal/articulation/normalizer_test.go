package articulation

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateraltutor/internal/types"
)

func TestNormalizeFencedScenario(t *testing.T) {
	raw := "```json\n{\"stage\":\"1_Onboarding\",\"agent_response\":\"Hi\",\"required_action\":\"USER_INPUT_REQUIRED\",\"image_url\":\"IMG_CASE1\",\"is_relevant\":true}\n```"

	res := NewNormalizer("").Normalize(raw, types.StageOnboarding)

	want := types.Directive{
		Stage:          types.StageOnboarding,
		AgentResponse:  "Hi",
		RequiredAction: types.ActionAwaitingInput,
		ImageURL:       types.StringPtr("IMG_CASE1"),
		IsRelevant:     true,
	}
	if diff := cmp.Diff(want, res.Directive); diff != "" {
		t.Errorf("directive mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, MethodJSONFenced, res.Method)
	assert.Empty(t, res.Warnings)
}

func TestNormalizeTrailingCommentary(t *testing.T) {
	raw := `{"stage":"2_LateralReading","agent_response":"Open a new tab.","required_action":"USER_INPUT_REQUIRED","image_url":null,"is_relevant":true}
I hope this helps! {"stage": "ignored"}`

	res := NewNormalizer("").Normalize(raw, types.StageOnboarding)
	assert.Equal(t, MethodJSON, res.Method)
	assert.Equal(t, types.StageLateralReading, res.Directive.Stage)
	assert.Equal(t, "Open a new tab.", res.Directive.AgentResponse)
	assert.Nil(t, res.Directive.ImageURL)
	assert.Contains(t, res.Warnings, warnTrailing)
}

func TestNormalizeDoublyNested(t *testing.T) {
	raw := `{"stage":"2_LateralReading","agent_response":"{\"stage\":\"2_LateralReading\",\"agent_response\":\"Who runs this site?\",\"is_relevant\":true}","required_action":"USER_INPUT_REQUIRED","is_relevant":false}`

	res := NewNormalizer("").Normalize(raw, types.StageOnboarding)
	assert.Equal(t, "Who runs this site?", res.Directive.AgentResponse)
	assert.False(t, res.Directive.IsRelevant, "outer fields stay authoritative")
	assert.Contains(t, res.Warnings, warnUnwrapped)
}

func TestNormalizeRemovesEmbeddedExample(t *testing.T) {
	raw := `{"stage":"1_Onboarding","agent_response":"Answer like this {\"stage\": \"1_Onboarding\", \"agent_response\": \"...\"} and we continue.","is_relevant":true}`

	res := NewNormalizer("").Normalize(raw, types.StageOnboarding)
	assert.NotContains(t, res.Directive.AgentResponse, "stage")
	assert.True(t, strings.HasPrefix(res.Directive.AgentResponse, "Answer like this"))
	assert.True(t, strings.HasSuffix(res.Directive.AgentResponse, "and we continue."))
	assert.Contains(t, res.Warnings, warnSanitized)
}

func TestNormalizeRemovesImaginePhrases(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"english", "Imagine the photo below. Is it real?", "Is it real?"},
		{"chinese", "请想象一张图片。这条新闻是真的吗？", "。这条新闻是真的吗？"},
		{"untouched", "Look at the source.", "Look at the source."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeResponse(tt.response))
		})
	}
}

func TestNormalizeEmptiedResponseShowsParseFailure(t *testing.T) {
	n := NewNormalizer("could not parse")
	tests := []struct {
		name string
		raw  string
	}{
		{"serialized_directive", `{"stage":"2_LateralReading","agent_response":"{\"stage\":\"1_Onboarding\"}","required_action":"SHOW_IMAGE","is_relevant":false}`},
		{"empty_nested_response", `{"stage":"2_LateralReading","agent_response":"{\"agent_response\":\"\"}","required_action":"SHOW_IMAGE","is_relevant":false}`},
		{"imagine_only", `{"stage":"2_LateralReading","agent_response":"请想象一张图片","required_action":"SHOW_IMAGE","is_relevant":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Normalize(tt.raw, types.StageOnboarding)
			assert.Equal(t, MethodJSON, res.Method)
			assert.Equal(t, "could not parse", res.Directive.AgentResponse)
			assert.Equal(t, types.StageLateralReading, res.Directive.Stage)
			assert.Equal(t, types.ActionShowImage, res.Directive.RequiredAction)
			assert.False(t, res.Directive.IsRelevant)
			assert.Contains(t, res.Warnings, warnEmptied)
		})
	}

	res := n.Normalize("Please imagine the picture.", types.StageAssessment)
	assert.Equal(t, MethodProse, res.Method)
	assert.Equal(t, "could not parse", res.Directive.AgentResponse)
	assert.Equal(t, types.StageAssessment, res.Directive.Stage)

	assert.Empty(t, sanitizeResponse(`{"stage": "1"}`))
}

func TestNormalizeTruncatedUsesRegex(t *testing.T) {
	raw := `{"stage":"2_LateralReading","agent_response":"Line one\nLine \"two\"`

	res := NewNormalizer("").Normalize(raw, types.StageAssessment)
	assert.Equal(t, MethodRegex, res.Method)
	assert.Equal(t, "Line one\nLine \"two\"", res.Directive.AgentResponse)
	assert.Equal(t, types.StageAssessment, res.Directive.Stage, "fallback keeps the current stage")
	assert.Equal(t, types.ActionAwaitingInput, res.Directive.RequiredAction)
	assert.True(t, res.Directive.IsRelevant)
}

func TestNormalizeSynthesizes(t *testing.T) {
	n := NewNormalizer("could not parse")
	for _, raw := range []string{"", "{}", `{"stage": "1_Onboarding"}`, `{"agent_response": 42}`, "{{{"} {
		res := n.Normalize(raw, types.StageLateralReading)
		assert.Equal(t, MethodSynthesized, res.Method, raw)
		assert.Equal(t, "could not parse", res.Directive.AgentResponse, raw)
		assert.Equal(t, types.StageLateralReading, res.Directive.Stage, raw)
	}
	assert.Equal(t, 5, n.Stats().Synthesized)
}

func TestNormalizeProse(t *testing.T) {
	res := NewNormalizer("").Normalize("Sorry, let's start over.", types.StageOnboarding)
	assert.Equal(t, MethodProse, res.Method)
	assert.Equal(t, "Sorry, let's start over.", res.Directive.AgentResponse)
}

func TestDecodeDirectiveCoercion(t *testing.T) {
	d, err := decodeDirective(`{"agent_response":"x","stage":"4_Bonus","required_action":"terminated","is_relevant":"false"}`)
	require.NoError(t, err)
	assert.Equal(t, types.Stage("4_Bonus"), d.Stage)
	assert.Equal(t, types.ActionTerminated, d.RequiredAction)
	assert.False(t, d.IsRelevant)

	d, err = decodeDirective(`{"agent_response":"x","stage":"LateralReading"}`)
	require.NoError(t, err)
	assert.Equal(t, types.StageLateralReading, d.Stage)
	assert.True(t, d.IsRelevant, "absent is_relevant counts as relevant")
	assert.Equal(t, types.ActionAwaitingInput, d.RequiredAction)

	_, err = decodeDirective(`{"agent_response":"   "}`)
	assert.ErrorIs(t, err, errMissingResponse)
	_, err = decodeDirective(`[1,2]`)
	assert.ErrorIs(t, err, errNotObject)
}

func TestStripFence(t *testing.T) {
	out, ok := stripFence("```\n{}\n```")
	assert.True(t, ok)
	assert.Equal(t, "{}", out)

	out, ok = stripFence(`  {"a":1}  `)
	assert.False(t, ok)
	assert.Equal(t, `{"a":1}`, out)
}

func TestNormalizeNeverReturnsEmptyResponse(t *testing.T) {
	inputs := []string{
		"```json\n{\"agent_response\": \"ok\"",
		"// comment\n{\"agent_response\":\"commented\"}",
		`{"agent_response":"{\"agent_response\":\"{\\\"agent_response\\\":\\\"deep\\\"}\"}"}`,
		"```",
		"}{",
		`{"agent_response": ""}`,
		`"agent_response": "loose"`,
	}
	n := NewNormalizer("")
	for _, raw := range inputs {
		res := n.Normalize(raw, types.StageOnboarding)
		assert.NotEmpty(t, strings.TrimSpace(res.Directive.AgentResponse), "input %q", raw)
	}
	assert.Equal(t, len(inputs), n.Stats().TotalProcessed)
}

func TestNormalizeTriplyNested(t *testing.T) {
	raw := `{"agent_response":"{\"agent_response\":\"{\\\"agent_response\\\":\\\"deep\\\"}\"}"}`
	res := NewNormalizer("").Normalize(raw, types.StageOnboarding)
	assert.Equal(t, "deep", res.Directive.AgentResponse)
}
