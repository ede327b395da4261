package articulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lateraltutor/internal/types"
)

var (
	errMissingResponse = errors.New("missing or invalid agent_response field")
	errNotObject       = errors.New("candidate is not a JSON object")
)

// decodeDirective strictly decodes one directive object. agent_response must
// be a non-empty string; the other fields are coerced leniently.
//
// An unrecognized stage is kept verbatim so the state machine can decide
// what to do with it. A missing stage is left empty.
func decodeDirective(candidate string) (types.Directive, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return types.Directive{}, fmt.Errorf("%w: %v", errNotObject, err)
	}

	var d types.Directive

	var response string
	raw, ok := fields["agent_response"]
	if !ok || json.Unmarshal(raw, &response) != nil || strings.TrimSpace(response) == "" {
		return types.Directive{}, errMissingResponse
	}
	d.AgentResponse = response

	if label, ok := decodeString(fields["stage"]); ok {
		if s, known := types.ParseStage(label); known {
			d.Stage = s
		} else {
			d.Stage = types.Stage(strings.TrimSpace(label))
		}
	}

	action, _ := decodeString(fields["required_action"])
	d.RequiredAction = types.ParseRequiredAction(action)

	if img, ok := decodeString(fields["image_url"]); ok {
		d.ImageURL = types.StringPtr(img)
	}

	d.IsRelevant = decodeRelevance(fields["is_relevant"])
	return d, nil
}

// decodeString accepts a JSON string; null, absent and other shapes report false.
func decodeString(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// decodeRelevance treats only an explicit false as off-topic. Models sometimes
// quote booleans, so "false" counts too.
func decodeRelevance(raw json.RawMessage) bool {
	if isNull(raw) {
		return true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	if s, ok := decodeString(raw); ok {
		return !strings.EqualFold(strings.TrimSpace(s), "false")
	}
	return true
}

func isNull(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v == "" || v == "null"
}
