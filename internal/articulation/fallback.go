package articulation

import (
	"regexp"
	"strings"

	"lateraltutor/internal/types"
)

var agentResponseField = regexp.MustCompile(`"agent_response"\s*:\s*"((?:[^"\\]|\\.)*)"?`)

var unescaper = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\t`, "\t", `\/`, "/", `\\`, `\`)

// extractAgentResponse pulls the agent_response value straight out of text
// that failed to decode, e.g. a reply truncated mid-object.
func extractAgentResponse(raw string) (string, bool) {
	m := agentResponseField.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(unescaper.Replace(m[1]))
	return v, v != ""
}

// synthesize builds the directive used when nothing could be recovered. The
// conversation stays at the current stage and waits for the user.
func synthesize(message string, current types.Stage) types.Directive {
	return types.Directive{
		Stage:          current,
		AgentResponse:  message,
		RequiredAction: types.ActionAwaitingInput,
		IsRelevant:     true,
	}
}
