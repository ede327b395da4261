package completion

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateraltutor/internal/types"
)

func TestBuildMessagesOrderAndReplay(t *testing.T) {
	directive := &types.Directive{
		Stage:          types.StageOnboarding,
		AgentResponse:  "Is it true?",
		RequiredAction: types.ActionAwaitingInput,
		ImageURL:       types.StringPtr("https://img/1.jpg"),
		IsRelevant:     true,
	}
	req := Request{
		History: []types.Turn{
			{Role: types.RoleModel, Content: "Is it true?", Directive: directive},
			{Role: types.RoleUser, Content: "fake", Image: &types.Attachment{Data: []byte{1}, MIMEType: "image/png"}},
			{Role: types.RoleSystem, Content: "ignored"},
			{Role: types.RoleModel, Content: "⚠️ busy"},
		},
		UserText:      "why?",
		Stage:         types.StageLateralReading,
		OffTopicCount: 1,
	}

	msgs := BuildMessages("SYS", req, 0)
	require.Len(t, msgs, 5)

	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Equal(t, "SYS", msgs[0].Text)

	var replayed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Text), &replayed))
	assert.Equal(t, "Is it true?", replayed["agent_response"])
	assert.Equal(t, "1_Onboarding", replayed["stage"])

	assert.NotNil(t, msgs[2].Image)
	assert.Equal(t, "⚠️ busy", msgs[3].Text, "model turns without a directive replay their text")
	assert.Equal(t, "[Context: Stage 2_LateralReading, OffTopicCount: 1] why?", msgs[4].Text)
}

func TestAnnotateWebContentTruncated(t *testing.T) {
	long := strings.Repeat("é", 9000)
	text := annotate(Request{UserText: "see https://x", Stage: types.StageOnboarding, WebContent: long}, 8000)

	assert.True(t, strings.HasPrefix(text, "[Context: Stage 1_Onboarding, OffTopicCount: 0] see https://x\n\n[SYSTEM: I have auto-read the link"))
	assert.True(t, strings.HasSuffix(text, "\n[End of Web Content]"))
	assert.Equal(t, 8000, strings.Count(text, "é"))
}

func TestAnnotateDefaultsStage(t *testing.T) {
	assert.Equal(t, "[Context: Stage 1_Onboarding, OffTopicCount: 0] SYSTEM_INIT", annotate(Request{UserText: "SYSTEM_INIT"}, 0))
}

func TestCurrentImageRidesOnLastMessage(t *testing.T) {
	img := &types.Attachment{Data: []byte("jpg"), MIMEType: "image/jpeg"}
	msgs := BuildMessages("SYS", Request{UserText: "Check this image", UserImage: img}, 0)
	assert.Same(t, img, msgs[len(msgs)-1].Image)
}
