package completion

import (
	"fmt"
	"strings"

	"lateraltutor/internal/types"
)

// DefaultMaxWebChars bounds the fetched page text sent to the model.
const DefaultMaxWebChars = 8000

// Request is one completion call: the history so far plus the new user turn.
type Request struct {
	System        string // overrides the client's instruction when set
	History       []types.Turn
	UserText      string
	UserImage     *types.Attachment
	Stage         types.Stage
	OffTopicCount int
	WebContent    string // empty when no link was read
}

// Message is a provider-neutral chat message.
type Message struct {
	Role  types.Role
	Text  string
	Image *types.Attachment
}

// BuildMessages lays out the conversation: system instruction, history, then
// the annotated user turn. Model turns are replayed as their directive JSON.
func BuildMessages(system string, req Request, maxWebChars int) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	msgs = append(msgs, Message{Role: types.RoleSystem, Text: system})

	for _, turn := range req.History {
		switch turn.Role {
		case types.RoleModel:
			text := turn.Content
			if turn.Directive != nil {
				text = turn.Directive.JSON()
			}
			msgs = append(msgs, Message{Role: types.RoleModel, Text: text})
		case types.RoleUser:
			msgs = append(msgs, Message{Role: types.RoleUser, Text: turn.Content, Image: turn.Image})
		}
	}

	msgs = append(msgs, Message{
		Role:  types.RoleUser,
		Text:  annotate(req, maxWebChars),
		Image: req.UserImage,
	})
	return msgs
}

func annotate(req Request, maxWebChars int) string {
	stage := req.Stage
	if stage == "" {
		stage = types.StageOnboarding
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Context: Stage %s, OffTopicCount: %d] %s", stage, req.OffTopicCount, req.UserText)

	if req.WebContent != "" {
		if maxWebChars <= 0 {
			maxWebChars = DefaultMaxWebChars
		}
		b.WriteString("\n\n[SYSTEM: I have auto-read the link provided by the user. Here is the content:]\n")
		b.WriteString(truncate(req.WebContent, maxWebChars))
		b.WriteString("\n[End of Web Content]")
	}
	return b.String()
}
