package dialogue

import (
	"time"

	"lateraltutor/internal/types"
)

// The log is the durable projection of the conversation. It is kept in
// memory and flushed once, when the session terminates.

func initRecord(at time.Time, text string) types.LogRecord {
	return types.LogRecord{
		Timestamp:      at,
		Role:           types.LogRoleSystem,
		Stage:          types.InitStage,
		RequiredAction: types.ActionAwaitingInput,
		IsRelevant:     true,
		Text:           text,
	}
}

func userRecord(at time.Time, s State, text string, image bool) types.LogRecord {
	return types.LogRecord{
		Timestamp:         at,
		Role:              types.LogRoleUser,
		Stage:             string(s.Stage),
		RequiredAction:    types.ActionAwaitingInput,
		IsRelevant:        true,
		OffTopicCount:     s.OffTopicCount,
		Text:              text,
		UserImageAttached: image,
	}
}

// agentRecord carries the post-transition state.
func agentRecord(at time.Time, s State, d types.Directive, imageURL string, userImage bool, webURL string) types.LogRecord {
	return types.LogRecord{
		Timestamp:         at,
		Role:              types.LogRoleAgent,
		Stage:             string(s.Stage),
		RequiredAction:    d.RequiredAction,
		IsRelevant:        d.IsRelevant,
		OffTopicCount:     s.OffTopicCount,
		Text:              d.AgentResponse,
		ImageURL:          types.StringPtr(imageURL),
		UserImageAttached: userImage,
		WebURLExtracted:   types.StringPtr(webURL),
	}
}

// failureRecord logs a completion failure shown to the student.
func failureRecord(at time.Time, s State, text string) types.LogRecord {
	return types.LogRecord{
		Timestamp:      at,
		Role:           types.LogRoleSystem,
		Stage:          string(s.Stage),
		RequiredAction: types.ActionAwaitingInput,
		IsRelevant:     true,
		OffTopicCount:  s.OffTopicCount,
		Text:           text,
	}
}
