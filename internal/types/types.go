// Package types provides the shared data model of the tutoring dialogue.
// It exists so that completion, articulation, imagery, dialogue and store can
// exchange turns and directives without importing each other.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STAGES
// =============================================================================

// Stage is one of the three ordered teaching phases. The zero value means the
// model did not supply a stage.
type Stage string

const (
	StageOnboarding     Stage = "1_Onboarding"     // awareness: first case shown
	StageLateralReading Stage = "2_LateralReading" // source checking
	StageAssessment     Stage = "3_Assessment"     // independent final test
)

// Stages lists the teaching phases in order.
var Stages = []Stage{StageOnboarding, StageLateralReading, StageAssessment}

// Ordinal returns the 1-based position of the stage, or 0 if it is not one of
// the known stages.
func (s Stage) Ordinal() int {
	for i, known := range Stages {
		if s == known {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool { return s.Ordinal() > 0 }

// Label returns the human part of the stage name ("LateralReading").
func (s Stage) Label() string {
	if _, after, ok := strings.Cut(string(s), "_"); ok {
		return after
	}
	return string(s)
}

// Progress returns the completion percentage shown for a stage.
func (s Stage) Progress() int {
	switch s {
	case StageOnboarding:
		return 33
	case StageLateralReading:
		return 66
	case StageAssessment:
		return 95
	}
	return 0
}

// ParseStage resolves canonical labels ("2_LateralReading"), bare names
// ("lateralreading") and ordinals ("2") to a Stage.
func ParseStage(raw string) (Stage, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", false
	}
	for _, s := range Stages {
		if strings.EqualFold(v, string(s)) || strings.EqualFold(v, s.Label()) {
			return s, true
		}
		if v == fmt.Sprint(s.Ordinal()) {
			return s, true
		}
	}
	return "", false
}

// =============================================================================
// ACTIONS AND ROLES
// =============================================================================

// RequiredAction tells the host what the model expects next.
type RequiredAction string

const (
	ActionAwaitingInput RequiredAction = "USER_INPUT_REQUIRED"
	ActionShowImage     RequiredAction = "SHOW_IMAGE"
	ActionAssessment    RequiredAction = "ASSESSMENT"
	ActionTerminated    RequiredAction = "TERMINATED"
)

// ParseRequiredAction maps a model-supplied action to a known value. Unknown
// values fall back to ActionAwaitingInput.
func ParseRequiredAction(raw string) RequiredAction {
	switch RequiredAction(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionShowImage:
		return ActionShowImage
	case ActionAssessment:
		return ActionAssessment
	case ActionTerminated:
		return ActionTerminated
	}
	return ActionAwaitingInput
}

// Role identifies the author of a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// =============================================================================
// TURNS AND DIRECTIVES
// =============================================================================

// Attachment is an opaque binary payload supplied by the user.
type Attachment struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// Directive is the model's machine-readable instruction for one turn.
type Directive struct {
	Stage          Stage          `json:"stage"`
	AgentResponse  string         `json:"agent_response"`
	RequiredAction RequiredAction `json:"required_action"`
	ImageURL       *string        `json:"image_url"`
	IsRelevant     bool           `json:"is_relevant"`
}

// Image returns the image reference or "" when there is none.
func (d Directive) Image() string {
	if d.ImageURL == nil {
		return ""
	}
	return *d.ImageURL
}

// JSON renders the directive the way it is replayed to the model.
func (d Directive) JSON() string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Turn is one user, model or system contribution to the conversation.
type Turn struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Image     *Attachment `json:"image,omitempty"`
	Directive *Directive  `json:"directive,omitempty"`
	At        time.Time   `json:"at"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =============================================================================
// LOG RECORDS
// =============================================================================

// LogRole is the author recorded in a LogRecord.
type LogRole string

const (
	LogRoleUser   LogRole = "user"
	LogRoleAgent  LogRole = "agent"
	LogRoleSystem LogRole = "system"
)

// InitStage is the stage label recorded for the session initialization entry.
const InitStage = "INIT"

// LogRecord is the durable projection of one turn.
type LogRecord struct {
	Timestamp         time.Time      `json:"timestamp"`
	Role              LogRole        `json:"role"`
	Stage             string         `json:"stage"`
	RequiredAction    RequiredAction `json:"required_action"`
	IsRelevant        bool           `json:"is_relevant"`
	OffTopicCount     int            `json:"offTopicCount"`
	Text              string         `json:"text"`
	ImageURL          *string        `json:"image_url"`
	UserImageAttached bool           `json:"userImageAttached"`
	WebURLExtracted   *string        `json:"webUrlExtracted"`
}

// Scenario holds the two case texts the system instruction is built from.
type Scenario struct {
	Case1Context     string `json:"case1_context" yaml:"case1_context"`
	FinalTestContext string `json:"final_test_context" yaml:"final_test_context"`
}

// LogBatch is the full turn log of one session.
type LogBatch struct {
	SessionID  string      `json:"sessionId"`
	StartedAt  time.Time   `json:"startTime"`
	Scenario   Scenario    `json:"scenario"`
	LogEntries []LogRecord `json:"log_entries"`
}

// Terminated reports whether the batch contains a TERMINATED record.
func (b LogBatch) Terminated() bool {
	for _, rec := range b.LogEntries {
		if rec.RequiredAction == ActionTerminated {
			return true
		}
	}
	return false
}

// BatchReceipt describes what a persistence backend did with a batch.
type BatchReceipt struct {
	Stored  bool   `json:"stored"`
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// SessionSummary is the per-session row upserted by the orchestrator.
type SessionSummary struct {
	SessionID        string    `json:"sessionId"`
	StartedAt        time.Time `json:"startTime"`
	Terminated       bool      `json:"terminated"`
	VerificationCode string    `json:"verification_code,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HealthReport is the persistence health probe result.
type HealthReport struct {
	Backend string         `json:"backend"`
	Tables  map[string]int `json:"tables"`
	Missing []string       `json:"missing,omitempty"`
}

// Healthy reports whether every expected table exists.
func (h HealthReport) Healthy() bool { return len(h.Missing) == 0 }
