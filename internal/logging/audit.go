package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a session lifecycle event.
type AuditEventType string

const (
	AuditSessionStart AuditEventType = "session_start"
	AuditTurnStart    AuditEventType = "turn_start"
	AuditTurnEnd      AuditEventType = "turn_end"
	AuditLLMCall      AuditEventType = "llm_call"
	AuditStageChange  AuditEventType = "stage_change"
	AuditTermination  AuditEventType = "termination"
	AuditSync         AuditEventType = "persistence_sync"
)

// AuditLogger emits structured session lifecycle events on the audit category.
type AuditLogger struct {
	sessionID string
}

// Audit returns an audit logger scoped to a session.
func Audit(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

func (a *AuditLogger) log(event AuditEventType, success bool, fields ...zap.Field) {
	if !IsCategoryEnabled(CategoryAudit) {
		return
	}
	fields = append(fields,
		zap.String("event", string(event)),
		zap.String("session", a.sessionID),
		zap.Bool("success", success),
	)
	Base().Named(string(CategoryAudit)).Info(string(event), fields...)
}

// SessionStart logs session start
func (a *AuditLogger) SessionStart() {
	a.log(AuditSessionStart, true)
}

// TurnStart logs turn start
func (a *AuditLogger) TurnStart(turnNum int, inputLen int, imageAttached bool) {
	a.log(AuditTurnStart, true,
		zap.Int("turn", turnNum),
		zap.Int("input_len", inputLen),
		zap.Bool("image", imageAttached))
}

// TurnEnd logs turn end
func (a *AuditLogger) TurnEnd(turnNum int, elapsed time.Duration, success bool) {
	a.log(AuditTurnEnd, success,
		zap.Int("turn", turnNum),
		zap.Duration("elapsed", elapsed))
}

// LLMCall logs one completion request.
func (a *AuditLogger) LLMCall(model string, elapsed time.Duration, err error) {
	fields := []zap.Field{zap.String("model", model), zap.Duration("elapsed", elapsed)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	a.log(AuditLLMCall, err == nil, fields...)
}

// StageChange logs an adopted stage transition.
func (a *AuditLogger) StageChange(from, to string, forward bool) {
	a.log(AuditStageChange, forward, zap.String("from", from), zap.String("to", to))
}

// Termination logs the session entering its terminal state.
func (a *AuditLogger) Termination(reason string, offTopicCount int) {
	a.log(AuditTermination, true, zap.String("reason", reason), zap.Int("off_topic", offTopicCount))
}

// Sync logs a persistence sync attempt.
func (a *AuditLogger) Sync(what string, attempt int, err error) {
	fields := []zap.Field{zap.String("what", what), zap.Int("attempt", attempt)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	a.log(AuditSync, err == nil, fields...)
}
