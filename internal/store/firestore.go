package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// FirestoreStore keeps one document per session with its log entries in a
// subcollection.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

// NewFirestoreStore connects to projectID. An empty databaseID selects the
// default database.
func NewFirestoreStore(ctx context.Context, projectID, databaseID string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	logging.Store("firestore store opened (project=%s, database=%s)", projectID, databaseID)
	return &FirestoreStore{client: client, now: time.Now}, nil
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *FirestoreStore) sessionsCol() *firestore.CollectionRef {
	return s.client.Collection("sessions")
}

func (s *FirestoreStore) sessionDoc(id string) *firestore.DocumentRef {
	return s.sessionsCol().Doc(id)
}

func (s *FirestoreStore) entriesCol(sessionID string) *firestore.CollectionRef {
	return s.sessionDoc(sessionID).Collection("log_entries")
}

func entryID(seq int) string { return fmt.Sprintf("%06d", seq) }

func captchaID(code string) string { return "captcha-" + code }

func isNotFound(err error) bool { return status.Code(err) == codes.NotFound }

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type sessionRecord struct {
	Case1Context     string    `firestore:"case1_context"`
	FinalTestContext string    `firestore:"final_test_context"`
	StartedAt        time.Time `firestore:"started_at"`
	StoredAt         time.Time `firestore:"stored_at"`
	LastUpdated      time.Time `firestore:"last_updated"`
	IsTerminated     bool      `firestore:"is_terminated"`
	FullConversation string    `firestore:"full_conversation"`
	EntryCount       int       `firestore:"entry_count"`
	VerificationCode string    `firestore:"verification_code"`
}

type entryRecord struct {
	Seq               int       `firestore:"seq"` // -1 for verification code entries
	Timestamp         time.Time `firestore:"timestamp"`
	Role              string    `firestore:"role"`
	Stage             string    `firestore:"stage"`
	RequiredAction    string    `firestore:"required_action"`
	IsRelevant        bool      `firestore:"is_relevant"`
	OffTopicCount     int       `firestore:"off_topic_count"`
	Text              string    `firestore:"text"`
	ImageURL          *string   `firestore:"image_url"`
	UserImageAttached bool      `firestore:"user_image_attached"`
	WebURLExtracted   *string   `firestore:"web_url_extracted"`
}

func toEntry(seq int, rec types.LogRecord) entryRecord {
	return entryRecord{
		Seq:               seq,
		Timestamp:         rec.Timestamp,
		Role:              string(rec.Role),
		Stage:             rec.Stage,
		RequiredAction:    string(rec.RequiredAction),
		IsRelevant:        rec.IsRelevant,
		OffTopicCount:     rec.OffTopicCount,
		Text:              rec.Text,
		ImageURL:          rec.ImageURL,
		UserImageAttached: rec.UserImageAttached,
		WebURLExtracted:   rec.WebURLExtracted,
	}
}

func (e entryRecord) record() types.LogRecord {
	return types.LogRecord{
		Timestamp:         e.Timestamp,
		Role:              types.LogRole(e.Role),
		Stage:             e.Stage,
		RequiredAction:    types.RequiredAction(e.RequiredAction),
		IsRelevant:        e.IsRelevant,
		OffTopicCount:     e.OffTopicCount,
		Text:              e.Text,
		ImageURL:          e.ImageURL,
		UserImageAttached: e.UserImageAttached,
		WebURLExtracted:   e.WebURLExtracted,
	}
}

// ─────────────────────────────────────────
// Persistence implementation
// ─────────────────────────────────────────

// AppendLogBatch writes a terminated batch in one transaction. Entry
// documents are keyed by position, so re-sending overwrites rather than
// duplicates. The stored verification code is left untouched.
func (s *FirestoreStore) AppendLogBatch(ctx context.Context, batch types.LogBatch) (types.BatchReceipt, error) {
	if batch.SessionID == "" {
		return types.BatchReceipt{}, ErrInvalidBatch
	}
	if !batch.Terminated() {
		return inProgress(batch), nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "firestore.AppendLogBatch")
	defer timer.Stop()

	full, err := json.Marshal(batch)
	if err != nil {
		return types.BatchReceipt{}, fmt.Errorf("encode conversation: %w", err)
	}

	now := s.now()
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.sessionDoc(batch.SessionID))
		if err != nil && !isNotFound(err) {
			return err
		}
		doc := map[string]interface{}{
			"case1_context":      batch.Scenario.Case1Context,
			"final_test_context": batch.Scenario.FinalTestContext,
			"stored_at":          now,
			"last_updated":       now,
			"is_terminated":      true,
			"full_conversation":  string(full),
			"entry_count":        len(batch.LogEntries),
		}
		if snap == nil || !snap.Exists() {
			doc["started_at"] = batch.StartedAt
		}
		if err := tx.Set(s.sessionDoc(batch.SessionID), doc, firestore.MergeAll); err != nil {
			return err
		}
		for i, rec := range batch.LogEntries {
			if err := tx.Set(s.entriesCol(batch.SessionID).Doc(entryID(i)), toEntry(i, rec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.BatchReceipt{}, fmt.Errorf("firestore AppendLogBatch: %w", err)
	}
	logging.Store("stored %d log entries for %s", len(batch.LogEntries), batch.SessionID)
	return stored(batch), nil
}

// UpsertSessionSummary merges the summary into the session document and
// records a new verification code as a system entry.
func (s *FirestoreStore) UpsertSessionSummary(ctx context.Context, summary types.SessionSummary) error {
	if summary.SessionID == "" {
		return ErrInvalidBatch
	}
	updated := summary.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.sessionDoc(summary.SessionID)
		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		doc := map[string]interface{}{"last_updated": updated}
		if snap == nil || !snap.Exists() {
			doc["started_at"] = summary.StartedAt
			doc["is_terminated"] = summary.Terminated
		} else if summary.Terminated {
			doc["is_terminated"] = true
		}
		if summary.VerificationCode != "" {
			doc["verification_code"] = summary.VerificationCode
		}
		if err := tx.Set(ref, doc, firestore.MergeAll); err != nil {
			return err
		}
		if summary.VerificationCode == "" {
			return nil
		}
		return tx.Set(s.entriesCol(summary.SessionID).Doc(captchaID(summary.VerificationCode)), entryRecord{
			Seq:            -1,
			Timestamp:      updated,
			Role:           string(types.LogRoleSystem),
			Stage:          captchaStage,
			RequiredAction: string(types.ActionTerminated),
			IsRelevant:     true,
			Text:           captchaText(summary.VerificationCode),
		})
	})
	if err != nil {
		return fmt.Errorf("firestore UpsertSessionSummary: %w", err)
	}
	return nil
}

// LoadSessionSummary reads the session document.
func (s *FirestoreStore) LoadSessionSummary(ctx context.Context, sessionID string) (types.SessionSummary, error) {
	rec, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return types.SessionSummary{}, err
	}
	return types.SessionSummary{
		SessionID:        sessionID,
		StartedAt:        rec.StartedAt,
		Terminated:       rec.IsTerminated,
		VerificationCode: rec.VerificationCode,
		UpdatedAt:        rec.LastUpdated,
	}, nil
}

func (s *FirestoreStore) loadSession(ctx context.Context, sessionID string) (sessionRecord, error) {
	snap, err := s.sessionDoc(sessionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return sessionRecord{}, ErrNotFound
		}
		return sessionRecord{}, fmt.Errorf("firestore GetSession: %w", err)
	}
	var rec sessionRecord
	if err := snap.DataTo(&rec); err != nil {
		return sessionRecord{}, fmt.Errorf("firestore GetSession decode: %w", err)
	}
	return rec, nil
}

// LoadLogBatch returns the stored conversation, rebuilding it from the
// entry documents when the snapshot is missing.
func (s *FirestoreStore) LoadLogBatch(ctx context.Context, sessionID string) (types.LogBatch, error) {
	rec, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return types.LogBatch{}, err
	}
	if rec.FullConversation != "" {
		var batch types.LogBatch
		if err := json.Unmarshal([]byte(rec.FullConversation), &batch); err == nil {
			return batch, nil
		}
		logging.StoreWarn("stored conversation for %s is unreadable, rebuilding from entries", sessionID)
	}

	batch := types.LogBatch{
		SessionID: sessionID,
		StartedAt: rec.StartedAt,
		Scenario:  types.Scenario{Case1Context: rec.Case1Context, FinalTestContext: rec.FinalTestContext},
	}
	iter := s.entriesCol(sessionID).Where("seq", ">=", 0).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return types.LogBatch{}, fmt.Errorf("firestore LoadLogBatch: %w", err)
		}
		var e entryRecord
		if err := snap.DataTo(&e); err != nil {
			return types.LogBatch{}, fmt.Errorf("decode entry: %w", err)
		}
		batch.LogEntries = append(batch.LogEntries, e.record())
	}
	return batch, nil
}

// Health counts session and entry documents.
func (s *FirestoreStore) Health(ctx context.Context) (types.HealthReport, error) {
	report := types.HealthReport{Backend: "firestore", Tables: make(map[string]int)}
	queries := map[string]firestore.Query{
		"sessions":    s.sessionsCol().Query,
		"log_entries": s.client.CollectionGroup("log_entries").Query,
	}
	for name, q := range queries {
		n, err := count(ctx, q)
		if err != nil {
			return report, fmt.Errorf("firestore count %s: %w", name, err)
		}
		report.Tables[name] = n
	}
	return report, nil
}

func count(ctx context.Context, q firestore.Query) (int, error) {
	res, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, err
	}
	switch v := res["all"].(type) {
	case interface{ GetIntegerValue() int64 }:
		return int(v.GetIntegerValue()), nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unexpected count result %T", v)
	}
}

// Close releases the client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
