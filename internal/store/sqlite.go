package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// Tables checked by Health.
var sqliteTables = []string{"sessions", "log_entries"}

// SQLiteStore keeps sessions and log entries in a local database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; WAL lets readers proceed.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("sqlite store opened at %s", path)
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		case1_context TEXT,
		final_test_context TEXT,
		started_at TEXT,
		stored_at TEXT,
		last_updated TEXT,
		is_terminated INTEGER NOT NULL DEFAULT 0,
		full_conversation TEXT,
		first_log_id INTEGER,
		last_log_id INTEGER,
		verification_code TEXT
	);

	CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER,
		timestamp TEXT NOT NULL,
		role TEXT NOT NULL,
		stage TEXT,
		required_action TEXT,
		is_relevant INTEGER NOT NULL DEFAULT 1,
		off_topic_count INTEGER NOT NULL DEFAULT 0,
		text TEXT,
		image_url TEXT,
		user_image_attached INTEGER NOT NULL DEFAULT 0,
		web_url_extracted TEXT,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendLogBatch stores a terminated session's log. Batches still in
// progress are acknowledged but not written. Re-sending a batch is safe:
// entries are keyed by their position in the log.
func (s *SQLiteStore) AppendLogBatch(ctx context.Context, batch types.LogBatch) (types.BatchReceipt, error) {
	if batch.SessionID == "" {
		return types.BatchReceipt{}, ErrInvalidBatch
	}
	if !batch.Terminated() {
		logging.StoreDebug("batch for %s not terminated, %d entries skipped", batch.SessionID, len(batch.LogEntries))
		return inProgress(batch), nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "sqlite.AppendLogBatch")
	defer timer.Stop()

	full, err := json.Marshal(batch)
	if err != nil {
		return types.BatchReceipt{}, fmt.Errorf("failed to encode conversation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.BatchReceipt{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO log_entries
			(session_id, seq, timestamp, role, stage, required_action, is_relevant,
			 off_topic_count, text, image_url, user_image_attached, web_url_extracted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return types.BatchReceipt{}, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range batch.LogEntries {
		if _, err := stmt.ExecContext(ctx,
			batch.SessionID, i, stamp(rec.Timestamp), string(rec.Role), rec.Stage,
			string(rec.RequiredAction), rec.IsRelevant, rec.OffTopicCount, rec.Text,
			rec.ImageURL, rec.UserImageAttached, rec.WebURLExtracted,
		); err != nil {
			return types.BatchReceipt{}, fmt.Errorf("failed to insert log entry %d: %w", i, err)
		}
	}

	var first, last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MIN(id), MAX(id) FROM log_entries WHERE session_id = ? AND seq IS NOT NULL`,
		batch.SessionID,
	).Scan(&first, &last); err != nil {
		return types.BatchReceipt{}, fmt.Errorf("failed to read log id range: %w", err)
	}

	now := stamp(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, case1_context, final_test_context, started_at, stored_at,
			 last_updated, is_terminated, full_conversation, first_log_id, last_log_id)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			case1_context = excluded.case1_context,
			final_test_context = excluded.final_test_context,
			started_at = COALESCE(sessions.started_at, excluded.started_at),
			stored_at = excluded.stored_at,
			last_updated = excluded.last_updated,
			is_terminated = 1,
			full_conversation = excluded.full_conversation,
			first_log_id = excluded.first_log_id,
			last_log_id = excluded.last_log_id`,
		batch.SessionID, batch.Scenario.Case1Context, batch.Scenario.FinalTestContext,
		stamp(batch.StartedAt), now, now, string(full), first, last,
	); err != nil {
		return types.BatchReceipt{}, fmt.Errorf("failed to upsert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.BatchReceipt{}, fmt.Errorf("failed to commit: %w", err)
	}
	logging.Store("stored %d log entries for %s (ids %d-%d)", len(batch.LogEntries), batch.SessionID, first.Int64, last.Int64)
	return stored(batch), nil
}

// UpsertSessionSummary creates or updates the session row. A terminated
// session stays terminated, and an empty code keeps the stored one. Each
// newly seen code is also recorded as a system log entry.
func (s *SQLiteStore) UpsertSessionSummary(ctx context.Context, summary types.SessionSummary) error {
	if summary.SessionID == "" {
		return ErrInvalidBatch
	}
	updated := summary.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_at, last_updated, is_terminated, verification_code)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''))
		ON CONFLICT(session_id) DO UPDATE SET
			started_at = COALESCE(sessions.started_at, excluded.started_at),
			last_updated = excluded.last_updated,
			is_terminated = MAX(sessions.is_terminated, excluded.is_terminated),
			verification_code = COALESCE(excluded.verification_code, sessions.verification_code)`,
		summary.SessionID, stamp(summary.StartedAt), stamp(updated), summary.Terminated, summary.VerificationCode,
	); err != nil {
		return fmt.Errorf("failed to upsert session summary: %w", err)
	}

	if summary.VerificationCode != "" {
		text := captchaText(summary.VerificationCode)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO log_entries
				(session_id, seq, timestamp, role, stage, required_action, is_relevant, off_topic_count, text)
			SELECT ?, NULL, ?, ?, ?, ?, 1, 0, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM log_entries WHERE session_id = ? AND stage = ? AND text = ?
			)`,
			summary.SessionID, stamp(updated), string(types.LogRoleSystem), captchaStage,
			string(types.ActionTerminated), text,
			summary.SessionID, captchaStage, text,
		); err != nil {
			return fmt.Errorf("failed to record verification code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.StoreDebug("session summary upserted for %s (terminated=%v)", summary.SessionID, summary.Terminated)
	return nil
}

// LoadSessionSummary reads the session row.
func (s *SQLiteStore) LoadSessionSummary(ctx context.Context, sessionID string) (types.SessionSummary, error) {
	var started, updated, code sql.NullString
	var terminated bool
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, last_updated, is_terminated, verification_code FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&started, &updated, &terminated, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SessionSummary{}, ErrNotFound
	}
	if err != nil {
		return types.SessionSummary{}, fmt.Errorf("failed to load session: %w", err)
	}
	return types.SessionSummary{
		SessionID:        sessionID,
		StartedAt:        parseStamp(started.String),
		Terminated:       terminated,
		VerificationCode: code.String,
		UpdatedAt:        parseStamp(updated.String),
	}, nil
}

// LoadLogBatch returns the stored conversation. When the session row has no
// conversation snapshot the batch is rebuilt from its log entries.
func (s *SQLiteStore) LoadLogBatch(ctx context.Context, sessionID string) (types.LogBatch, error) {
	var full, started, case1, final sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT full_conversation, started_at, case1_context, final_test_context FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&full, &started, &case1, &final)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LogBatch{}, ErrNotFound
	}
	if err != nil {
		return types.LogBatch{}, fmt.Errorf("failed to load session: %w", err)
	}

	if full.Valid && full.String != "" {
		var batch types.LogBatch
		if err := json.Unmarshal([]byte(full.String), &batch); err == nil {
			return batch, nil
		}
		logging.StoreWarn("stored conversation for %s is unreadable, rebuilding from entries", sessionID)
	}

	batch := types.LogBatch{
		SessionID: sessionID,
		StartedAt: parseStamp(started.String),
		Scenario:  types.Scenario{Case1Context: case1.String, FinalTestContext: final.String},
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, role, stage, required_action, is_relevant, off_topic_count,
		       text, image_url, user_image_attached, web_url_extracted
		FROM log_entries WHERE session_id = ? AND seq IS NOT NULL ORDER BY seq`, sessionID)
	if err != nil {
		return types.LogBatch{}, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec              types.LogRecord
			ts, role         string
			stage, action    sql.NullString
			text             sql.NullString
			imageURL, webURL sql.NullString
		)
		if err := rows.Scan(&ts, &role, &stage, &action, &rec.IsRelevant, &rec.OffTopicCount,
			&text, &imageURL, &rec.UserImageAttached, &webURL); err != nil {
			return types.LogBatch{}, fmt.Errorf("failed to scan log entry: %w", err)
		}
		rec.Timestamp = parseStamp(ts)
		rec.Role = types.LogRole(role)
		rec.Stage = stage.String
		rec.RequiredAction = types.RequiredAction(action.String)
		rec.Text = text.String
		rec.ImageURL = nullable(imageURL)
		rec.WebURLExtracted = nullable(webURL)
		batch.LogEntries = append(batch.LogEntries, rec)
	}
	return batch, rows.Err()
}

// Health checks that both tables exist and counts their rows.
func (s *SQLiteStore) Health(ctx context.Context) (types.HealthReport, error) {
	report := types.HealthReport{Backend: "sqlite", Tables: make(map[string]int)}
	for _, table := range sqliteTables {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&exists); err != nil {
			return report, fmt.Errorf("failed to inspect schema: %w", err)
		}
		if exists == 0 {
			report.Missing = append(report.Missing, table)
			continue
		}
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return report, fmt.Errorf("failed to count %s: %w", table, err)
		}
		report.Tables[table] = n
	}
	return report, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return types.StringPtr(v.String)
}
