package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/shared"
)

const (
	maxWriteRetries = 3
	retryBaseDelay  = 100 * time.Millisecond
)

// currentSession selects the id of the campaign's latest session that was not reset.
const currentSession = `(SELECT id FROM sessions WHERE user_id = ? AND campaign_id = ? AND reset_at IS NULL ORDER BY seq DESC LIMIT 1)`

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers while a tenant writes.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		paused_reason TEXT,
		snapshot_json TEXT NOT NULL,
		archived_at INTEGER,
		reset_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON sessions(user_id, campaign_id) WHERE archived_at IS NULL AND reset_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(user_id, campaign_id, seq);

	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		email TEXT NOT NULL,
		campaign_key TEXT NOT NULL,
		name TEXT,
		company TEXT,
		role TEXT,
		source TEXT,
		status TEXT NOT NULL,
		draft_json TEXT,
		draft_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(session_id, email)
	);

	CREATE TABLE IF NOT EXISTS stage_attempts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		error TEXT,
		category TEXT,
		diagnosis_json TEXT,
		adaptations_json TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stage_attempts_session ON stage_attempts(session_id);

	CREATE TABLE IF NOT EXISTS learning_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		adaptations_json TEXT,
		at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS template_flags (
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, campaign_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff while SQLite reports a lock conflict.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxWriteRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxWriteRetries-1 {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxWriteRetries, err)
}

// CreateSession inserts a session unless the campaign already has an active one.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.WorkflowSession) (*domain.WorkflowSession, bool, error) {
	snapshot, err := json.Marshal(session.Snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
	INSERT INTO sessions (
		id, user_id, campaign_id, stage, started_at, last_activity,
		paused_reason, snapshot_json, archived_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

	now := time.Now().UnixMilli()
	var rows int64
	err = s.withRetry(ctx, "create session", func() error {
		res, err := s.db.ExecContext(ctx, query,
			session.ID, session.Key.UserID, session.Key.CampaignID, string(session.Stage),
			session.StartedAt.UnixMilli(), session.LastActivity.UnixMilli(),
			nullString(session.PausedReason), string(snapshot), nullTime(session.ArchivedAt),
			now, now,
		)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	if rows == 1 {
		return session, true, nil
	}

	existing, err := s.activeSession(ctx, session.Key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create session %s: %w", session.ID, errdefs.ErrConflict)
	}
	return existing, false, nil
}

// SaveSession writes the mutable state of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.WorkflowSession) error {
	snapshot, err := json.Marshal(session.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
	UPDATE sessions SET
		stage = ?,
		last_activity = ?,
		paused_reason = ?,
		snapshot_json = ?,
		archived_at = COALESCE(archived_at, ?),
		updated_at = ?
	WHERE id = ? AND reset_at IS NULL`

	var rows int64
	err = s.withRetry(ctx, "save session", func() error {
		res, err := s.db.ExecContext(ctx, query,
			string(session.Stage), session.LastActivity.UnixMilli(),
			nullString(session.PausedReason), string(snapshot), nullTime(session.ArchivedAt),
			time.Now().UnixMilli(), session.ID,
		)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if rows == 0 {
		slog.Debug("SaveSession affected 0 rows", "session_id", session.ID, "campaign", session.Key.String())
	}
	return nil
}

const sessionColumns = `id, user_id, campaign_id, stage, started_at, last_activity,
	paused_reason, snapshot_json, archived_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.WorkflowSession, error) {
	var (
		session                 domain.WorkflowSession
		stage, snapshotJSON     string
		startedAt, lastActivity int64
		pausedReason            sql.NullString
		archivedAt              sql.NullInt64
	)
	if err := row.Scan(
		&session.ID, &session.Key.UserID, &session.Key.CampaignID, &stage,
		&startedAt, &lastActivity, &pausedReason, &snapshotJSON, &archivedAt,
	); err != nil {
		return nil, err
	}

	session.Stage = domain.Stage(stage)
	session.StartedAt = time.UnixMilli(startedAt)
	session.LastActivity = time.UnixMilli(lastActivity)
	if pausedReason.Valid {
		session.PausedReason = &pausedReason.String
	}
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64)
		session.ArchivedAt = &t
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &session.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &session, nil
}

// LoadSession returns the latest session of a campaign that was not reset.
func (s *SQLiteStore) LoadSession(ctx context.Context, key domain.TenantKey) (*domain.WorkflowSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND campaign_id = ? AND reset_at IS NULL
		ORDER BY seq DESC LIMIT 1`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, key.UserID, key.CampaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) activeSession(ctx context.Context, key domain.TenantKey) (*domain.WorkflowSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND campaign_id = ? AND archived_at IS NULL AND reset_at IS NULL`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, key.UserID, key.CampaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session row: %w", err)
	}
	return session, nil
}

// ListActiveSessions returns every session that is neither archived nor reset.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*domain.WorkflowSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE archived_at IS NULL AND reset_at IS NULL ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.WorkflowSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return sessions, nil
}

// ResetSession archives and hides the campaign's current session and clears its template flag.
func (s *SQLiteStore) ResetSession(ctx context.Context, key domain.TenantKey) error {
	err := s.withRetry(ctx, "reset session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET reset_at = ?, archived_at = COALESCE(archived_at, ?), updated_at = ?
			WHERE user_id = ? AND campaign_id = ? AND reset_at IS NULL`,
			now, now, now, key.UserID, key.CampaignID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM template_flags WHERE user_id = ? AND campaign_id = ?`,
			key.UserID, key.CampaignID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("reset session %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) currentSessionID(ctx context.Context, key domain.TenantKey) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, currentSession[1:len(currentSession)-1], key.UserID, key.CampaignID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no session for %s: %w", key, errdefs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query current session: %w", err)
	}
	return id, nil
}

// AppendRecords stores newly merged records. Records already stored for the session are kept.
func (s *SQLiteStore) AppendRecords(ctx context.Context, key domain.TenantKey, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	sessionID, err := s.currentSessionID(ctx, key)
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}

	query := `
	INSERT INTO records (
		session_id, email, campaign_key, name, company, role, source,
		status, draft_json, draft_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, email) DO NOTHING`

	err = s.withRetry(ctx, "append records", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range records {
			draft, err := draftJSON(r.Draft)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				sessionID, r.NaturalKey(), r.CampaignKey, r.Name, r.Company, r.Role, r.Source,
				string(r.Status), draft, r.DraftError,
				r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	return nil
}

// UpdateRecord replaces the status and draft of a stored record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, key domain.TenantKey, record domain.Record) error {
	draft, err := draftJSON(record.Draft)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	query := `
	UPDATE records SET status = ?, draft_json = ?, draft_error = ?, updated_at = ?
	WHERE session_id = ` + currentSession + ` AND email = ?`

	var rows int64
	err = s.withRetry(ctx, "update record", func() error {
		res, err := s.db.ExecContext(ctx, query,
			string(record.Status), draft, record.DraftError, record.UpdatedAt.UnixMilli(),
			key.UserID, key.CampaignID, record.NaturalKey(),
		)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update record %s: %w", record.NaturalKey(), errdefs.ErrNotFound)
	}
	return nil
}

// ListRecords returns the records of the campaign's current session.
func (s *SQLiteStore) ListRecords(ctx context.Context, key domain.TenantKey) ([]domain.Record, error) {
	query := `
		SELECT email, campaign_key, name, company, role, source, status,
		       draft_json, draft_error, created_at, updated_at
		FROM records WHERE session_id = ` + currentSession + ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, key.UserID, key.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close records rows", "error", closeErr)
		}
	}()

	var records []domain.Record
	for rows.Next() {
		var (
			r                           domain.Record
			name, company, role, source sql.NullString
			status                      string
			draft, draftError           sql.NullString
			createdAt, updatedAt        int64
		)
		if err := rows.Scan(
			&r.Email, &r.CampaignKey, &name, &company, &role, &source, &status,
			&draft, &draftError, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		r.Name, r.Company, r.Role, r.Source = name.String, company.String, role.String, source.String
		r.Status = domain.RecordStatus(status)
		r.DraftError = draftError.String
		r.CreatedAt = time.UnixMilli(createdAt)
		r.UpdatedAt = time.UnixMilli(updatedAt)
		if draft.Valid && draft.String != "" {
			var d domain.Draft
			if err := json.Unmarshal([]byte(draft.String), &d); err != nil {
				return nil, fmt.Errorf("unmarshal draft: %w", err)
			}
			r.Draft = &d
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// AppendAttempt stores a stage attempt against the campaign's current session.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, key domain.TenantKey, attempt domain.StageAttempt) error {
	var diagnosis any
	if attempt.Diagnosis != nil {
		b, err := json.Marshal(attempt.Diagnosis)
		if err != nil {
			return fmt.Errorf("marshal diagnosis: %w", err)
		}
		diagnosis = string(b)
	}
	adaptations, err := changesJSON(attempt.Adaptations)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO stage_attempts (
		session_id, user_id, campaign_id, stage, attempt, succeeded,
		error, category, diagnosis_json, adaptations_json, started_at, duration_ms
	) VALUES (` + currentSession + `, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err = s.withRetry(ctx, "append attempt", func() error {
		_, err := s.db.ExecContext(ctx, query,
			key.UserID, key.CampaignID,
			key.UserID, key.CampaignID, attempt.Stage, attempt.Attempt, attempt.Succeeded,
			attempt.Error, attempt.Category, diagnosis, adaptations,
			attempt.StartedAt.UnixMilli(), attempt.Duration.Milliseconds(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts of the campaign's current session in order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, key domain.TenantKey) ([]domain.StageAttempt, error) {
	query := `
		SELECT stage, attempt, succeeded, error, category, diagnosis_json,
		       adaptations_json, started_at, duration_ms
		FROM stage_attempts WHERE session_id = ` + currentSession + ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, key.UserID, key.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close attempts rows", "error", closeErr)
		}
	}()

	var attempts []domain.StageAttempt
	for rows.Next() {
		var (
			a                      domain.StageAttempt
			errText, category      sql.NullString
			diagnosis, adaptations sql.NullString
			startedAt, durationMS  int64
		)
		if err := rows.Scan(
			&a.Stage, &a.Attempt, &a.Succeeded, &errText, &category,
			&diagnosis, &adaptations, &startedAt, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		a.Error = errText.String
		a.Category = category.String
		a.StartedAt = time.UnixMilli(startedAt)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if diagnosis.Valid && diagnosis.String != "" {
			var d domain.Diagnosis
			if err := json.Unmarshal([]byte(diagnosis.String), &d); err != nil {
				return nil, fmt.Errorf("unmarshal diagnosis: %w", err)
			}
			a.Diagnosis = &d
		}
		if adaptations.Valid && adaptations.String != "" {
			if err := json.Unmarshal([]byte(adaptations.String), &a.Adaptations); err != nil {
				return nil, fmt.Errorf("unmarshal adaptations: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// AppendLearning stores a successful-healing event.
func (s *SQLiteStore) AppendLearning(ctx context.Context, key domain.TenantKey, event domain.LearningEvent) error {
	adaptations, err := changesJSON(event.Adaptations)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO learning_events (session_id, user_id, campaign_id, stage, attempts, adaptations_json, at)
	VALUES (` + currentSession + `, ?, ?, ?, ?, ?, ?)`

	err = s.withRetry(ctx, "append learning", func() error {
		_, err := s.db.ExecContext(ctx, query,
			key.UserID, key.CampaignID,
			key.UserID, key.CampaignID, event.Stage, event.Attempts, adaptations, event.At.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append learning event: %w", err)
	}
	return nil
}

// MarkTemplateSubmitted sets the template flag. Only the first caller gets true.
func (s *SQLiteStore) MarkTemplateSubmitted(ctx context.Context, key domain.TenantKey) (bool, error) {
	query := `
	INSERT INTO template_flags (user_id, campaign_id, submitted_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id, campaign_id) DO NOTHING`

	var rows int64
	err := s.withRetry(ctx, "mark template submitted", func() error {
		res, err := s.db.ExecContext(ctx, query, key.UserID, key.CampaignID, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark template submitted: %w", err)
	}
	return rows == 1, nil
}

// TemplateSubmitted reports whether the template flag is set.
func (s *SQLiteStore) TemplateSubmitted(ctx context.Context, key domain.TenantKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM template_flags WHERE user_id = ? AND campaign_id = ?`,
		key.UserID, key.CampaignID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query template flag: %w", err)
	}
	return n > 0, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func draftJSON(d *domain.Draft) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}
	return string(b), nil
}

func changesJSON(changes []domain.Change) (any, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("marshal adaptations: %w", err)
	}
	return string(b), nil
}
