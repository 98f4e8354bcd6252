package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agent-hub/internal/domain"
	"github.com/ashureev/agent-hub/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS profiles (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		nickname TEXT NOT NULL DEFAULT '',
		project TEXT NOT NULL DEFAULT '',
		expertise TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		read_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS brain_states (
		profile_id INTEGER PRIMARY KEY,
		current_task TEXT NOT NULL DEFAULT '',
		last_thought TEXT NOT NULL DEFAULT '',
		last_insight TEXT NOT NULL DEFAULT '',
		cycle_count INTEGER NOT NULL DEFAULT 0,
		progress TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS brain_state_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL,
		current_task TEXT NOT NULL DEFAULT '',
		last_thought TEXT NOT NULL DEFAULT '',
		last_insight TEXT NOT NULL DEFAULT '',
		cycle_count INTEGER NOT NULL DEFAULT 0,
		progress TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_brain_history_profile ON brain_state_history(profile_id, id);

	CREATE TABLE IF NOT EXISTS insights (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL,
		conversation_id INTEGER,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_profile ON insights(profile_id, id);

	CREATE TABLE IF NOT EXISTS liveness (
		session_id TEXT PRIMARY KEY,
		profile_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		last_activity INTEGER NOT NULL,
		last_challenge_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_liveness_profile ON liveness(profile_id, updated_at);
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

// GetProfile retrieves a profile by id.
func (s *SQLiteStore) GetProfile(ctx context.Context, id int64) (*domain.Profile, error) {
	query := `
		SELECT id, name, nickname, project, expertise, version, created_at
		FROM profiles WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var p domain.Profile
	var createdAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Nickname, &p.Project, &p.Expertise, &p.Version, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

// UpsertProfile creates the profile if unknown, otherwise refreshes
// metadata fields that are non-empty in p.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.Profile) (*domain.Profile, error) {
	existing, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		now := time.Now()
		query := `
			INSERT INTO profiles (id, name, nickname, project, expertise, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
		insertErr := shared.RetryOnConflict(ctx, 3, 50*time.Millisecond, func() error {
			_, execErr := s.db.ExecContext(ctx, query,
				p.ID, p.Name, p.Nickname, p.Project, p.Expertise, p.Version, now.Unix())
			return execErr
		})
		if insertErr == nil {
			created := *p
			created.CreatedAt = now
			return &created, nil
		}

		// A concurrent auth for the same id may have won the insert
		// race; re-read and fall through to the refresh path.
		existing, err = s.GetProfile(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domain.Wrap(domain.CodeProfileConflict, "profile create race", insertErr)
		}
	}

	if existing.Merge(p.Name, p.Nickname, p.Project, p.Expertise, p.Version) {
		query := `
			UPDATE profiles SET name = ?, nickname = ?, project = ?, expertise = ?, version = ?
			WHERE id = ?`
		err := shared.RetryOnConflict(ctx, 3, 50*time.Millisecond, func() error {
			_, execErr := s.db.ExecContext(ctx, query,
				existing.Name, existing.Nickname, existing.Project,
				existing.Expertise, existing.Version, existing.ID)
			return execErr
		})
		if err != nil {
			return nil, fmt.Errorf("refresh profile: %w", err)
		}
	}

	return existing, nil
}

// CreateConversation creates a new named delivery scope.
func (s *SQLiteStore) CreateConversation(ctx context.Context, title, project string) (*domain.Conversation, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title, project, created_at) VALUES (?, ?, ?)`,
		title, project, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation insert id: %w", err)
	}

	return &domain.Conversation{ID: id, Title: title, Project: project, CreatedAt: now}, nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, project, created_at FROM conversations WHERE id = ?`, id)

	var c domain.Conversation
	var createdAt int64
	err := row.Scan(&c.ID, &c.Title, &c.Project, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// ListConversations returns all conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, project, created_at FROM conversations ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer closeRows(rows, "conversations")

	var out []*domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Title, &c.Project, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// AppendMessage persists a message inside a transaction, checking both
// referenced rows first so dangling references surface as typed errors
// rather than driver-specific constraint failures.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer rollback(tx)

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, domain.E(domain.CodeUnknownConversation,
			fmt.Sprintf("conversation %d does not exist", m.ConversationID))
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE id = ?`, m.SenderID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check sender profile: %w", err)
	}
	if exists == 0 {
		return nil, domain.E(domain.CodeUnknownProfile,
			fmt.Sprintf("profile %d does not exist", m.SenderID))
	}

	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return nil, domain.Wrap(domain.CodeValidationFailed, "metadata is not serializable", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, message_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.SenderID, string(m.Kind), m.Content, metadata, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	stored := *m
	stored.ID = id
	stored.CreatedAt = now
	return &stored, nil
}

// ListMessages returns messages with id > sinceID, ordered ascending.
func (s *SQLiteStore) ListMessages(ctx context.Context, convID, sinceID int64, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = DefaultMessagePage
	}
	if limit > MaxMessagePage {
		limit = MaxMessagePage
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, message_type, content, metadata, created_at, read_at
		FROM messages
		WHERE conversation_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		convID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var kind string
		var metadata sql.NullString
		var createdAt int64
		var readAt sql.NullInt64

		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &kind,
			&m.Content, &metadata, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		m.Kind = domain.MessageKind(kind)
		m.CreatedAt = time.Unix(createdAt, 0)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				slog.Warn("Malformed message metadata in store", "message_id", m.ID, "error", err)
			}
		}
		if readAt.Valid {
			t := time.Unix(readAt.Int64, 0)
			m.ReadAt = &t
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// PutBrainState replaces the current row and appends history in one
// transaction, so the round-trip invariant holds even under crashes.
func (s *SQLiteStore) PutBrainState(ctx context.Context, bs *domain.BrainState) error {
	progress, err := marshalJSON(bs.Progress)
	if err != nil {
		return domain.Wrap(domain.CodeValidationFailed, "progress is not serializable", err)
	}

	now := time.Now()
	return shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin brain state tx: %w", err)
		}
		defer rollback(tx)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO brain_states (profile_id, current_task, last_thought, last_insight, cycle_count, progress, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(profile_id) DO UPDATE SET
				current_task = excluded.current_task,
				last_thought = excluded.last_thought,
				last_insight = excluded.last_insight,
				cycle_count = excluded.cycle_count,
				progress = excluded.progress,
				updated_at = excluded.updated_at`,
			bs.ProfileID, bs.CurrentTask, bs.LastThought, bs.LastInsight,
			bs.CycleCount, progress, now.Unix())
		if err != nil {
			return fmt.Errorf("upsert brain state: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO brain_state_history (profile_id, current_task, last_thought, last_insight, cycle_count, progress, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			bs.ProfileID, bs.CurrentTask, bs.LastThought, bs.LastInsight,
			bs.CycleCount, progress, now.Unix())
		if err != nil {
			return fmt.Errorf("append brain state history: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit brain state: %w", err)
		}
		return nil
	})
}

// GetBrainState retrieves the current brain state for a profile.
func (s *SQLiteStore) GetBrainState(ctx context.Context, profileID int64) (*domain.BrainState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT profile_id, current_task, last_thought, last_insight, cycle_count, progress, updated_at
		FROM brain_states WHERE profile_id = ?`, profileID)

	var bs domain.BrainState
	var progress sql.NullString
	var updatedAt int64

	err := row.Scan(&bs.ProfileID, &bs.CurrentTask, &bs.LastThought,
		&bs.LastInsight, &bs.CycleCount, &progress, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan brain state row: %w", err)
	}

	bs.UpdatedAt = time.Unix(updatedAt, 0)
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &bs.Progress); err != nil {
			slog.Warn("Malformed brain state progress in store", "profile_id", profileID, "error", err)
		}
	}
	return &bs, nil
}

// BrainStateHistoryCount returns the number of history rows for a profile.
func (s *SQLiteStore) BrainStateHistoryCount(ctx context.Context, profileID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM brain_state_history WHERE profile_id = ?`, profileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count brain state history: %w", err)
	}
	return n, nil
}

// AddInsight persists a long-form insight record.
func (s *SQLiteStore) AddInsight(ctx context.Context, in *domain.Insight) (*domain.Insight, error) {
	tags, err := marshalJSON(in.Tags)
	if err != nil {
		return nil, domain.Wrap(domain.CodeValidationFailed, "tags are not serializable", err)
	}

	var convID any
	if in.ConversationID != 0 {
		convID = in.ConversationID
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (profile_id, conversation_id, title, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ProfileID, convID, in.Title, in.Content, tags, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert insight: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insight insert id: %w", err)
	}

	stored := *in
	stored.ID = id
	stored.CreatedAt = now
	return &stored, nil
}

// ListInsights returns insights, newest first.
func (s *SQLiteStore) ListInsights(ctx context.Context, profileID int64, limit int) ([]*domain.Insight, error) {
	if limit <= 0 {
		limit = DefaultMessagePage
	}

	query := `
		SELECT id, profile_id, conversation_id, title, content, tags, created_at
		FROM insights`
	args := []any{}
	if profileID != 0 {
		query += ` WHERE profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer closeRows(rows, "insights")

	var out []*domain.Insight
	for rows.Next() {
		var in domain.Insight
		var convID sql.NullInt64
		var tags sql.NullString
		var createdAt int64

		if err := rows.Scan(&in.ID, &in.ProfileID, &convID, &in.Title,
			&in.Content, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scan insight row: %w", err)
		}

		in.ConversationID = convID.Int64
		in.CreatedAt = time.Unix(createdAt, 0)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &in.Tags); err != nil {
				slog.Warn("Malformed insight tags in store", "insight_id", in.ID, "error", err)
			}
		}
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return out, nil
}

// RecordLiveness upserts a per-session liveness breadcrumb.
func (s *SQLiteStore) RecordLiveness(ctx context.Context, rec *domain.LivenessRecord) error {
	var challengeAt any
	if rec.LastChallengeAt != nil {
		challengeAt = rec.LastChallengeAt.Unix()
	}

	return shared.RetryOnConflict(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO liveness (session_id, profile_id, state, last_activity, last_challenge_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				profile_id = excluded.profile_id,
				state = excluded.state,
				last_activity = excluded.last_activity,
				last_challenge_at = COALESCE(excluded.last_challenge_at, liveness.last_challenge_at),
				updated_at = excluded.updated_at`,
			rec.SessionID, rec.ProfileID, string(rec.State),
			rec.LastActivity.Unix(), challengeAt, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("upsert liveness: %w", err)
		}
		return nil
	})
}

// GetLiveness retrieves the breadcrumb for a session id.
func (s *SQLiteStore) GetLiveness(ctx context.Context, sessionID string) (*domain.LivenessRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, profile_id, state, last_activity, last_challenge_at, updated_at
		FROM liveness WHERE session_id = ?`, sessionID)
	return scanLiveness(row)
}

// LastLivenessOf returns the most recent breadcrumb for a profile.
func (s *SQLiteStore) LastLivenessOf(ctx context.Context, profileID int64) (*domain.LivenessRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, profile_id, state, last_activity, last_challenge_at, updated_at
		FROM liveness WHERE profile_id = ?
		ORDER BY updated_at DESC, session_id DESC LIMIT 1`, profileID)
	return scanLiveness(row)
}

func scanLiveness(row *sql.Row) (*domain.LivenessRecord, error) {
	var rec domain.LivenessRecord
	var state string
	var lastActivity, updatedAt int64
	var challengeAt sql.NullInt64

	err := row.Scan(&rec.SessionID, &rec.ProfileID, &state,
		&lastActivity, &challengeAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan liveness row: %w", err)
	}

	rec.State = domain.LivenessState(state)
	rec.LastActivity = time.Unix(lastActivity, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if challengeAt.Valid {
		t := time.Unix(challengeAt.Int64, 0)
		rec.LastChallengeAt = &t
	}
	return &rec, nil
}

// marshalJSON serializes v for a nullable TEXT column. nil values map
// to SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("Transaction rollback failed", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close rows", "query", what, "error", err)
	}
}
