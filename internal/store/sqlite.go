// Package store persists users, tokens, sessions, and messages in SQLite via
// the pure-Go modernc driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/prismdev/prism/internal/conversation"
)

// ErrNoTokens is returned when a user has no stored GitHub tokens.
var ErrNoTokens = errors.New("no tokens stored for user")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	github_id  INTEGER NOT NULL UNIQUE,
	username   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS github_tokens (
	user_id            TEXT PRIMARY KEY REFERENCES users(id),
	access_token       TEXT NOT NULL,
	refresh_token      TEXT NOT NULL DEFAULT '',
	access_expires_at  INTEGER NOT NULL DEFAULT 0,
	refresh_expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	phase      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT 'plain',
	phase           TEXT NOT NULL DEFAULT 'idea',
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, created_at);

CREATE INDEX IF NOT EXISTS idx_conversations_owner
	ON conversations (user_id, updated_at);
`

// SQLite is the concrete store. A single connection in WAL mode serializes
// writers; the service layer never needs cross-statement transactions beyond
// what the per-call methods do themselves.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// --- conversation.Store ---

func (s *SQLite) CreateSession(ctx context.Context, c *conversation.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, phase, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, string(c.Phase),
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLite) AppendMessage(ctx context.Context, m *conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The session's current phase is stamped onto the message so per-phase
	// turn counting survives later transitions.
	var phase string
	err = tx.QueryRowContext(ctx,
		`SELECT phase FROM conversations WHERE id = ?`, m.SessionID).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	m.Phase = conversation.Phase(phase)

	ts := m.CreatedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, kind, phase, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), string(m.Kind), phase, m.Content, ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, m.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*conversation.Snapshot, error) {
	var (
		snap               conversation.Snapshot
		phase              string
		createdMS, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, phase, created_at, updated_at
		 FROM conversations WHERE id = ?`, sessionID).
		Scan(&snap.Session.ID, &snap.Session.UserID, &snap.Session.Title,
			&phase, &createdMS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Session.Phase = conversation.Phase(phase)
	snap.Session.CreatedAt = time.UnixMilli(createdMS)
	snap.Session.UpdatedAt = time.UnixMilli(updated)

	// rowid breaks ties between messages written within the same millisecond.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, kind, phase, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m        conversation.Message
			role     string
			kind     string
			msgPhase string
			ts       int64
		)
		if err := rows.Scan(&m.ID, &role, &kind, &msgPhase, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.SessionID = sessionID
		m.Role = conversation.Role(role)
		m.Kind = conversation.Kind(kind)
		m.Phase = conversation.Phase(msgPhase)
		m.CreatedAt = time.UnixMilli(ts)
		snap.Messages = append(snap.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLite) UpdatePhase(ctx context.Context, sessionID string, phase conversation.Phase) error {
	return s.updateSessionField(ctx, sessionID, "phase", string(phase))
}

func (s *SQLite) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return s.updateSessionField(ctx, sessionID, "title", title)
}

func (s *SQLite) updateSessionField(ctx context.Context, sessionID, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return conversation.ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", conversation.ErrSessionNotFound
	}
	return owner, err
}

func (s *SQLite) ListByOwner(ctx context.Context, ownerID string, since time.Time, limit int) ([]conversation.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, phase, updated_at
		 FROM conversations
		 WHERE user_id = ? AND updated_at >= ?
		 ORDER BY updated_at DESC LIMIT ?`,
		ownerID, since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.SessionSummary
	for rows.Next() {
		var (
			sum   conversation.SessionSummary
			phase string
			ts    int64
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &phase, &ts); err != nil {
			return nil, err
		}
		sum.Phase = conversation.Phase(phase)
		sum.UpdatedAt = time.UnixMilli(ts)
		out = append(out, sum)
	}
	return out, rows.Err()
}

var _ conversation.Store = (*SQLite)(nil)

// --- users and tokens ---

// TokenRecord is a user's stored GitHub token pair.
type TokenRecord struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// FindOrCreateUser maps a GitHub account to a stable internal user id,
// creating the row on first sight and refreshing the username on later ones.
func (s *SQLite) FindOrCreateUser(ctx context.Context, githubID int64, username string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE github_id = ?`, githubID).Scan(&id)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET username = ? WHERE id = ?`, username, id)
		return id, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, github_id, username, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, githubID, username, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return id, nil
}

// SaveTokens upserts the user's token pair. An empty refresh token in t keeps
// the previously stored one, matching providers that omit it on refresh.
func (s *SQLite) SaveTokens(ctx context.Context, userID string, t TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO github_tokens
			(user_id, access_token, refresh_token, access_expires_at, refresh_expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			access_token       = excluded.access_token,
			refresh_token      = CASE WHEN excluded.refresh_token = ''
									THEN github_tokens.refresh_token
									ELSE excluded.refresh_token END,
			access_expires_at  = excluded.access_expires_at,
			refresh_expires_at = CASE WHEN excluded.refresh_token = ''
									THEN github_tokens.refresh_expires_at
									ELSE excluded.refresh_expires_at END,
			updated_at         = excluded.updated_at`,
		userID, t.AccessToken, t.RefreshToken,
		t.AccessExpiresAt.UnixMilli(), t.RefreshExpiresAt.UnixMilli(),
		time.Now().UnixMilli())
	return err
}

// GetTokens returns the user's stored token pair, or ErrNoTokens.
func (s *SQLite) GetTokens(ctx context.Context, userID string) (*TokenRecord, error) {
	var (
		t                TokenRecord
		accessMS, refrMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, access_expires_at, refresh_expires_at
		 FROM github_tokens WHERE user_id = ?`, userID).
		Scan(&t.AccessToken, &t.RefreshToken, &accessMS, &refrMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTokens
	}
	if err != nil {
		return nil, err
	}
	t.AccessExpiresAt = time.UnixMilli(accessMS)
	t.RefreshExpiresAt = time.UnixMilli(refrMS)
	return &t, nil
}
