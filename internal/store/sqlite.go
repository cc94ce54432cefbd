// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// errSeqConflict signals a lost race on sequence assignment; the append is retried
var errSeqConflict = errors.New("sequence conflict")

// maxAppendRetries bounds the retry loop for sequence-assignment races
const maxAppendRetries = 3

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			identity_key TEXT NOT NULL UNIQUE,
			channel      TEXT NOT NULL,
			name         TEXT,
			email        TEXT,
			phone        TEXT,
			account_ref  TEXT,
			created_at   TEXT NOT NULL,

			CHECK (channel IN ('web', 'voice'))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			session_id            TEXT NOT NULL REFERENCES sessions(id),
			channel               TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'active',
			priority              TEXT NOT NULL DEFAULT 'normal',
			category              TEXT NOT NULL DEFAULT 'general',
			sentiment             REAL NOT NULL DEFAULT 0,
			low_confidence_streak INTEGER NOT NULL DEFAULT 0,
			failure_streak        INTEGER NOT NULL DEFAULT 0,
			satisfaction          INTEGER,
			created_at            TEXT NOT NULL,
			last_activity_at      TEXT NOT NULL,
			closed_at             TEXT,

			CHECK (channel IN ('web', 'voice')),
			CHECK (status IN ('active', 'escalated', 'resolved', 'abandoned')),
			CHECK (priority IN ('low', 'normal', 'high', 'urgent'))
		);

		-- A session has at most one open conversation at a time
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_session
			ON conversations(session_id) WHERE status IN ('active', 'escalated');

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status, last_activity_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_created
			ON conversations(created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			intent          TEXT,
			confidence      REAL NOT NULL DEFAULT 0,
			sentiment       REAL NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			UNIQUE (conversation_id, seq),
			CHECK (role IN ('user', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_created
			ON messages(created_at);

		CREATE TABLE IF NOT EXISTS escalations (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			reason          TEXT NOT NULL,
			assigned_agent  TEXT,
			created_at      TEXT NOT NULL,
			resolved_at     TEXT
		);

		-- At most one unresolved escalation per conversation
		CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_open
			ON escalations(conversation_id) WHERE resolved_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_escalations_created
			ON escalations(created_at);

		CREATE TABLE IF NOT EXISTS analytics_records (
			id         TEXT PRIMARY KEY,
			metric     TEXT NOT NULL,
			value      REAL NOT NULL,
			channel    TEXT NOT NULL,
			day        TEXT NOT NULL,
			hour       INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_analytics_day_metric
			ON analytics_records(day, metric);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		table  string
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'satisfaction'`,
			apply:  `ALTER TABLE conversations ADD COLUMN satisfaction INTEGER`,
			table:  "conversations",
			column: "satisfaction",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('escalations') WHERE name = 'assigned_agent'`,
			apply:  `ALTER TABLE escalations ADD COLUMN assigned_agent TEXT`,
			table:  "escalations",
			column: "assigned_agent",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		// Column doesn't exist, apply migration
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetOrCreateSession looks up the session for an identity key, creating it if
// absent. Two concurrent first contacts race on the identity_key unique
// constraint; the loser re-reads the winner's row. Non-empty contact fields
// update an existing session.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, identityKey string, channel Channel, contact Contact) (*Session, bool, error) {
	sess, err := s.GetSessionByIdentity(ctx, identityKey)
	if err == nil {
		if err := s.updateContact(ctx, sess, contact); err != nil {
			return nil, false, err
		}
		return sess, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	sess = &Session{
		ID:          uuid.New().String(),
		IdentityKey: identityKey,
		Channel:     channel,
		Contact:     contact,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		INSERT INTO sessions (id, identity_key, channel, name, email, phone, account_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.IdentityKey,
		string(sess.Channel),
		nullString(contact.Name),
		nullString(contact.Email),
		nullString(contact.Phone),
		nullString(contact.AccountRef),
		sess.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Lost the creation race, fetch the winner's row
			existing, lookupErr := s.GetSessionByIdentity(ctx, identityKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("session exists but lookup failed: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "identity", identityKey, "channel", channel)
	return sess, true, nil
}

// updateContact fills in any newly provided contact fields on an existing session
func (s *SQLiteStore) updateContact(ctx context.Context, sess *Session, contact Contact) error {
	if contact == (Contact{}) {
		return nil
	}

	query := `
		UPDATE sessions
		SET name        = COALESCE(NULLIF(?, ''), name),
		    email       = COALESCE(NULLIF(?, ''), email),
		    phone       = COALESCE(NULLIF(?, ''), phone),
		    account_ref = COALESCE(NULLIF(?, ''), account_ref)
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		contact.Name, contact.Email, contact.Phone, contact.AccountRef, sess.ID)
	if err != nil {
		return fmt.Errorf("updating session contact: %w", err)
	}

	if contact.Name != "" {
		sess.Contact.Name = contact.Name
	}
	if contact.Email != "" {
		sess.Contact.Email = contact.Email
	}
	if contact.Phone != "" {
		sess.Contact.Phone = contact.Phone
	}
	if contact.AccountRef != "" {
		sess.Contact.AccountRef = contact.AccountRef
	}
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, identity_key, channel, name, email, phone, account_ref, created_at
		FROM sessions
		WHERE id = ?
	`
	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

// GetSessionByIdentity retrieves a session by its stable identity key.
// Returns ErrNotFound if no session exists for the identity.
func (s *SQLiteStore) GetSessionByIdentity(ctx context.Context, identityKey string) (*Session, error) {
	query := `
		SELECT id, identity_key, channel, name, email, phone, account_ref, created_at
		FROM sessions
		WHERE identity_key = ?
	`
	return s.scanSession(s.db.QueryRowContext(ctx, query, identityKey))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var channel, createdAt string
	var name, email, phone, accountRef sql.NullString

	err := row.Scan(&sess.ID, &sess.IdentityKey, &channel,
		&name, &email, &phone, &accountRef, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Channel = Channel(channel)
	sess.Contact = Contact{
		Name:       name.String,
		Email:      email.String,
		Phone:      phone.String,
		AccountRef: accountRef.String,
	}
	sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &sess, nil
}

// CreateConversation creates a new active conversation for a session.
// Returns ErrConversationOpen if the session already has an open conversation,
// ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) CreateConversation(ctx context.Context, sessionID string, channel Channel) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Channel:        channel,
		Status:         StatusActive,
		Priority:       PriorityNormal,
		Category:       "general",
		CreatedAt:      now,
		LastActivityAt: now,
	}

	query := `
		INSERT INTO conversations (id, session_id, channel, status, priority, category,
			sentiment, low_confidence_streak, failure_streak, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.SessionID,
		string(conv.Channel),
		string(conv.Status),
		string(conv.Priority),
		conv.Category,
		conv.CreatedAt.Format(time.RFC3339),
		conv.LastActivityAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, ErrNotFound
		}
		if isConstraintViolation(err) {
			return nil, ErrConversationOpen
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "session_id", sessionID, "channel", channel)
	return conv, nil
}

const conversationColumns = `id, session_id, channel, status, priority, category,
	sentiment, low_confidence_streak, failure_streak, satisfaction,
	created_at, last_activity_at, closed_at`

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetOpenConversation retrieves the session's open (active or escalated)
// conversation. Returns ErrNotFound if the session has none.
func (s *SQLiteStore) GetOpenConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE session_id = ? AND status IN ('active', 'escalated')
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, sessionID))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var channel, status, priority, createdAt, lastActivityAt string
	var satisfaction sql.NullInt64
	var closedAt sql.NullString

	err := row.Scan(&conv.ID, &conv.SessionID, &channel, &status, &priority,
		&conv.Category, &conv.Sentiment, &conv.LowConfidenceStreak, &conv.FailureStreak,
		&satisfaction, &createdAt, &lastActivityAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Channel = Channel(channel)
	conv.Status = ConversationStatus(status)
	conv.Priority = Priority(priority)
	if satisfaction.Valid {
		v := int(satisfaction.Int64)
		conv.Satisfaction = &v
	}
	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.LastActivityAt, err = time.Parse(time.RFC3339, lastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if closedAt.Valid {
		t, err := time.Parse(time.RFC3339, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		conv.ClosedAt = &t
	}

	return &conv, nil
}

// UpdateConversationStatus applies a full conversation update.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, conversationID string, update ConversationUpdate) error {
	result, err := s.db.ExecContext(ctx, conversationUpdateSQL, conversationUpdateArgs(conversationID, update)...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conversationID, "status", update.Status)
	return nil
}

const conversationUpdateSQL = `
	UPDATE conversations
	SET status = ?, priority = ?, category = ?, sentiment = ?,
	    low_confidence_streak = ?, failure_streak = ?,
	    last_activity_at = ?, closed_at = ?, satisfaction = ?
	WHERE id = ?
`

func conversationUpdateArgs(conversationID string, update ConversationUpdate) []any {
	var closedAt any
	if update.ClosedAt != nil {
		closedAt = update.ClosedAt.UTC().Format(time.RFC3339)
	}
	var satisfaction any
	if update.Satisfaction != nil {
		satisfaction = *update.Satisfaction
	}
	return []any{
		string(update.Status),
		string(update.Priority),
		update.Category,
		update.Sentiment,
		update.LowConfidenceStreak,
		update.FailureStreak,
		update.LastActivityAt.UTC().Format(time.RFC3339),
		closedAt,
		satisfaction,
		conversationID,
	}
}

// ListConversations returns conversations ordered by most recent activity,
// optionally filtered by status and channel.
func (s *SQLiteStore) ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var args []any
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1=1`
	if params.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(params.Status))
	}
	if params.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, string(params.Channel))
	}
	query += ` ORDER BY last_activity_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return s.collectConversations(rows)
}

// ListIdleConversations returns active conversations with no activity since
// idleBefore, oldest first. Escalated conversations wait for a human and are
// never swept.
func (s *SQLiteStore) ListIdleConversations(ctx context.Context, idleBefore time.Time, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = 'active' AND last_activity_at < ?
		ORDER BY last_activity_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, idleBefore.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("querying idle conversations: %w", err)
	}
	defer rows.Close()

	return s.collectConversations(rows)
}

func (s *SQLiteStore) collectConversations(rows *sql.Rows) ([]*Conversation, error) {
	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		var channel, status, priority, createdAt, lastActivityAt string
		var satisfaction sql.NullInt64
		var closedAt sql.NullString

		if err := rows.Scan(&conv.ID, &conv.SessionID, &channel, &status, &priority,
			&conv.Category, &conv.Sentiment, &conv.LowConfidenceStreak, &conv.FailureStreak,
			&satisfaction, &createdAt, &lastActivityAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.Channel = Channel(channel)
		conv.Status = ConversationStatus(status)
		conv.Priority = Priority(priority)
		if satisfaction.Valid {
			v := int(satisfaction.Int64)
			conv.Satisfaction = &v
		}

		var err error
		conv.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		conv.LastActivityAt, err = time.Parse(time.RFC3339, lastActivityAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_activity_at: %w", err)
		}
		if closedAt.Valid {
			t, err := time.Parse(time.RFC3339, closedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing closed_at: %w", err)
			}
			conv.ClosedAt = &t
		}

		conversations = append(conversations, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

// PurgeClosedBefore deletes terminal conversations closed at or before the
// cutoff, along with their messages and escalations. Returns the number of
// conversations removed.
func (s *SQLiteStore) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339)
	doomed := `
		SELECT id FROM conversations
		WHERE status IN ('resolved', 'abandoned') AND closed_at IS NOT NULL AND closed_at <= ?
	`

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id IN (`+doomed+`)`, cutoffStr); err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM escalations WHERE conversation_id IN (`+doomed+`)`, cutoffStr); err != nil {
		return 0, fmt.Errorf("purging escalations: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE status IN ('resolved', 'abandoned') AND closed_at IS NOT NULL AND closed_at <= ?
	`, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("purging conversations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.Info("purged closed conversations", "count", count, "cutoff", cutoffStr)
	}
	return count, nil
}

// AppendMessage appends a message to a conversation, atomically assigning the
// next sequence number and refreshing the conversation's last activity.
// Returns ErrDuplicateMessage if the message ID already exists and ErrNotFound
// if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	for range maxAppendRetries {
		out, err := s.appendMessageOnce(ctx, msg)
		if errors.Is(err, errSeqConflict) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("appending message %s: %w", msg.ID, errSeqConflict)
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := insertMessageTx(ctx, tx, msg)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
		msg.CreatedAt.UTC().Format(time.RFC3339), msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("refreshing last activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	out := *msg
	out.Seq = seq
	s.logger.Debug("appended message", "id", out.ID, "conversation_id", out.ConversationID, "seq", seq, "role", out.Role)
	return &out, nil
}

// insertMessageTx inserts a message with the next sequence number for its
// conversation. The UNIQUE(conversation_id, seq) constraint catches lost
// races on the MAX(seq) read; callers retry on errSeqConflict.
func insertMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) (int64, error) {
	query := `
		INSERT INTO messages (id, conversation_id, seq, role, content, intent, confidence, sentiment, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		nullString(msg.Intent),
		msg.Confidence,
		msg.Sentiment,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "FOREIGN KEY"):
			return 0, ErrNotFound
		case strings.Contains(errStr, "messages.id"):
			return 0, ErrDuplicateMessage
		case isConstraintViolation(err):
			return 0, errSeqConflict
		default:
			return 0, fmt.Errorf("inserting message: %w", err)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ?`, msg.ID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading assigned seq: %w", err)
	}
	return seq, nil
}

// CompleteTurn appends the outbound message and applies the conversation
// update as a single transaction, so a turn's ledger append and status change
// land together or not at all.
func (s *SQLiteStore) CompleteTurn(ctx context.Context, conversationID string, outbound *Message, update ConversationUpdate) (*Message, error) {
	for range maxAppendRetries {
		out, err := s.completeTurnOnce(ctx, conversationID, outbound, update)
		if errors.Is(err, errSeqConflict) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("completing turn for %s: %w", conversationID, errSeqConflict)
}

func (s *SQLiteStore) completeTurnOnce(ctx context.Context, conversationID string, outbound *Message, update ConversationUpdate) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning turn transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := insertMessageTx(ctx, tx, outbound)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, conversationUpdateSQL, conversationUpdateArgs(conversationID, update)...)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}

	out := *outbound
	out.Seq = seq
	s.logger.Debug("completed turn", "conversation_id", conversationID, "seq", seq, "status", update.Status)
	return &out, nil
}

const messageColumns = `id, conversation_id, seq, role, content, intent, confidence, sentiment, created_at`

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	var msg Message
	var role, createdAt string
	var intent sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.Seq, &role, &msg.Content,
		&intent, &msg.Confidence, &msg.Sentiment, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	msg.Role = SenderRole(role)
	msg.Intent = intent.String
	msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}

// ListRecentMessages retrieves the most recent `limit` messages of a
// conversation in sequence order (oldest of the window first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in sequence order
		query = `
			SELECT ` + messageColumns + `
			FROM (
				SELECT ` + messageColumns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, createdAt string
		var intent sql.NullString

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &role, &msg.Content,
			&intent, &msg.Confidence, &msg.Sentiment, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = SenderRole(role)
		msg.Intent = intent.String

		var err error
		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// ListMessages retrieves a page of a conversation's messages in sequence
// order with cursor-based pagination.
func (s *SQLiteStore) ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error) {
	if params.ConversationID == "" {
		return nil, errors.New("conversation_id required")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var afterSeq int64
	if params.Cursor != "" {
		var err error
		afterSeq, err = decodeMessageCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
	}

	// Fetch limit+1 to detect if there are more results
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, params.ConversationID, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	result := &ListMessagesResult{
		Messages: messages,
		HasMore:  hasMore,
	}
	if hasMore && len(messages) > 0 {
		result.NextCursor = encodeMessageCursor(messages[len(messages)-1].Seq)
	}
	return result, nil
}

// CreateEscalation records an escalation for a conversation. If an unresolved
// escalation already exists, it is returned with created=false; the trigger is
// a no-op.
func (s *SQLiteStore) CreateEscalation(ctx context.Context, event *EscalationEvent) (*EscalationEvent, bool, error) {
	query := `
		INSERT INTO escalations (id, conversation_id, reason, assigned_agent, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationID,
		string(event.Reason),
		nullString(event.AssignedAgent),
		event.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, false, ErrNotFound
		}
		if isConstraintViolation(err) {
			existing, lookupErr := s.GetOpenEscalation(ctx, event.ConversationID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("escalation exists but lookup failed: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("inserting escalation: %w", err)
	}

	s.logger.Debug("created escalation", "id", event.ID, "conversation_id", event.ConversationID, "reason", event.Reason)
	return event, true, nil
}

// GetOpenEscalation retrieves the unresolved escalation for a conversation.
// Returns ErrNotFound if none is open.
func (s *SQLiteStore) GetOpenEscalation(ctx context.Context, conversationID string) (*EscalationEvent, error) {
	query := `
		SELECT id, conversation_id, reason, assigned_agent, created_at, resolved_at
		FROM escalations
		WHERE conversation_id = ? AND resolved_at IS NULL
	`

	var event EscalationEvent
	var reason, createdAt string
	var assignedAgent, resolvedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&event.ID, &event.ConversationID, &reason, &assignedAgent, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying escalation: %w", err)
	}

	event.Reason = EscalationReason(reason)
	event.AssignedAgent = assignedAgent.String
	event.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing escalation created_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing escalation resolved_at: %w", err)
		}
		event.ResolvedAt = &t
	}

	return &event, nil
}

// AssignEscalation sets the handling agent on the open escalation.
// Returns ErrNotFound if no escalation is open for the conversation.
func (s *SQLiteStore) AssignEscalation(ctx context.Context, conversationID, agent string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET assigned_agent = ?
		WHERE conversation_id = ? AND resolved_at IS NULL
	`, agent, conversationID)
	if err != nil {
		return fmt.Errorf("assigning escalation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("assigned escalation", "conversation_id", conversationID, "agent", agent)
	return nil
}

// CloseEscalation resolves the open escalation for a conversation.
// Closing when none is open is a no-op.
func (s *SQLiteStore) CloseEscalation(ctx context.Context, conversationID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET resolved_at = ?
		WHERE conversation_id = ? AND resolved_at IS NULL
	`, at.UTC().Format(time.RFC3339), conversationID)
	if err != nil {
		return fmt.Errorf("closing escalation: %w", err)
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected > 0 {
		s.logger.Debug("closed escalation", "conversation_id", conversationID)
	}
	return nil
}

// InsertAnalyticsRecord stores a metric sample. Records are keyed by ID so
// at-least-once queue delivery inserts each sample exactly once; a duplicate
// returns inserted=false.
func (s *SQLiteStore) InsertAnalyticsRecord(ctx context.Context, rec *AnalyticsRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO analytics_records (id, metric, value, channel, day, hour, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Metric,
		rec.Value,
		string(rec.Channel),
		rec.Day,
		rec.Hour,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("inserting analytics record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DashboardStats aggregates one day of activity for the operator dashboard
func (s *SQLiteStore) DashboardStats(ctx context.Context, day string) (*DashboardStats, error) {
	stats := &DashboardStats{
		Day:            day,
		ChannelCounts:  make(map[Channel]int),
		CategoryCounts: make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(sentiment), 0)
		FROM conversations WHERE date(created_at) = ?
	`, day).Scan(&stats.TotalConversations, &stats.AvgSentiment)
	if err != nil {
		return nil, fmt.Errorf("querying conversation totals: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('active', 'escalated') THEN 1 END),
			COUNT(CASE WHEN status = 'escalated' THEN 1 END)
		FROM conversations
	`).Scan(&stats.OpenConversations, &stats.Escalated)
	if err != nil {
		return nil, fmt.Errorf("querying open counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(satisfaction), 0)
		FROM conversations
		WHERE status = 'resolved' AND closed_at IS NOT NULL AND date(closed_at) = ?
	`, day).Scan(&stats.ResolvedToday, &stats.AvgSatisfaction)
	if err != nil {
		return nil, fmt.Errorf("querying resolved counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalations WHERE date(created_at) = ?
	`, day).Scan(&stats.EscalationsToday)
	if err != nil {
		return nil, fmt.Errorf("querying escalation count: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(value), 0) FROM analytics_records
		WHERE metric = ? AND day = ?
	`, MetricResponseTime, day).Scan(&stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying response time: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, COUNT(*) FROM conversations
		WHERE date(created_at) = ? GROUP BY channel
	`, day)
	if err != nil {
		return nil, fmt.Errorf("querying channel counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var channel string
		var count int
		if err := rows.Scan(&channel, &count); err != nil {
			return nil, fmt.Errorf("scanning channel count: %w", err)
		}
		stats.ChannelCounts[Channel(channel)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel counts: %w", err)
	}

	catRows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM conversations
		WHERE date(created_at) = ? GROUP BY category
	`, day)
	if err != nil {
		return nil, fmt.Errorf("querying category counts: %w", err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var category string
		var count int
		if err := catRows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scanning category count: %w", err)
		}
		stats.CategoryCounts[category] = count
	}
	if err := catRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating category counts: %w", err)
	}

	hourRows, err := s.db.QueryContext(ctx, `
		SELECT CAST(strftime('%H', created_at) AS INTEGER), COUNT(*)
		FROM messages WHERE date(created_at) = ?
		GROUP BY 1
	`, day)
	if err != nil {
		return nil, fmt.Errorf("querying hourly volume: %w", err)
	}
	defer hourRows.Close()
	for hourRows.Next() {
		var hour, count int
		if err := hourRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("scanning hourly volume: %w", err)
		}
		if hour >= 0 && hour < 24 {
			stats.HourlyVolume[hour] = count
		}
	}
	if err := hourRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hourly volume: %w", err)
	}

	return stats, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
