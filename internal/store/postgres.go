// ABOUTME: Postgres implementation of the Store interface using pgx
// ABOUTME: Mirrors the SQLite store with native timestamps and $n placeholders

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes for constraint classification
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements the Store interface on a pgx connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to Postgres and ensures the schema exists
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			identity_key TEXT NOT NULL UNIQUE,
			channel      TEXT NOT NULL CHECK (channel IN ('web', 'voice')),
			name         TEXT,
			email        TEXT,
			phone        TEXT,
			account_ref  TEXT,
			created_at   TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			session_id            TEXT NOT NULL REFERENCES sessions(id),
			channel               TEXT NOT NULL CHECK (channel IN ('web', 'voice')),
			status                TEXT NOT NULL DEFAULT 'active'
				CHECK (status IN ('active', 'escalated', 'resolved', 'abandoned')),
			priority              TEXT NOT NULL DEFAULT 'normal'
				CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			category              TEXT NOT NULL DEFAULT 'general',
			sentiment             DOUBLE PRECISION NOT NULL DEFAULT 0,
			low_confidence_streak INTEGER NOT NULL DEFAULT 0,
			failure_streak        INTEGER NOT NULL DEFAULT 0,
			satisfaction          INTEGER,
			created_at            TIMESTAMPTZ NOT NULL,
			last_activity_at      TIMESTAMPTZ NOT NULL,
			closed_at             TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_session
			ON conversations(session_id) WHERE status IN ('active', 'escalated');
		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status, last_activity_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             BIGINT NOT NULL,
			role            TEXT NOT NULL CHECK (role IN ('user', 'agent', 'system')),
			content         TEXT NOT NULL,
			intent          TEXT,
			confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
			sentiment       DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,

			UNIQUE (conversation_id, seq)
		);

		CREATE TABLE IF NOT EXISTS escalations (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			reason          TEXT NOT NULL,
			assigned_agent  TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			resolved_at     TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_open
			ON escalations(conversation_id) WHERE resolved_at IS NULL;

		CREATE TABLE IF NOT EXISTS analytics_records (
			id         TEXT PRIMARY KEY,
			metric     TEXT NOT NULL,
			value      DOUBLE PRECISION NOT NULL,
			channel    TEXT NOT NULL,
			day        TEXT NOT NULL,
			hour       INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_analytics_day_metric
			ON analytics_records(day, metric);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// GetOrCreateSession looks up the session for an identity key, creating it if absent
func (s *PostgresStore) GetOrCreateSession(ctx context.Context, identityKey string, channel Channel, contact Contact) (*Session, bool, error) {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, identity_key, channel, name, email, phone, account_ref, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)`,
		sess.ID, sess.IdentityKey, string(sess.Channel),
		contact.Name, contact.Email, contact.Phone, contact.AccountRef,
		sess.CreatedAt,
	)
	if err != nil {
		if pgErrCode(err) == pgUniqueViolation {
			existing, lookupErr := s.GetSessionByIdentity(ctx, identityKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("session exists but lookup failed: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "identity", identityKey, "channel", channel)
	return sess, true, nil
}

func (s *PostgresStore) updateContact(ctx context.Context, sess *Session, contact Contact) error {
	if contact == (Contact{}) {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET name        = COALESCE(NULLIF($1, ''), name),
		    email       = COALESCE(NULLIF($2, ''), email),
		    phone       = COALESCE(NULLIF($3, ''), phone),
		    account_ref = COALESCE(NULLIF($4, ''), account_ref)
		WHERE id = $5`,
		contact.Name, contact.Email, contact.Phone, contact.AccountRef, sess.ID)
	if err != nil {
		return fmt.Errorf("update session contact: %w", err)
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

const pgSessionColumns = `id, identity_key, channel,
	COALESCE(name, ''), COALESCE(email, ''), COALESCE(phone, ''), COALESCE(account_ref, ''), created_at`

// GetSession retrieves a session by ID
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanPgSession(row)
}

// GetSessionByIdentity retrieves a session by identity key
func (s *PostgresStore) GetSessionByIdentity(ctx context.Context, identityKey string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE identity_key = $1`, identityKey)
	return scanPgSession(row)
}

func scanPgSession(row pgx.Row) (*Session, error) {
	var sess Session
	var channel string
	err := row.Scan(&sess.ID, &sess.IdentityKey, &channel,
		&sess.Contact.Name, &sess.Contact.Email, &sess.Contact.Phone, &sess.Contact.AccountRef,
		&sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Channel = Channel(channel)
	return &sess, nil
}

// CreateConversation creates a new active conversation for a session
func (s *PostgresStore) CreateConversation(ctx context.Context, sessionID string, channel Channel) (*Conversation, error) {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, session_id, channel, status, priority, category, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, conv.SessionID, string(conv.Channel), string(conv.Status),
		string(conv.Priority), conv.Category, conv.CreatedAt, conv.LastActivityAt,
	)
	if err != nil {
		switch pgErrCode(err) {
		case pgForeignKeyViolation:
			return nil, ErrNotFound
		case pgUniqueViolation:
			return nil, ErrConversationOpen
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "session_id", sessionID, "channel", channel)
	return conv, nil
}

const pgConversationColumns = `id, session_id, channel, status, priority, category,
	sentiment, low_confidence_streak, failure_streak, satisfaction,
	created_at, last_activity_at, closed_at`

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanPgConversation(row)
}

// GetOpenConversation retrieves the session's open conversation
func (s *PostgresStore) GetOpenConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgConversationColumns+`
		FROM conversations
		WHERE session_id = $1 AND status IN ('active', 'escalated')`, sessionID)
	return scanPgConversation(row)
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	var channel, status, priority string
	var satisfaction *int
	var closedAt *time.Time

	err := row.Scan(&conv.ID, &conv.SessionID, &channel, &status, &priority,
		&conv.Category, &conv.Sentiment, &conv.LowConfidenceStreak, &conv.FailureStreak,
		&satisfaction, &conv.CreatedAt, &conv.LastActivityAt, &closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	conv.Channel = Channel(channel)
	conv.Status = ConversationStatus(status)
	conv.Priority = Priority(priority)
	conv.Satisfaction = satisfaction
	conv.ClosedAt = closedAt
	return &conv, nil
}

const pgConversationUpdateSQL = `
	UPDATE conversations
	SET status = $1, priority = $2, category = $3, sentiment = $4,
	    low_confidence_streak = $5, failure_streak = $6,
	    last_activity_at = $7, closed_at = $8, satisfaction = $9
	WHERE id = $10
`

func pgConversationUpdateArgs(conversationID string, update ConversationUpdate) []any {
	var closedAt *time.Time
	if update.ClosedAt != nil {
		t := update.ClosedAt.UTC()
		closedAt = &t
	}
	return []any{
		string(update.Status), string(update.Priority), update.Category, update.Sentiment,
		update.LowConfidenceStreak, update.FailureStreak,
		update.LastActivityAt.UTC(), closedAt, update.Satisfaction,
		conversationID,
	}
}

// UpdateConversationStatus applies a full conversation update
func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, conversationID string, update ConversationUpdate) error {
	tag, err := s.pool.Exec(ctx, pgConversationUpdateSQL, pgConversationUpdateArgs(conversationID, update)...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conversationID, "status", update.Status)
	return nil
}

// ListConversations returns conversations by most recent activity
func (s *PostgresStore) ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + pgConversationColumns + ` FROM conversations WHERE 1=1`
	var args []any
	if params.Status != "" {
		args = append(args, string(params.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if params.Channel != "" {
		args = append(args, string(params.Channel))
		query += fmt.Sprintf(` AND channel = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY last_activity_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	return collectPgConversations(rows)
}

// ListIdleConversations returns active conversations idle since idleBefore
func (s *PostgresStore) ListIdleConversations(ctx context.Context, idleBefore time.Time, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgConversationColumns+`
		FROM conversations
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at ASC
		LIMIT $2`, idleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query idle conversations: %w", err)
	}
	defer rows.Close()

	return collectPgConversations(rows)
}

func collectPgConversations(rows pgx.Rows) ([]*Conversation, error) {
	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return conversations, nil
}

// PurgeClosedBefore deletes terminal conversations closed at or before cutoff
func (s *PostgresStore) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doomed := `
		SELECT id FROM conversations
		WHERE status IN ('resolved', 'abandoned') AND closed_at IS NOT NULL AND closed_at <= $1
	`
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id IN (`+doomed+`)`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM escalations WHERE conversation_id IN (`+doomed+`)`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("purge escalations: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		DELETE FROM conversations
		WHERE status IN ('resolved', 'abandoned') AND closed_at IS NOT NULL AND closed_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}

	count := tag.RowsAffected()
	if count > 0 {
		s.logger.Info("purged closed conversations", "count", count)
	}
	return count, nil
}

// AppendMessage appends a message, atomically assigning the next sequence
// number and refreshing the conversation's last activity
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	for range maxAppendRetries {
		out, err := s.appendMessageOnce(ctx, msg)
		if errors.Is(err, errSeqConflict) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("appending message %s: %w", msg.ID, errSeqConflict)
}

func (s *PostgresStore) appendMessageOnce(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seq, err := insertPgMessage(ctx, tx, msg)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_activity_at = $1 WHERE id = $2`,
		msg.CreatedAt.UTC(), msg.ConversationID); err != nil {
		return nil, fmt.Errorf("refresh last activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	out := *msg
	out.Seq = seq
	s.logger.Debug("appended message", "id", out.ID, "conversation_id", out.ConversationID, "seq", seq, "role", out.Role)
	return &out, nil
}

func insertPgMessage(ctx context.Context, tx pgx.Tx, msg *Message) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, intent, confidence, sentiment, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $2),
		        $3, $4, NULLIF($5, ''), $6, $7, $8)
		RETURNING seq`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		msg.Intent, msg.Confidence, msg.Sentiment, msg.CreatedAt.UTC(),
	).Scan(&seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgForeignKeyViolation:
				return 0, ErrNotFound
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "messages_pkey":
				return 0, ErrDuplicateMessage
			case pgErr.Code == pgUniqueViolation:
				return 0, errSeqConflict
			}
		}
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return seq, nil
}

// CompleteTurn appends the outbound message and applies the conversation
// update as a single transaction
func (s *PostgresStore) CompleteTurn(ctx context.Context, conversationID string, outbound *Message, update ConversationUpdate) (*Message, error) {
	for range maxAppendRetries {
		out, err := s.completeTurnOnce(ctx, conversationID, outbound, update)
		if errors.Is(err, errSeqConflict) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("completing turn for %s: %w", conversationID, errSeqConflict)
}

func (s *PostgresStore) completeTurnOnce(ctx context.Context, conversationID string, outbound *Message, update ConversationUpdate) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin turn tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seq, err := insertPgMessage(ctx, tx, outbound)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, pgConversationUpdateSQL, pgConversationUpdateArgs(conversationID, update)...)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}

	out := *outbound
	out.Seq = seq
	s.logger.Debug("completed turn", "conversation_id", conversationID, "seq", seq, "status", update.Status)
	return &out, nil
}

const pgMessageColumns = `id, conversation_id, seq, role, content, COALESCE(intent, ''), confidence, sentiment, created_at`

// GetMessage retrieves a message by ID
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, id)
	return scanPgMessage(row)
}

func scanPgMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var role string
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &role, &msg.Content,
		&msg.Intent, &msg.Confidence, &msg.Sentiment, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = SenderRole(role)
	return &msg, nil
}

// ListRecentMessages returns the most recent limit messages in sequence order
func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var rows pgx.Rows
	var err error

	if limit > 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT `+pgMessageColumns+` FROM (
				SELECT * FROM messages
				WHERE conversation_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent
			ORDER BY seq ASC`, conversationID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+pgMessageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY seq ASC`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return collectPgMessages(rows)
}

func collectPgMessages(rows pgx.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// ListMessages returns one page of messages with cursor pagination
func (s *PostgresStore) ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error) {
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

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, params.ConversationID, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectPgMessages(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	result := &ListMessagesResult{Messages: messages, HasMore: hasMore}
	if hasMore && len(messages) > 0 {
		result.NextCursor = encodeMessageCursor(messages[len(messages)-1].Seq)
	}
	return result, nil
}

// CreateEscalation records an escalation; a second open one is a no-op
func (s *PostgresStore) CreateEscalation(ctx context.Context, event *EscalationEvent) (*EscalationEvent, bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalations (id, conversation_id, reason, assigned_agent, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		event.ID, event.ConversationID, string(event.Reason), event.AssignedAgent,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		switch pgErrCode(err) {
		case pgForeignKeyViolation:
			return nil, false, ErrNotFound
		case pgUniqueViolation:
			existing, lookupErr := s.GetOpenEscalation(ctx, event.ConversationID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("escalation exists but lookup failed: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert escalation: %w", err)
	}

	s.logger.Debug("created escalation", "id", event.ID, "conversation_id", event.ConversationID, "reason", event.Reason)
	return event, true, nil
}

// GetOpenEscalation retrieves the unresolved escalation for a conversation
func (s *PostgresStore) GetOpenEscalation(ctx context.Context, conversationID string) (*EscalationEvent, error) {
	var event EscalationEvent
	var reason string
	var resolvedAt *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, reason, COALESCE(assigned_agent, ''), created_at, resolved_at
		FROM escalations
		WHERE conversation_id = $1 AND resolved_at IS NULL`, conversationID).
		Scan(&event.ID, &event.ConversationID, &reason, &event.AssignedAgent, &event.CreatedAt, &resolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query escalation: %w", err)
	}

	event.Reason = EscalationReason(reason)
	event.ResolvedAt = resolvedAt
	return &event, nil
}

// AssignEscalation sets the handling agent on the open escalation
func (s *PostgresStore) AssignEscalation(ctx context.Context, conversationID, agent string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escalations SET assigned_agent = $1
		WHERE conversation_id = $2 AND resolved_at IS NULL`, agent, conversationID)
	if err != nil {
		return fmt.Errorf("assign escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseEscalation resolves the open escalation; no-op if none is open
func (s *PostgresStore) CloseEscalation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE escalations SET resolved_at = $1
		WHERE conversation_id = $2 AND resolved_at IS NULL`, at.UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("close escalation: %w", err)
	}
	return nil
}

// InsertAnalyticsRecord stores a metric sample, deduplicating by ID
func (s *PostgresStore) InsertAnalyticsRecord(ctx context.Context, rec *AnalyticsRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO analytics_records (id, metric, value, channel, day, hour, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Metric, rec.Value, string(rec.Channel), rec.Day, rec.Hour, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert analytics record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DashboardStats aggregates one day of activity
func (s *PostgresStore) DashboardStats(ctx context.Context, day string) (*DashboardStats, error) {
	stats := &DashboardStats{
		Day:            day,
		ChannelCounts:  make(map[Channel]int),
		CategoryCounts: make(map[string]int),
	}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(sentiment), 0)
		FROM conversations WHERE created_at::date = $1::date`, day).
		Scan(&stats.TotalConversations, &stats.AvgSentiment)
	if err != nil {
		return nil, fmt.Errorf("query conversation totals: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('active', 'escalated')),
			COUNT(*) FILTER (WHERE status = 'escalated')
		FROM conversations`).
		Scan(&stats.OpenConversations, &stats.Escalated)
	if err != nil {
		return nil, fmt.Errorf("query open counts: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(satisfaction), 0)
		FROM conversations
		WHERE status = 'resolved' AND closed_at IS NOT NULL AND closed_at::date = $1::date`, day).
		Scan(&stats.ResolvedToday, &stats.AvgSatisfaction)
	if err != nil {
		return nil, fmt.Errorf("query resolved counts: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM escalations WHERE created_at::date = $1::date`, day).
		Scan(&stats.EscalationsToday)
	if err != nil {
		return nil, fmt.Errorf("query escalation count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(value), 0) FROM analytics_records
		WHERE metric = $1 AND day = $2`, MetricResponseTime, day).
		Scan(&stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("query response time: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT channel, COUNT(*) FROM conversations
		WHERE created_at::date = $1::date GROUP BY channel`, day)
	if err != nil {
		return nil, fmt.Errorf("query channel counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var channel string
		var count int
		if err := rows.Scan(&channel, &count); err != nil {
			return nil, fmt.Errorf("scan channel count: %w", err)
		}
		stats.ChannelCounts[Channel(channel)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel counts: %w", err)
	}

	catRows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*) FROM conversations
		WHERE created_at::date = $1::date GROUP BY category`, day)
	if err != nil {
		return nil, fmt.Errorf("query category counts: %w", err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var category string
		var count int
		if err := catRows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		stats.CategoryCounts[category] = count
	}
	if err := catRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}

	hourRows, err := s.pool.Query(ctx, `
		SELECT EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::int, COUNT(*)
		FROM messages WHERE created_at::date = $1::date
		GROUP BY 1`, day)
	if err != nil {
		return nil, fmt.Errorf("query hourly volume: %w", err)
	}
	defer hourRows.Close()
	for hourRows.Next() {
		var hour, count int
		if err := hourRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("scan hourly volume: %w", err)
		}
		if hour >= 0 && hour < 24 {
			stats.HourlyVolume[hour] = count
		}
	}
	if err := hourRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly volume: %w", err)
	}

	return stats, nil
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)
