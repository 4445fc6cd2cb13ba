// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Update locks the conversation row with SELECT ... FOR UPDATE for the lifetime of the transaction

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL error codes the store maps onto its sentinel errors
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at dsn, verifies it with a ping
// and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
	}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// normalizeDSN converts driver-suffixed URLs found in shared .env files to what pgx accepts.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id                       TEXT PRIMARY KEY,
			store_id                 TEXT NOT NULL,
			customer_id              TEXT,
			guest_session_id         TEXT,
			status                   TEXT NOT NULL CHECK (status IN ('active', 'closed', 'archived')),
			started_at               TIMESTAMPTZ NOT NULL,
			closed_at                TIMESTAMPTZ,
			last_message_at          TIMESTAMPTZ,
			unread_merchant_messages INTEGER NOT NULL DEFAULT 0 CHECK (unread_merchant_messages >= 0),
			unread_customer_messages INTEGER NOT NULL DEFAULT 0 CHECK (unread_customer_messages >= 0),
			version                  BIGINT NOT NULL DEFAULT 0,
			CHECK ((customer_id IS NULL) <> (guest_session_id IS NULL))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_customer
			ON conversations(store_id, customer_id)
			WHERE status = 'active' AND customer_id IS NOT NULL;

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_guest
			ON conversations(store_id, guest_session_id)
			WHERE status = 'active' AND guest_session_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_guest
			ON conversations(store_id, guest_session_id);

		CREATE INDEX IF NOT EXISTS idx_conversations_inbox
			ON conversations(store_id, status, last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			sender_type       TEXT NOT NULL CHECK (sender_type IN ('customer', 'merchant', 'bot')),
			sender_id         TEXT,
			content           TEXT NOT NULL CHECK (length(content) > 0),
			sent_at           TIMESTAMPTZ NOT NULL,
			read_at           TIMESTAMPTZ,
			seq               BIGINT NOT NULL,
			client_message_id TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
			ON messages(conversation_id, client_message_id)
			WHERE client_message_id IS NOT NULL;
	`)
	return err
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgCode returns the SQLSTATE of a PostgreSQL error, or "" for other errors.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isPgConflict(err error) bool {
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// nullable converts empty strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var customerID, guestID *string
	var status string

	if err := row.Scan(&c.ID, &c.StoreID, &customerID, &guestID, &status, &c.StartedAt,
		&c.ClosedAt, &c.LastMessageAt, &c.UnreadMerchantMessages, &c.UnreadCustomerMessages, &c.Version); err != nil {
		return nil, err
	}
	if customerID != nil {
		c.CustomerID = *customerID
	}
	if guestID != nil {
		c.GuestSessionID = *guestID
	}
	c.Status = ConversationStatus(status)
	c.StartedAt = c.StartedAt.UTC()
	c.ClosedAt = utcPtr(c.ClosedAt)
	c.LastMessageAt = utcPtr(c.LastMessageAt)
	return &c, nil
}

func scanPgMessage(row pgx.Row) (*Message, error) {
	var m Message
	var senderType string
	var senderID, clientID *string

	if err := row.Scan(&m.ID, &m.ConversationID, &senderType, &senderID, &m.Content,
		&m.SentAt, &m.ReadAt, &m.Seq, &clientID); err != nil {
		return nil, err
	}
	m.SenderType = SenderType(senderType)
	if senderID != nil {
		m.SenderID = *senderID
	}
	if clientID != nil {
		m.ClientMessageID = *clientID
	}
	m.SentAt = m.SentAt.UTC()
	m.ReadAt = utcPtr(m.ReadAt)
	return &m, nil
}

func collectPgMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var messages []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func insertPgMessage(ctx context.Context, tx pgx.Tx, msg *Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.SenderType),
		nullable(msg.SenderID),
		msg.Content,
		msg.SentAt.UTC(),
		utcPtr(msg.ReadAt),
		msg.Seq,
		nullable(msg.ClientMessageID),
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// CreateConversation inserts the conversation and its initial messages atomically.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation, initial []*Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		conv.ID,
		conv.StoreID,
		nullable(conv.CustomerID),
		nullable(conv.GuestSessionID),
		string(conv.Status),
		conv.StartedAt.UTC(),
		utcPtr(conv.ClosedAt),
		utcPtr(conv.LastMessageAt),
		conv.UnreadMerchantMessages,
		conv.UnreadCustomerMessages,
		conv.Version,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, msg := range initial {
		if err := insertPgMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isPgConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("committing conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// FindActiveConversation returns the owner's active conversation in a store.
func (s *PostgresStore) FindActiveConversation(ctx context.Context, storeID string, owner Owner) (*Conversation, error) {
	var row pgx.Row
	if owner.CustomerID != "" {
		row = s.pool.QueryRow(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE store_id = $1 AND customer_id = $2 AND status = 'active'
		`, storeID, owner.CustomerID)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE store_id = $1 AND guest_session_id = $2 AND status = 'active'
		`, storeID, owner.GuestSessionID)
	}

	conv, err := scanPgConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a store's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE store_id = $1`
	args := []any{filter.StoreID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(` ORDER BY COALESCE(last_message_at, started_at) DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// ListMessages returns the most recent `limit` messages, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent
			ORDER BY seq ASC
		`, conversationID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY seq ASC
		`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return collectPgMessages(rows)
}

// GetMessageByClientID looks up a message by the id the client attached to its draft.
func (s *PostgresStore) GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string) (*Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND client_message_id = $2
	`, conversationID, clientMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by client id: %w", err)
	}
	return msg, nil
}

// Update locks the conversation row with FOR UPDATE and runs fn in the same transaction.
func (s *PostgresStore) Update(ctx context.Context, conversationID string, fn func(tx Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	conv, err := scanPgConversation(pgTx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		if isPgConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("locking conversation: %w", err)
	}

	if err := fn(&postgresTx{tx: pgTx, conv: conv}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		if isPgConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// postgresTx implements Tx over a pgx transaction holding the row lock
type postgresTx struct {
	tx   pgx.Tx
	conv *Conversation
}

func (t *postgresTx) Conversation() *Conversation {
	c := *t.conv
	return &c
}

func (t *postgresTx) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ConversationID != t.conv.ID {
		return fmt.Errorf("message belongs to conversation %q, not %q", msg.ConversationID, t.conv.ID)
	}
	return insertPgMessage(ctx, t.tx, msg)
}

func (t *postgresTx) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND id = ANY($2)
		ORDER BY seq ASC
	`, t.conv.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("querying messages by id: %w", err)
	}
	return collectPgMessages(rows)
}

func (t *postgresTx) MarkRead(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE messages SET read_at = $1
		WHERE conversation_id = $2 AND read_at IS NULL AND id = ANY($3)
	`, at.UTC(), t.conv.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *postgresTx) SaveConversation(ctx context.Context, conv *Conversation) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE conversations
		SET status = $1, closed_at = $2, last_message_at = $3,
		    unread_merchant_messages = $4, unread_customer_messages = $5, version = $6
		WHERE id = $7 AND version = $8
	`,
		string(conv.Status),
		utcPtr(conv.ClosedAt),
		utcPtr(conv.LastMessageAt),
		conv.UnreadMerchantMessages,
		conv.UnreadCustomerMessages,
		conv.Version,
		t.conv.ID,
		t.conv.Version,
	)
	if err != nil {
		if isPgConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("updating conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	saved := *conv
	t.conv = &saved
	return nil
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)
