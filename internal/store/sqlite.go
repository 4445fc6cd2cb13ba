// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Write transactions take the database lock up front (BEGIN IMMEDIATE) so per-conversation writes serialize

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

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that TEXT ordering matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

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

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// _txlock=immediate makes every BeginTx acquire the write lock, so the
	// read-check-write sequence inside Update cannot be interleaved.
	dsn := path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each :memory: connection is its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                       TEXT PRIMARY KEY,
			store_id                 TEXT NOT NULL,
			customer_id              TEXT,
			guest_session_id         TEXT,
			status                   TEXT NOT NULL,
			started_at               TEXT NOT NULL,
			closed_at                TEXT,
			last_message_at          TEXT,
			unread_merchant_messages INTEGER NOT NULL DEFAULT 0,
			unread_customer_messages INTEGER NOT NULL DEFAULT 0,
			version                  INTEGER NOT NULL DEFAULT 0,

			CHECK (status IN ('active', 'closed', 'archived')),
			CHECK ((customer_id IS NULL) <> (guest_session_id IS NULL)),
			CHECK (unread_merchant_messages >= 0),
			CHECK (unread_customer_messages >= 0)
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
			sender_type       TEXT NOT NULL,
			sender_id         TEXT,
			content           TEXT NOT NULL,
			sent_at           TEXT NOT NULL,
			read_at           TEXT,
			seq               INTEGER NOT NULL,
			client_message_id TEXT,

			CHECK (sender_type IN ('customer', 'merchant', 'bot')),
			CHECK (length(content) > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
			ON messages(conversation_id, client_message_id)
			WHERE client_message_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy checks if the error is SQLite giving up on acquiring a lock
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, store_id, customer_id, guest_session_id, status, started_at, closed_at,
	last_message_at, unread_merchant_messages, unread_customer_messages, version`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var customerID, guestID, closedAt, lastMessageAt sql.NullString
	var status, startedAt string

	if err := row.Scan(&c.ID, &c.StoreID, &customerID, &guestID, &status, &startedAt,
		&closedAt, &lastMessageAt, &c.UnreadMerchantMessages, &c.UnreadCustomerMessages, &c.Version); err != nil {
		return nil, err
	}

	c.CustomerID = customerID.String
	c.GuestSessionID = guestID.String
	c.Status = ConversationStatus(status)

	var err error
	c.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if c.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, fmt.Errorf("parsing closed_at: %w", err)
	}
	if c.LastMessageAt, err = parseNullTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	return &c, nil
}

const messageColumns = `id, conversation_id, sender_type, sender_id, content, sent_at, read_at, seq, client_message_id`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var senderType, sentAt string
	var senderID, readAt, clientID sql.NullString

	if err := row.Scan(&m.ID, &m.ConversationID, &senderType, &senderID, &m.Content,
		&sentAt, &readAt, &m.Seq, &clientID); err != nil {
		return nil, err
	}

	m.SenderType = SenderType(senderType)
	m.SenderID = senderID.String
	m.ClientMessageID = clientID.String

	var err error
	m.SentAt, err = time.Parse(timeFormat, sentAt)
	if err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if m.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	return &m, nil
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, ex execer, msg *Message) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.SenderType),
		nullString(msg.SenderID),
		msg.Content,
		formatTime(msg.SentAt),
		nullTime(msg.ReadAt),
		msg.Seq,
		nullString(msg.ClientMessageID),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// CreateConversation inserts the conversation and its initial messages atomically.
// The partial unique indexes reject a second active conversation for the same owner.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, initial []*Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return ErrConflict
		}
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.StoreID,
		nullString(conv.CustomerID),
		nullString(conv.GuestSessionID),
		string(conv.Status),
		formatTime(conv.StartedAt),
		nullTime(conv.ClosedAt),
		nullTime(conv.LastMessageAt),
		conv.UnreadMerchantMessages,
		conv.UnreadCustomerMessages,
		conv.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, msg := range initial {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return ErrConflict
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "store_id", conv.StoreID, "messages", len(initial))
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// FindActiveConversation returns the owner's active conversation in a store.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindActiveConversation(ctx context.Context, storeID string, owner Owner) (*Conversation, error) {
	var row *sql.Row
	if owner.CustomerID != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE store_id = ? AND customer_id = ? AND status = 'active'
		`, storeID, owner.CustomerID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE store_id = ? AND guest_session_id = ? AND status = 'active'
		`, storeID, owner.GuestSessionID)
	}

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a store's conversations, most recently active first.
// Conversations without messages sort by their start time.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE store_id = ?`
	args := []any{filter.StoreID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY COALESCE(last_message_at, started_at) DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
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

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in insertion order (oldest first).
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT ` + messageColumns + ` FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + ` FROM messages
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

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
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

// GetMessageByClientID looks up a message by the id the client attached to its draft.
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND client_message_id = ?
	`, conversationID, clientMessageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by client id: %w", err)
	}
	return msg, nil
}

// Update runs fn with the conversation locked. The transaction is opened with
// BEGIN IMMEDIATE, so concurrent writers queue on busy_timeout rather than
// failing halfway through.
func (s *SQLiteStore) Update(ctx context.Context, conversationID string, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return ErrConflict
		}
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	row := sqlTx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking conversation: %w", err)
	}

	if err := fn(&sqliteTx{tx: sqlTx, conv: conv}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusy(err) {
			return ErrConflict
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// sqliteTx implements Tx on top of a *sql.Tx holding the write lock
type sqliteTx struct {
	tx   *sql.Tx
	conv *Conversation
}

func (t *sqliteTx) Conversation() *Conversation {
	c := *t.conv
	return &c
}

func (t *sqliteTx) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ConversationID != t.conv.ID {
		return fmt.Errorf("message belongs to conversation %q, not %q", msg.ConversationID, t.conv.ID)
	}
	return insertMessage(ctx, t.tx, msg)
}

func (t *sqliteTx) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, t.conv.ID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND id IN (`+placeholders+`)
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages by id: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (t *sqliteTx) MarkRead(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, formatTime(at), t.conv.ID)
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND read_at IS NULL AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

func (t *sqliteTx) SaveConversation(ctx context.Context, conv *Conversation) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, closed_at = ?, last_message_at = ?,
		    unread_merchant_messages = ?, unread_customer_messages = ?, version = ?
		WHERE id = ? AND version = ?
	`,
		string(conv.Status),
		nullTime(conv.ClosedAt),
		nullTime(conv.LastMessageAt),
		conv.UnreadMerchantMessages,
		conv.UnreadCustomerMessages,
		conv.Version,
		t.conv.ID,
		t.conv.Version,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}

	saved := *conv
	t.conv = &saved
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
