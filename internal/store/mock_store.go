// ABOUTME: Mock Store implementation for testing
// ABOUTME: Mirrors SQLiteStore constraints in memory so service tests run without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Update holds the write lock for the whole callback and only applies staged
// changes when the callback succeeds, so it behaves like a real transaction.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, insertion order
	closed        bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}

func copyMessage(m *Message) *Message {
	cp := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

// activeFor returns the active conversation for an owner, if any. Caller holds mu.
func (m *MockStore) activeFor(storeID string, owner Owner) *Conversation {
	for _, c := range m.conversations {
		if c.StoreID != storeID || c.Status != StatusActive {
			continue
		}
		if owner.CustomerID != "" && c.CustomerID == owner.CustomerID {
			return c
		}
		if owner.GuestSessionID != "" && c.GuestSessionID == owner.GuestSessionID {
			return c
		}
	}
	return nil
}

// CreateConversation stores a new conversation and its initial messages.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation, initial []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !conv.Owner().Valid() {
		return fmt.Errorf("conversation %s must have exactly one owner", conv.ID)
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	if conv.Status == StatusActive && m.activeFor(conv.StoreID, conv.Owner()) != nil {
		return ErrDuplicate
	}

	m.conversations[conv.ID] = copyConversation(conv)
	msgs := make([]*Message, 0, len(initial))
	for _, msg := range initial {
		msgs = append(msgs, copyMessage(msg))
	}
	m.messages[conv.ID] = msgs
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// FindActiveConversation returns the owner's active conversation in a store.
func (m *MockStore) FindActiveConversation(ctx context.Context, storeID string, owner Owner) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.activeFor(storeID, owner)
	if c == nil {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversations returns a store's conversations, most recently active first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		result = append(result, copyConversation(c))
	}

	activity := func(c *Conversation) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.StartedAt
	}
	sort.Slice(result, func(i, j int) bool {
		return activity(result[i]).After(activity(result[j]))
	})

	if limit := clampLimit(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListMessages returns the most recent messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, copyMessage(msg))
	}
	return result, nil
}

// GetMessageByClientID looks up a message by its client-assigned id.
func (m *MockStore) GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if clientMessageID != "" && msg.ClientMessageID == clientMessageID {
			return copyMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

// Update runs fn against a staged copy of the conversation and commits it on success.
func (m *MockStore) Update(ctx context.Context, conversationID string, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}

	tx := &mockTx{
		store:  m,
		conv:   copyConversation(c),
		readAt: make(map[string]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged changes
	if tx.saved {
		m.conversations[conversationID] = tx.conv
	}
	for _, msg := range m.messages[conversationID] {
		if at, ok := tx.readAt[msg.ID]; ok {
			t := at
			msg.ReadAt = &t
		}
	}
	m.messages[conversationID] = append(m.messages[conversationID], tx.inserted...)
	return nil
}

// Ping always succeeds unless the store was closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// mockTx stages writes until MockStore.Update commits them. The store's write
// lock is held for its whole lifetime.
type mockTx struct {
	store    *MockStore
	conv     *Conversation
	saved    bool
	inserted []*Message
	readAt   map[string]time.Time
}

func (t *mockTx) Conversation() *Conversation {
	return copyConversation(t.conv)
}

func (t *mockTx) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ConversationID != t.conv.ID {
		return fmt.Errorf("message belongs to conversation %q, not %q", msg.ConversationID, t.conv.ID)
	}
	for _, existing := range append(t.store.messages[t.conv.ID], t.inserted...) {
		if existing.ID == msg.ID {
			return ErrDuplicate
		}
		if msg.ClientMessageID != "" && existing.ClientMessageID == msg.ClientMessageID {
			return ErrDuplicate
		}
	}
	t.inserted = append(t.inserted, copyMessage(msg))
	return nil
}

// lookup returns the staged view of a message in the locked conversation.
func (t *mockTx) lookup(id string) *Message {
	for _, msg := range t.store.messages[t.conv.ID] {
		if msg.ID == id {
			cp := copyMessage(msg)
			if at, ok := t.readAt[id]; ok {
				a := at
				cp.ReadAt = &a
			}
			return cp
		}
	}
	for _, msg := range t.inserted {
		if msg.ID == id {
			return copyMessage(msg)
		}
	}
	return nil
}

func (t *mockTx) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	var result []*Message
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if msg := t.lookup(id); msg != nil {
			result = append(result, msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (t *mockTx) MarkRead(ctx context.Context, ids []string, at time.Time) (int, error) {
	n := 0
	for _, id := range ids {
		msg := t.lookup(id)
		if msg == nil || msg.ReadAt != nil {
			continue
		}
		for _, ins := range t.inserted {
			if ins.ID == id {
				a := at
				ins.ReadAt = &a
			}
		}
		t.readAt[id] = at
		n++
	}
	return n, nil
}

func (t *mockTx) SaveConversation(ctx context.Context, conv *Conversation) error {
	// The committed row cannot move while the write lock is held, but a
	// callback that saves a conversation it did not read is still a conflict.
	if conv.ID != t.conv.ID {
		return ErrConflict
	}
	id := t.conv.ID
	t.conv = copyConversation(conv)
	t.conv.ID = id
	t.saved = true
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
