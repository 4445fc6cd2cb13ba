// ABOUTME: Client-side copy of one conversation and its messages
// ABOUTME: Applies room events in seq order, discarding stale ones and flagging gaps

package delivery

import (
	"slices"
	"sync"
	"time"

	"github.com/2389/storechat/internal/wire"
)

// ApplyResult says what Cache.Apply did with an event.
type ApplyResult int

const (
	// Applied means the event advanced the cache.
	Applied ApplyResult = iota
	// Stale means the event was already reflected and was discarded.
	Stale
	// Gap means events were missed. The cache is unchanged and needs a resync.
	Gap
	// Ignored means the event does not advance the conversation (typing,
	// other rooms, or an empty cache).
	Ignored
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Cache holds the conversation being viewed. Messages are append-only,
// unique by id and kept in seq order.
type Cache struct {
	mu       sync.RWMutex
	conv     *wire.Conversation
	messages []wire.Message
	index    map[string]int
	applied  int64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{index: make(map[string]int)}
}

// Load replaces the cache contents with a full snapshot.
func (c *Cache) Load(detail *wire.ConversationDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := detail.Conversation
	c.conv = &conv
	c.messages = c.messages[:0]
	c.index = make(map[string]int, len(detail.Messages))
	for _, m := range detail.Messages {
		c.insertLocked(m)
	}
	c.applied = conv.Seq
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conv = nil
	c.messages = nil
	c.index = make(map[string]int)
	c.applied = 0
}

// Applied returns the last conversation seq reflected in the cache.
func (c *Cache) Applied() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied
}

// Conversation returns a copy of the cached conversation, or nil.
func (c *Cache) Conversation() *wire.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conv == nil {
		return nil
	}
	conv := *c.conv
	return &conv
}

// Messages returns a copy of the cached messages in seq order.
func (c *Cache) Messages() []wire.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Insert adds a message learned outside the event stream, such as a send
// response. It reports false when the id is already cached. The applied seq
// is left alone so the matching room event still lands.
func (c *Cache) Insert(m wire.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil || m.ConversationID != c.conv.ID {
		return false
	}
	return c.insertLocked(m)
}

// MarkRead stamps readAt on the given messages that are still unread.
func (c *Cache) MarkRead(ids []string, readAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markReadLocked(ids, readAt)
}

// Apply folds a room event into the cache.
func (c *Cache) Apply(frame wire.ServerFrame) ApplyResult {
	if !frame.Durable() {
		return Ignored
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conv == nil || frame.ConversationID != c.conv.ID {
		return Ignored
	}
	if frame.Seq <= c.applied {
		return Stale
	}
	if frame.Seq > c.applied+1 {
		return Gap
	}

	switch frame.Type {
	case wire.FrameReceiveMessage:
		if frame.Message == nil {
			return Ignored
		}
		c.insertLocked(*frame.Message)
		sentAt := frame.Message.SentAt
		c.conv.LastMessageAt = &sentAt
		switch frame.Message.SenderType {
		case "customer":
			c.conv.UnreadMerchantMessages++
		default:
			c.conv.UnreadCustomerMessages++
		}
	case wire.FrameMessagesRead:
		if frame.Read == nil {
			return Ignored
		}
		c.markReadLocked(frame.Read.MessageIDs, frame.Read.ReadAt)
		c.conv.UnreadMerchantMessages = frame.Read.UnreadMerchantMessages
		c.conv.UnreadCustomerMessages = frame.Read.UnreadCustomerMessages
	case wire.FrameConversationClosed, wire.FrameConversationArchived:
		if frame.Conversation == nil {
			return Ignored
		}
		conv := *frame.Conversation
		c.conv = &conv
	}

	c.applied = frame.Seq
	c.conv.Seq = frame.Seq
	return Applied
}

func (c *Cache) insertLocked(m wire.Message) bool {
	if _, ok := c.index[m.ID]; ok {
		return false
	}

	pos, _ := slices.BinarySearchFunc(c.messages, m.Seq, func(e wire.Message, seq int64) int {
		switch {
		case e.Seq < seq:
			return -1
		case e.Seq > seq:
			return 1
		default:
			return 0
		}
	})
	c.messages = slices.Insert(c.messages, pos, m)
	for i := pos; i < len(c.messages); i++ {
		c.index[c.messages[i].ID] = i
	}
	return true
}

func (c *Cache) markReadLocked(ids []string, readAt time.Time) {
	for _, id := range ids {
		i, ok := c.index[id]
		if !ok || c.messages[i].ReadAt != nil {
			continue
		}
		at := readAt
		c.messages[i].ReadAt = &at
	}
}
