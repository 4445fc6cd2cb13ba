// ABOUTME: ConversationService owns every write to conversation state
// ABOUTME: Writes are serialized per conversation and broadcast to the room in commit order

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/dedupe"
	"github.com/2389/storechat/internal/events"
	"github.com/2389/storechat/internal/store"
)

// MaxContentLength is the longest message accepted, in characters.
const MaxContentLength = 4000

// BotOptions configures the automated greeting.
type BotOptions struct {
	Enabled  bool
	Name     string // sender id recorded on bot messages
	Greeting string
}

// Options configures a Service. Every field is optional.
type Options struct {
	Broadcaster    *EventBroadcaster
	Publisher      events.Publisher
	Dedupe         *dedupe.Cache
	Bot            BotOptions
	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Service is the conversation layer. It is the only writer of conversation
// state; the hub and the HTTP API both delegate here.
type Service struct {
	store       store.Store
	broadcaster *EventBroadcaster
	notifier    *notifier
	dedupe      *dedupe.Cache
	bot         BotOptions
	locks       *keyedMutex
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a new ConversationService
func New(s store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation")

	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(0, opts.Logger)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewFallback(opts.Logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:       s,
		broadcaster: broadcaster,
		notifier:    newNotifier(publisher, opts.PublishTimeout, logger),
		dedupe:      opts.Dedupe,
		bot:         opts.Bot,
		locks:       newKeyedMutex(),
		now:         now,
		logger:      logger,
	}
}

// Broadcaster returns the room broadcaster events are published on.
func (s *Service) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Close flushes pending integration events. It does not close the store.
func (s *Service) Close() {
	s.notifier.close()
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// normalizeContent trims content and enforces the length limit.
func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("%w: message longer than %d characters", ErrValidation, MaxContentLength)
	}
	return content, nil
}

// bumpUnread increments the counter of the side a message is addressed to.
func bumpUnread(conv *store.Conversation, sender store.SenderType) {
	switch sender {
	case store.SenderCustomer:
		conv.UnreadMerchantMessages++
	case store.SenderMerchant, store.SenderBot:
		conv.UnreadCustomerMessages++
	}
}

// StartOrGetActiveConversation returns the principal's active conversation in
// the store, creating it if there is none. created reports whether this call
// created it. A non-blank initialMessage is recorded as the customer's first
// message, or appended to the existing conversation.
func (s *Service) StartOrGetActiveConversation(ctx context.Context, storeID string, p *auth.Principal, initialMessage string) (*store.Conversation, bool, error) {
	if p == nil {
		return nil, false, fmt.Errorf("%w: principal is required", ErrValidation)
	}
	if storeID == "" || storeID != p.StoreID {
		s.logger.Warn("start conversation for another store",
			"principal", p.String(),
			"store_id", storeID)
		return nil, false, ErrForbidden
	}
	owner, err := OwnerOf(p)
	if err != nil {
		return nil, false, err
	}

	initial := ""
	if strings.TrimSpace(initialMessage) != "" {
		if initial, err = normalizeContent(initialMessage); err != nil {
			return nil, false, err
		}
	}

	existing, err := s.store.FindActiveConversation(ctx, storeID, owner)
	if err == nil {
		conv, err := s.appendInitial(ctx, existing, p, initial)
		return conv, false, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, mapStoreError("find active conversation", err)
	}

	conv, msgs := s.newConversation(storeID, owner, p, initial)
	if err := s.store.CreateConversation(ctx, conv, msgs); err != nil {
		// Another request may have created the conversation between our
		// lookup and insert. Converge on the winner.
		if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrConflict) {
			s.logger.Debug("conversation creation lost race, retrying lookup",
				"store_id", storeID,
				"principal", p.String())
			winner, lookupErr := s.store.FindActiveConversation(ctx, storeID, owner)
			if lookupErr == nil {
				conv, err := s.appendInitial(ctx, winner, p, initial)
				return conv, false, err
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, mapStoreError("create conversation", err)
	}

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"store_id", storeID,
		"principal", p.String(),
		"messages", len(msgs))

	s.notifier.notify(events.NewEnvelope(events.TypeConversationStarted, conversationData(conv)))
	for _, msg := range msgs {
		s.notifier.notify(events.NewEnvelope(events.TypeMessageSent, messageData(conv.StoreID, msg)))
	}
	return conv, true, nil
}

// newConversation builds an Active conversation and its initial messages.
func (s *Service) newConversation(storeID string, owner store.Owner, p *auth.Principal, initial string) (*store.Conversation, []*store.Message) {
	now := s.clock()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		StoreID:        storeID,
		CustomerID:     owner.CustomerID,
		GuestSessionID: owner.GuestSessionID,
		Status:         store.StatusActive,
		StartedAt:      now,
	}

	var msgs []*store.Message
	add := func(sender store.SenderType, senderID, content string) {
		conv.Version++
		msgs = append(msgs, &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderType:     sender,
			SenderID:       senderID,
			Content:        content,
			SentAt:         now,
			Seq:            conv.Version,
		})
		bumpUnread(conv, sender)
		sentAt := now
		conv.LastMessageAt = &sentAt
	}

	if initial != "" {
		add(store.SenderCustomer, p.ID, initial)
	}
	if s.bot.Enabled && strings.TrimSpace(s.bot.Greeting) != "" {
		add(store.SenderBot, s.bot.Name, strings.TrimSpace(s.bot.Greeting))
	}
	return conv, msgs
}

// appendInitial sends the initial message into an existing conversation and
// returns the refreshed conversation.
func (s *Service) appendInitial(ctx context.Context, conv *store.Conversation, p *auth.Principal, initial string) (*store.Conversation, error) {
	if initial == "" {
		return conv, nil
	}
	if _, err := s.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID,
		SenderType:     store.SenderCustomer,
		SenderID:       p.ID,
		Content:        initial,
	}); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, conv.ID)
}

// SendRequest contains everything needed to append a message
type SendRequest struct {
	ConversationID  string
	SenderType      store.SenderType
	SenderID        string
	Content         string
	ClientMessageID string // optional; a repeat returns the stored message
}

// SendMessage appends a message to an Active conversation. The status check,
// insert, counter update and version bump commit together, so a send racing a
// close either lands before the close or fails with ErrConversationNotActive.
// The status is checked before anything else: a closed conversation rejects
// every send, including blank content and replays of a stored ClientMessageID.
// On an Active conversation a replay returns the stored message.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if !req.SenderType.Valid() {
		return nil, fmt.Errorf("%w: unknown sender type %q", ErrValidation, req.SenderType)
	}

	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	var msg, replay *store.Message
	var storeID string
	err := s.store.Update(ctx, req.ConversationID, func(tx store.Tx) error {
		conv := tx.Conversation()
		storeID = conv.StoreID
		if conv.Status != store.StatusActive {
			return ErrConversationNotActive
		}
		content, err := normalizeContent(req.Content)
		if err != nil {
			return err
		}

		if req.ClientMessageID != "" {
			existing, err := s.cachedClientMessage(ctx, tx, req.ConversationID, req.ClientMessageID)
			if err != nil {
				return err
			}
			if existing != nil {
				replay = existing
				return nil
			}
		}

		sentAt := s.clock()
		if conv.LastMessageAt != nil && sentAt.Before(*conv.LastMessageAt) {
			sentAt = *conv.LastMessageAt
		}

		conv.Version++
		msg = &store.Message{
			ID:              uuid.New().String(),
			ConversationID:  conv.ID,
			SenderType:      req.SenderType,
			SenderID:        req.SenderID,
			Content:         content,
			SentAt:          sentAt,
			Seq:             conv.Version,
			ClientMessageID: req.ClientMessageID,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}

		conv.LastMessageAt = &sentAt
		bumpUnread(conv, req.SenderType)
		return tx.SaveConversation(ctx, conv)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) && req.ClientMessageID != "" {
			// The cache missed but the store already holds this draft. The
			// status was checked in the same transaction.
			existing, lookupErr := s.store.GetMessageByClientID(ctx, req.ConversationID, req.ClientMessageID)
			if lookupErr == nil {
				s.rememberClientMessage(existing)
				return existing, nil
			}
			return nil, mapStoreError("find duplicate message", lookupErr)
		}
		if errors.Is(err, ErrConversationNotActive) || errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, mapStoreError("send message", err)
	}
	if replay != nil {
		s.logger.Debug("duplicate client message", "conversation_id", replay.ConversationID, "message_id", replay.ID)
		return replay, nil
	}

	s.rememberClientMessage(msg)
	s.broadcaster.Publish(msg.ConversationID, &Event{
		Type:           EventMessage,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		At:             msg.SentAt,
		Message:        msg,
	}, "")

	s.logger.Debug("message sent",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_type", msg.SenderType,
		"seq", msg.Seq)

	s.notifier.notify(events.NewEnvelope(events.TypeMessageSent, messageData(storeID, msg)))
	return msg, nil
}

// cachedClientMessage resolves a remembered draft id to its stored message
// by the cached message id. A miss, or a cached id that no longer resolves,
// returns nil and the insert's unique index decides.
func (s *Service) cachedClientMessage(ctx context.Context, tx store.Tx, conversationID, clientMessageID string) (*store.Message, error) {
	if s.dedupe == nil {
		return nil, nil
	}
	messageID, ok := s.dedupe.Get(dedupe.Key(conversationID, clientMessageID))
	if !ok {
		return nil, nil
	}
	msgs, err := tx.GetMessages(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

func (s *Service) rememberClientMessage(msg *store.Message) {
	if s.dedupe == nil || msg.ClientMessageID == "" {
		return
	}
	s.dedupe.Put(dedupe.Key(msg.ConversationID, msg.ClientMessageID), msg.ID)
}

// ReadResult describes the outcome of a mark-read request.
type ReadResult struct {
	ConversationID string
	ReaderRole     Role
	MessageIDs     []string // ids that transitioned to read by this call
	ReadAt         time.Time
	Seq            int64

	UnreadMerchantMessages int
	UnreadCustomerMessages int
}

// MarkMessagesAsRead sets read_at on the given messages that are still unread
// and decrements the reader's unread counter by the number that changed.
// Already-read ids are a no-op. Marking messages sent by the reader's own side
// is forbidden; unknown ids are not found.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID string, messageIDs []string, reader Role) (*ReadResult, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if !reader.Valid() {
		return nil, fmt.Errorf("%w: unknown reader role %q", ErrValidation, reader)
	}
	ids := uniqueIDs(messageIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: message_ids is required", ErrValidation)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var result *ReadResult
	var storeID string
	err := s.store.Update(ctx, conversationID, func(tx store.Tx) error {
		conv := tx.Conversation()
		storeID = conv.StoreID

		msgs, err := tx.GetMessages(ctx, ids)
		if err != nil {
			return err
		}
		if len(msgs) != len(ids) {
			return fmt.Errorf("%w: %d of %d messages do not exist in conversation", ErrNotFound, len(ids)-len(msgs), len(ids))
		}

		var unread []string
		for _, msg := range msgs {
			if sideOf(msg.SenderType) == reader {
				s.logger.Warn("reader tried to mark own message read",
					"conversation_id", conversationID,
					"message_id", msg.ID,
					"reader_role", reader)
				return ErrForbidden
			}
			if msg.ReadAt == nil {
				unread = append(unread, msg.ID)
			}
		}

		now := s.clock()
		result = &ReadResult{
			ConversationID: conversationID,
			ReaderRole:     reader,
			ReadAt:         now,
			Seq:            conv.Version,
		}

		if len(unread) > 0 {
			n, err := tx.MarkRead(ctx, unread, now)
			if err != nil {
				return err
			}
			switch reader {
			case RoleMerchant:
				conv.UnreadMerchantMessages = max(conv.UnreadMerchantMessages-n, 0)
			case RoleCustomer:
				conv.UnreadCustomerMessages = max(conv.UnreadCustomerMessages-n, 0)
			}
			conv.Version++
			if err := tx.SaveConversation(ctx, conv); err != nil {
				return err
			}
			result.MessageIDs = unread
			result.Seq = conv.Version
		}

		result.UnreadMerchantMessages = conv.UnreadMerchantMessages
		result.UnreadCustomerMessages = conv.UnreadCustomerMessages
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, mapStoreError("mark messages read", err)
	}

	if len(result.MessageIDs) == 0 {
		return result, nil
	}

	s.broadcaster.Publish(conversationID, &Event{
		Type:           EventMessagesRead,
		ConversationID: conversationID,
		Seq:            result.Seq,
		At:             result.ReadAt,
		Read:           result,
	}, "")

	s.notifier.notify(events.NewEnvelope(events.TypeMessagesRead, events.ReadData{
		ConversationID: conversationID,
		StoreID:        storeID,
		ReaderRole:     string(reader),
		MessageIDs:     result.MessageIDs,
		ReadAt:         result.ReadAt,
		Seq:            result.Seq,
	}))
	return result, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CloseConversation moves an Active conversation to Closed.
func (s *Service) CloseConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.transition(ctx, conversationID, store.StatusActive, store.StatusClosed, EventConversationClosed)
	if err != nil {
		return nil, err
	}
	s.notifier.notify(events.NewEnvelope(events.TypeConversationClosed, conversationData(conv)))
	return conv, nil
}

// ArchiveConversation moves a Closed conversation to Archived.
func (s *Service) ArchiveConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.transition(ctx, conversationID, store.StatusClosed, store.StatusArchived, EventConversationArchived)
	if err != nil {
		return nil, err
	}
	s.notifier.notify(events.NewEnvelope(events.TypeConversationArchived, conversationData(conv)))
	return conv, nil
}

// transition applies one lifecycle step and broadcasts it before releasing
// the conversation lock.
func (s *Service) transition(ctx context.Context, conversationID string, from, to store.ConversationStatus, eventType EventType) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	now := s.clock()
	var updated *store.Conversation
	err := s.store.Update(ctx, conversationID, func(tx store.Tx) error {
		conv := tx.Conversation()
		if conv.Status != from {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, conv.Status, to)
		}
		conv.Status = to
		if to == store.StatusClosed {
			conv.ClosedAt = &now
		}
		conv.Version++
		if err := tx.SaveConversation(ctx, conv); err != nil {
			return err
		}
		updated = conv
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, mapStoreError("update status", err)
	}

	s.broadcaster.Publish(updated.ID, &Event{
		Type:           eventType,
		ConversationID: updated.ID,
		Seq:            updated.Version,
		At:             now,
		Conversation:   updated,
	}, "")

	s.logger.Info("conversation status changed",
		"conversation_id", conversationID,
		"from", from,
		"to", to)
	return updated, nil
}

// PublishTyping broadcasts an ephemeral typing indicator to the room, skipping
// the sender's own subscription. It never blocks and never persists.
func (s *Service) PublishTyping(conversationID string, role Role, senderID string, isTyping bool, excludeSubID string) {
	s.broadcaster.Publish(conversationID, &Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		At:             s.clock(),
		Typing: &Typing{
			Role:     role,
			SenderID: senderID,
			IsTyping: isTyping,
		},
	}, excludeSubID)
}

// GetConversation retrieves a conversation by ID.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, mapStoreError("get conversation", err)
	}
	return conv, nil
}

// GetActiveConversation returns the principal's active conversation.
func (s *Service) GetActiveConversation(ctx context.Context, p *auth.Principal) (*store.Conversation, error) {
	owner, err := OwnerOf(p)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.FindActiveConversation(ctx, p.StoreID, owner)
	if err != nil {
		return nil, mapStoreError("get active conversation", err)
	}
	return conv, nil
}

// GetMessages returns up to limit most recent messages, oldest first.
// A limit of 0 or less returns the whole history.
func (s *Service) GetMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, mapStoreError("list messages", err)
	}
	return msgs, nil
}

// ListConversations returns a store's inbox, most recently active first.
func (s *Service) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	if filter.StoreID == "" {
		return nil, fmt.Errorf("%w: store_id is required", ErrValidation)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	convs, err := s.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, mapStoreError("list conversations", err)
	}
	return convs, nil
}

// Authorize checks that p may see and act on conv. Customers and guests must
// own it; merchants must belong to its store. Denials are logged at Warn.
func (s *Service) Authorize(ctx context.Context, p *auth.Principal, conv *store.Conversation) error {
	if canAccess(p, conv) {
		return nil
	}
	principal := "<none>"
	if p != nil {
		principal = p.String()
	}
	s.logger.Warn("denied conversation access",
		"principal", principal,
		"conversation_id", conv.ID,
		"conversation_store", conv.StoreID)
	return ErrForbidden
}

// GetAuthorized loads a conversation and checks that p may access it.
func (s *Service) GetAuthorized(ctx context.Context, p *auth.Principal, id string) (*store.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Authorize(ctx, p, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func conversationData(conv *store.Conversation) events.ConversationData {
	return events.ConversationData{
		ConversationID: conv.ID,
		StoreID:        conv.StoreID,
		CustomerID:     conv.CustomerID,
		GuestSessionID: conv.GuestSessionID,
		Status:         string(conv.Status),
		Seq:            conv.Version,
	}
}

func messageData(storeID string, msg *store.Message) events.MessageData {
	return events.MessageData{
		ConversationID: msg.ConversationID,
		StoreID:        storeID,
		MessageID:      msg.ID,
		SenderType:     string(msg.SenderType),
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		SentAt:         msg.SentAt,
		Seq:            msg.Seq,
	}
}
