// ABOUTME: Websocket frame types exchanged on GET /ws
// ABOUTME: Every frame is one JSON text message with a "type" discriminator

package wire

// Client frame types.
const (
	FrameJoin     = "join"
	FrameLeave    = "leave"
	FrameSend     = "send_message"
	FrameMarkRead = "mark_read"
	FrameTyping   = "typing"
)

// Server frame types. Room event types match conversation.EventType values.
const (
	FrameAck                  = "ack"
	FrameError                = "error"
	FrameReceiveMessage       = "receive_message"
	FrameMessagesRead         = "messages_read"
	FrameUserTyping           = "user_typing"
	FrameConversationClosed   = "conversation_closed"
	FrameConversationArchived = "conversation_archived"
)

// Error codes carried in error frames and HTTP error bodies.
const (
	CodeBadRequest         = "bad_request"
	CodeValidation         = "validation"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeNotActive          = "conversation_not_active"
	CodeInvalidTransition  = "invalid_transition"
	CodeConflict           = "conflict"
	CodeNotJoined          = "not_joined"
	CodeUnknownFrame       = "unknown_frame"
	CodeInternal           = "internal"
	CodeServiceUnavailable = "unavailable"
)

// ClientFrame is sent by clients. RequestID, when set, is echoed on the ack or
// error that answers the frame.
type ClientFrame struct {
	Type            string   `json:"type"`
	RequestID       string   `json:"request_id,omitempty"`
	ConversationID  string   `json:"conversation_id,omitempty"`
	Content         string   `json:"content,omitempty"`
	SenderType      string   `json:"sender_type,omitempty"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
	MessageIDs      []string `json:"message_ids,omitempty"`
	IsTyping        bool     `json:"is_typing,omitempty"`
}

// ServerFrame is sent by the hub. Which payload field is set depends on Type.
type ServerFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`

	Message      *Message      `json:"message,omitempty"`
	Read         *ReadResult   `json:"read,omitempty"`
	Typing       *Typing       `json:"typing,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Error        *ErrorBody    `json:"error,omitempty"`
}

// ErrorBody describes a failed client frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Durable reports whether the frame is a room event that advances the
// conversation sequence.
func (f *ServerFrame) Durable() bool {
	switch f.Type {
	case FrameReceiveMessage, FrameMessagesRead, FrameConversationClosed, FrameConversationArchived:
		return true
	}
	return false
}
