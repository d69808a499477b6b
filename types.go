package tidewave

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the Tidewave API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Data Model
// ============================================================================

// MessageState is the local lifecycle state of a message.
//
// A message enters the store as StatePending (optimistic send) and moves to
// StateConfirmed when the server's canonical record replaces it, either via
// the command response or via the echoed message.created event, whichever
// arrives first.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StateConfirmed MessageState = "confirmed"
	StateEdited    MessageState = "edited"
	StateFailed    MessageState = "failed"
)

// Message is a single chat message.
//
// ID is server-assigned and globally unique. ClientTempID is assigned locally
// before server confirmation and is how an optimistic entry is matched against
// the confirming response or the echoed message.created event.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	AuthorID       string       `json:"authorId"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	Timestamp      time.Time    `json:"timestamp"`
	ClientTempID   string       `json:"clientTempId,omitempty"`
	State          MessageState `json:"state,omitempty"`
}

// before reports whether m sorts before other under the (timestamp, id)
// ordering key. The id tiebreak keeps the order total and deterministic
// under timestamp ties.
func (m *Message) before(other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// Conversation is a chat thread with an ordered participant set.
//
// LastMessage is denormalized: it always equals the message in the
// conversation's history with the maximum (timestamp, id) key, and is never
// nil once any message exists.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Notification is a single user notification.
//
// ReadAt is non-nil iff IsRead is true.
type Notification struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ============================================================================
// REST Response Envelopes
// ============================================================================

type chatsResponse struct {
	Chats []Conversation `json:"chats"`
	Error *APIError      `json:"error,omitempty"`
}

type chatResponse struct {
	Chat  *Conversation `json:"chat"`
	Error *APIError     `json:"error,omitempty"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
	Error    *APIError `json:"error,omitempty"`
}

type messageResponse struct {
	Message *Message  `json:"message"`
	Error   *APIError `json:"error,omitempty"`
}

type notificationsResponse struct {
	Notifications []Notification `json:"notifications"`
	Error         *APIError      `json:"error,omitempty"`
}

type unreadCountResponse struct {
	Count int       `json:"count"`
	Error *APIError `json:"error,omitempty"`
}

type errorResponse struct {
	Error *APIError `json:"error,omitempty"`
}

// ============================================================================
// Request Options
// ============================================================================

// SendMessageOptions configures an outgoing message.
type SendMessageOptions struct {
	Content      string `json:"content"`
	Type         string `json:"type,omitempty"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// PageOptions paginates history fetches.
type PageOptions struct {
	Limit  int
	Before string
}
