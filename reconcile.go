package tidewave

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler merges push-delivered events into the canonical stores,
// idempotently and order-safely.
//
// Apply is invoked once per arriving event, in delivery order, from a single
// goroutine (the channel read loop, or the webhook handler). Every handler is
// idempotent under at-least-once delivery: applying the same event twice
// leaves the stores in the same state as applying it once.
type Reconciler struct {
	conversations *ConversationStore
	notifications *NotificationStore
	typing        *TypingTracker
	now           func() time.Time

	mu       sync.Mutex
	detached map[string]struct{}
}

// NewReconciler creates a reconciler over the given stores and tracker.
func NewReconciler(conversations *ConversationStore, notifications *NotificationStore, typing *TypingTracker) *Reconciler {
	return &Reconciler{
		conversations: conversations,
		notifications: notifications,
		typing:        typing,
		now:           time.Now,
		detached:      make(map[string]struct{}),
	}
}

// Detach cancels interest in a conversation: its message and typing events
// are ignored until Attach, but already-merged history is kept.
func (r *Reconciler) Detach(conversationID string) {
	r.mu.Lock()
	r.detached[conversationID] = struct{}{}
	r.mu.Unlock()
	r.typing.ClearConversation(conversationID)
}

// Attach resumes interest in a conversation.
func (r *Reconciler) Attach(conversationID string) {
	r.mu.Lock()
	delete(r.detached, conversationID)
	r.mu.Unlock()
}

func (r *Reconciler) isDetached(conversationID string) bool {
	r.mu.Lock()
	_, ok := r.detached[conversationID]
	r.mu.Unlock()
	return ok
}

// Bind subscribes the reconciler to every event the channel delivers.
func (r *Reconciler) Bind(ch Channel) {
	handler := func(eventType string, payload json.RawMessage) {
		// Malformed or unknown events are dropped; catch-up happens via
		// history re-fetch, not event replay.
		_ = r.Apply(eventType, payload)
	}
	ch.Subscribe(EventMessageCreated, handler)
	ch.Subscribe(EventMessageUpdated, handler)
	ch.Subscribe(EventMessageDeleted, handler)
	ch.Subscribe(EventNotificationCreated, handler)
	ch.Subscribe(EventNotificationRead, handler)
	ch.Subscribe(EventPresenceTyping, handler)
}

// Apply routes a raw event to its typed handler.
func (r *Reconciler) Apply(eventType string, payload json.RawMessage) error {
	switch eventType {
	case EventMessageCreated:
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		r.ApplyMessageCreated(msg)
	case EventMessageUpdated:
		var p MessageUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		r.ApplyMessageUpdated(p)
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		r.ApplyMessageDeleted(p)
	case EventNotificationCreated:
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		r.ApplyNotificationCreated(n)
	case EventNotificationRead:
		var p NotificationReadPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		r.ApplyNotificationRead(p)
	case EventPresenceTyping:
		var p TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		r.ApplyTyping(p)
	default:
		return fmt.Errorf("unknown event type %q", eventType)
	}
	return nil
}

// ApplyMessageCreated merges a created message. Duplicate server ids no-op;
// a matching optimistic entry is replaced in place; otherwise the message is
// inserted at its (timestamp, id) position and lastMessage is advanced when
// the new key is the conversation's maximum.
func (r *Reconciler) ApplyMessageCreated(msg Message) {
	if r.isDetached(msg.ConversationID) {
		return
	}
	if msg.State == "" {
		msg.State = StateConfirmed
	}
	r.conversations.insertMessage(msg)
}

// ApplyMessageUpdated replaces content by id when the message is known. An
// update for a message never seen is dropped permanently; the dedicated
// history fetch covers catch-up.
func (r *Reconciler) ApplyMessageUpdated(p MessageUpdatedPayload) {
	if prior, ok := r.conversations.FindMessage(p.ID); ok && r.isDetached(prior.ConversationID) {
		return
	}
	r.conversations.updateMessage(Message{ID: p.ID, Content: p.Content, Timestamp: p.Timestamp})
}

// ApplyMessageDeleted removes by id when present; lastMessage is recomputed
// over the remaining list.
func (r *Reconciler) ApplyMessageDeleted(p MessageDeletedPayload) {
	if r.isDetached(p.ConversationID) {
		return
	}
	r.conversations.removeMessage(p.ID)
}

// ApplyNotificationCreated prepends a notification, de-duplicated by id. The
// unread counter moves only on first sight of the id.
func (r *Reconciler) ApplyNotificationCreated(n Notification) {
	if n.IsRead && n.ReadAt == nil {
		at := r.now()
		n.ReadAt = &at
	}
	if !n.IsRead {
		n.ReadAt = nil
	}
	r.notifications.prepend(n)
}

// ApplyNotificationRead marks a notification read. Redelivery never
// double-decrements the counter.
func (r *Reconciler) ApplyNotificationRead(p NotificationReadPayload) {
	r.notifications.markRead(p.NotificationID, r.now())
}

// ApplyTyping feeds the presence tracker.
func (r *Reconciler) ApplyTyping(p TypingPayload) {
	if r.isDetached(p.ConversationID) {
		return
	}
	if p.IsTyping {
		r.typing.SetTyping(p.ConversationID, p.UserID)
	} else {
		r.typing.ClearTyping(p.ConversationID, p.UserID)
	}
}

// ChannelDegraded handles a push channel disconnect: presence is cleared
// outright, since stale typing state cannot be trusted, while the stores are
// kept and flagged possibly-stale pending re-hydration.
func (r *Reconciler) ChannelDegraded() {
	r.typing.ClearAll()
	r.conversations.setStale(true)
	r.notifications.setStale(true)
}

// ChannelRecovered clears the stale flags once re-hydration has completed.
func (r *Reconciler) ChannelRecovered() {
	r.conversations.setStale(false)
	r.notifications.setStale(false)
}
