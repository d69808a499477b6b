package tidewave

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// SessionOptions configures a Session.
type SessionOptions struct {
	// UserID is the authenticated user. It stamps optimistic messages and
	// filters the user's own typing echo out of presence reads.
	UserID string

	// TypingTTL overrides DefaultTypingTTL.
	TypingTTL time.Duration
}

// metaChannel is the optional connection-lifecycle surface of a Channel.
// WSChannel and LoopbackChannel both provide it.
type metaChannel interface {
	OnConnected(func())
	OnDisconnected(func(code int, reason string))
}

// Session is the real-time synchronization core. It hydrates the stores from
// the REST API (pull), binds the reconciler to the push channel, and exposes
// the command dispatcher for user mutations.
//
// On a channel disconnect the typing set is cleared and the stores are
// flagged possibly-stale; the next successful reconnect triggers a
// re-hydration that clears the flag.
type Session struct {
	Conversations *ConversationStore
	Notifications *NotificationStore
	Typing        *TypingTracker

	client     *Client
	channel    Channel
	reconciler *Reconciler
	commander  *Commander
	userID     string

	mu       sync.Mutex
	degraded bool
}

// NewSession wires a session over the given REST client and push channel.
func NewSession(client *Client, channel Channel, opts *SessionOptions) *Session {
	var userID string
	var typingTTL time.Duration
	if opts != nil {
		userID = opts.UserID
		typingTTL = opts.TypingTTL
	}

	s := &Session{
		Conversations: NewConversationStore(),
		Notifications: NewNotificationStore(),
		Typing:        NewTypingTracker(userID, typingTTL),
		client:        client,
		channel:       channel,
		userID:        userID,
	}
	s.reconciler = NewReconciler(s.Conversations, s.Notifications, s.Typing)
	s.commander = NewCommander(client, s.Conversations, s.Notifications, userID)

	s.reconciler.Bind(channel)

	if mc, ok := channel.(metaChannel); ok {
		mc.OnDisconnected(func(code int, reason string) {
			s.mu.Lock()
			s.degraded = true
			s.mu.Unlock()
			s.reconciler.ChannelDegraded()
		})
		mc.OnConnected(func() {
			s.mu.Lock()
			wasDegraded := s.degraded
			s.mu.Unlock()
			if !wasDegraded {
				return
			}
			go func() {
				if err := s.Hydrate(context.Background()); err == nil {
					s.mu.Lock()
					s.degraded = false
					s.mu.Unlock()
				}
			}()
		})
	}

	return s
}

// Commands returns the command dispatcher.
func (s *Session) Commands() *Commander {
	return s.commander
}

// Reconciler returns the reconciliation engine, for callers that feed events
// from their own transport (for example the webhook receiver).
func (s *Session) Reconciler() *Reconciler {
	return s.reconciler
}

// Hydrate cold-starts the stores from the REST API: all conversations, each
// conversation's history, all notifications, and the unread counter. Live
// events that interleave with the fetches merge safely because every store
// mutation is keyed by stable ids.
func (s *Session) Hydrate(ctx context.Context) error {
	chats, err := s.client.Chats().List(ctx)
	if err != nil {
		return err
	}
	s.Conversations.putConversations(chats)

	for _, chat := range chats {
		msgs, err := s.client.Chats().Messages(ctx, chat.ID, nil)
		if err != nil {
			return err
		}
		for i := range msgs {
			if msgs[i].State == "" {
				msgs[i].State = StateConfirmed
			}
		}
		s.Conversations.putMessages(chat.ID, msgs)
	}

	notifications, err := s.client.Notifications().List(ctx)
	if err != nil {
		return err
	}
	count, err := s.client.Notifications().UnreadCount(ctx)
	if err != nil {
		return err
	}
	// The list is the source of truth for the counter invariant; the count
	// endpoint can lag it by a write. readAt is normalized in both
	// directions: non-nil iff isRead.
	unreadInList := 0
	for i := range notifications {
		if notifications[i].IsRead {
			if notifications[i].ReadAt == nil {
				at := time.Now()
				notifications[i].ReadAt = &at
			}
		} else {
			notifications[i].ReadAt = nil
			unreadInList++
		}
	}
	if count != unreadInList {
		count = unreadInList
	}
	s.Notifications.putAll(notifications, count)

	s.reconciler.ChannelRecovered()
	return nil
}

// LeaveConversation cancels interest in a conversation: its live events are
// ignored until JoinConversation, but already-merged history is kept.
func (s *Session) LeaveConversation(conversationID string) {
	s.reconciler.Detach(conversationID)
}

// JoinConversation resumes interest in a conversation and re-fetches its
// history to cover events missed while detached.
func (s *Session) JoinConversation(ctx context.Context, conversationID string) error {
	s.reconciler.Attach(conversationID)
	msgs, err := s.client.Chats().Messages(ctx, conversationID, nil)
	if err != nil {
		return err
	}
	for i := range msgs {
		if msgs[i].State == "" {
			msgs[i].State = StateConfirmed
		}
	}
	s.Conversations.putMessages(conversationID, msgs)
	return nil
}

// StartTyping emits a typing-start signal for the local user.
func (s *Session) StartTyping(ctx context.Context, conversationID string) error {
	return s.channel.Emit(ctx, EventPresenceTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         s.userID,
		IsTyping:       true,
	})
}

// StopTyping emits a typing-stop signal for the local user.
func (s *Session) StopTyping(ctx context.Context, conversationID string) error {
	return s.channel.Emit(ctx, EventPresenceTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         s.userID,
		IsTyping:       false,
	})
}

// Close disconnects the underlying channel when it supports disconnection.
func (s *Session) Close() error {
	if d, ok := s.channel.(interface{ Disconnect() error }); ok {
		return d.Disconnect()
	}
	return nil
}
