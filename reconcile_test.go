package tidewave

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestReconciler(selfID string) (*Reconciler, *ConversationStore, *NotificationStore, *TypingTracker) {
	convs := NewConversationStore()
	notifs := NewNotificationStore()
	typing := NewTypingTracker(selfID, 0)
	return NewReconciler(convs, notifs, typing), convs, notifs, typing
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Message events
// ============================================================================

func TestReconcilerMessageCreated(t *testing.T) {
	t.Run("out of order arrival keeps the list sorted", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")
		r.ApplyMessageCreated(msgAt("m1", "conv-1", 10))
		r.ApplyMessageCreated(msgAt("m2", "conv-1", 20))
		r.ApplyMessageCreated(msgAt("m3", "conv-1", 15))

		assertOrder(t, convs.Messages("conv-1"), "m1", "m3", "m2")
		conv, _ := convs.Get("conv-1")
		if conv.LastMessage == nil || conv.LastMessage.ID != "m2" {
			t.Fatalf("expected lastMessage m2, got %+v", conv.LastMessage)
		}
	})

	t.Run("at-least-once delivery is idempotent", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")
		for i := 0; i < 3; i++ {
			r.ApplyMessageCreated(msgAt("m1", "conv-1", 10))
		}
		if got := convs.Messages("conv-1"); len(got) != 1 {
			t.Fatalf("expected single message, got %v", messageIDs(got))
		}
	})

	t.Run("echo of own send replaces the optimistic entry", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")

		optimistic := msgAt("tmp-abc", "conv-1", 10)
		optimistic.AuthorID = "me"
		optimistic.ClientTempID = "tmp-abc"
		optimistic.State = StatePending
		convs.insertMessage(optimistic)

		echo := msgAt("m-real", "conv-1", 10)
		echo.AuthorID = "me"
		echo.ClientTempID = "tmp-abc"
		echo.State = ""
		r.ApplyMessageCreated(echo)

		msgs := convs.Messages("conv-1")
		if len(msgs) != 1 {
			t.Fatalf("echo duplicated the message: %v", messageIDs(msgs))
		}
		if msgs[0].ID != "m-real" || msgs[0].State != StateConfirmed {
			t.Fatalf("expected confirmed m-real, got %+v", msgs[0])
		}
	})
}

func TestReconcilerMessageUpdated(t *testing.T) {
	t.Run("rewrites content for a known message", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")
		r.ApplyMessageCreated(msgAt("m1", "conv-1", 10))

		r.ApplyMessageUpdated(MessageUpdatedPayload{ID: "m1", Content: "new text"})

		m, _ := convs.FindMessage("m1")
		if m.Content != "new text" || m.State != StateEdited {
			t.Fatalf("expected edited message, got %+v", m)
		}
	})

	t.Run("update for an unseen message is dropped", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")
		r.ApplyMessageUpdated(MessageUpdatedPayload{ID: "ghost", Content: "x"})
		if _, ok := convs.FindMessage("ghost"); ok {
			t.Fatal("dropped update must not create a message")
		}
	})
}

func TestReconcilerMessageDeleted(t *testing.T) {
	r, convs, _, _ := newTestReconciler("me")
	r.ApplyMessageCreated(msgAt("m1", "conv-1", 10))
	r.ApplyMessageCreated(msgAt("m2", "conv-1", 20))

	r.ApplyMessageDeleted(MessageDeletedPayload{ID: "m2", ConversationID: "conv-1"})
	assertOrder(t, convs.Messages("conv-1"), "m1")

	conv, _ := convs.Get("conv-1")
	if conv.LastMessage == nil || conv.LastMessage.ID != "m1" {
		t.Fatalf("expected lastMessage m1 after delete, got %+v", conv.LastMessage)
	}

	// Redelivery is harmless.
	r.ApplyMessageDeleted(MessageDeletedPayload{ID: "m2", ConversationID: "conv-1"})
	assertOrder(t, convs.Messages("conv-1"), "m1")
}

// ============================================================================
// Notification events
// ============================================================================

func TestReconcilerNotifications(t *testing.T) {
	t.Run("created increments the counter once per id", func(t *testing.T) {
		r, _, notifs, _ := newTestReconciler("me")
		r.ApplyNotificationCreated(notifAt("n1", false, 1))
		r.ApplyNotificationCreated(notifAt("n1", false, 1))
		if notifs.UnreadCount() != 1 {
			t.Fatalf("expected 1 unread, got %d", notifs.UnreadCount())
		}
	})

	t.Run("created normalizes readAt against isRead", func(t *testing.T) {
		r, _, notifs, _ := newTestReconciler("me")

		read := notifAt("n1", true, 1)
		read.ReadAt = nil
		r.ApplyNotificationCreated(read)

		n, _ := notifs.Get("n1")
		if !n.IsRead || n.ReadAt == nil {
			t.Fatalf("read notification must carry readAt, got %+v", n)
		}

		unread := notifAt("n2", false, 2)
		stray := time.Now()
		unread.ReadAt = &stray
		r.ApplyNotificationCreated(unread)

		n2, _ := notifs.Get("n2")
		if n2.IsRead || n2.ReadAt != nil {
			t.Fatalf("unread notification must not carry readAt, got %+v", n2)
		}
	})

	t.Run("read fan-out never double-decrements", func(t *testing.T) {
		r, _, notifs, _ := newTestReconciler("me")
		r.ApplyNotificationCreated(notifAt("n1", false, 1))
		r.ApplyNotificationCreated(notifAt("n2", false, 2))
		r.ApplyNotificationCreated(notifAt("n3", false, 3))

		r.ApplyNotificationRead(NotificationReadPayload{NotificationID: "n1"})
		r.ApplyNotificationRead(NotificationReadPayload{NotificationID: "n1"})

		if notifs.UnreadCount() != 2 {
			t.Fatalf("expected 2 unread, got %d", notifs.UnreadCount())
		}
	})
}

// ============================================================================
// Typing events
// ============================================================================

func TestReconcilerTyping(t *testing.T) {
	r, _, _, typing := newTestReconciler("me")

	r.ApplyTyping(TypingPayload{ConversationID: "conv-1", UserID: "user-2", IsTyping: true})
	if !typing.IsTyping("conv-1") {
		t.Fatal("expected user-2 typing")
	}

	r.ApplyTyping(TypingPayload{ConversationID: "conv-1", UserID: "user-2", IsTyping: false})
	if typing.IsTyping("conv-1") {
		t.Fatal("expected typing cleared")
	}
}

// ============================================================================
// Apply routing
// ============================================================================

func TestReconcilerApply(t *testing.T) {
	t.Run("routes raw envelopes to typed handlers", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")
		payload := mustMarshal(t, msgAt("m1", "conv-1", 10))
		if err := r.Apply(EventMessageCreated, payload); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if _, ok := convs.FindMessage("m1"); !ok {
			t.Fatal("expected m1 in store")
		}
	})

	t.Run("unknown event type errors", func(t *testing.T) {
		r, _, _, _ := newTestReconciler("me")
		if err := r.Apply("something.else", json.RawMessage(`{}`)); err == nil {
			t.Fatal("expected error for unknown event")
		}
	})

	t.Run("malformed payload errors without mutating", func(t *testing.T) {
		r, convs, _, _ := newTestReconciler("me")
		if err := r.Apply(EventMessageCreated, json.RawMessage(`{not json`)); err == nil {
			t.Fatal("expected decode error")
		}
		if len(convs.Messages("conv-1")) != 0 {
			t.Fatal("decode failure must not mutate the store")
		}
	})
}

// ============================================================================
// Channel binding
// ============================================================================

func TestReconcilerBind(t *testing.T) {
	r, convs, notifs, typing := newTestReconciler("me")
	ch := NewLoopbackChannel()
	r.Bind(ch)

	ctx := context.Background()
	if err := ch.Emit(ctx, EventMessageCreated, msgAt("m1", "conv-1", 10)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := ch.Emit(ctx, EventNotificationCreated, notifAt("n1", false, 1)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := ch.Emit(ctx, EventPresenceTyping, TypingPayload{ConversationID: "conv-1", UserID: "user-2", IsTyping: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if _, ok := convs.FindMessage("m1"); !ok {
		t.Fatal("expected message applied via channel")
	}
	if notifs.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", notifs.UnreadCount())
	}
	if !typing.IsTyping("conv-1") {
		t.Fatal("expected typing applied via channel")
	}
}

// ============================================================================
// Detach
// ============================================================================

func TestReconcilerDetach(t *testing.T) {
	r, convs, _, typing := newTestReconciler("me")
	r.ApplyMessageCreated(msgAt("m1", "conv-1", 10))
	r.ApplyTyping(TypingPayload{ConversationID: "conv-1", UserID: "user-2", IsTyping: true})

	r.Detach("conv-1")

	if typing.IsTyping("conv-1") {
		t.Fatal("detach must clear the conversation's presence")
	}

	// Events for the detached conversation are ignored; history stays.
	r.ApplyMessageCreated(msgAt("m2", "conv-1", 20))
	r.ApplyMessageDeleted(MessageDeletedPayload{ID: "m1", ConversationID: "conv-1"})
	r.ApplyMessageUpdated(MessageUpdatedPayload{ID: "m1", Content: "changed"})
	r.ApplyTyping(TypingPayload{ConversationID: "conv-1", UserID: "user-2", IsTyping: true})

	assertOrder(t, convs.Messages("conv-1"), "m1")
	m, _ := convs.FindMessage("m1")
	if m.Content != "content of m1" {
		t.Fatalf("detached update applied: %+v", m)
	}
	if typing.IsTyping("conv-1") {
		t.Fatal("detached typing applied")
	}

	// Other conversations are unaffected.
	r.ApplyMessageCreated(msgAt("m9", "conv-2", 10))
	if _, ok := convs.FindMessage("m9"); !ok {
		t.Fatal("detach must be scoped to one conversation")
	}

	r.Attach("conv-1")
	r.ApplyMessageCreated(msgAt("m2", "conv-1", 20))
	assertOrder(t, convs.Messages("conv-1"), "m1", "m2")
}

// ============================================================================
// Degradation
// ============================================================================

func TestReconcilerChannelDegraded(t *testing.T) {
	r, convs, notifs, typing := newTestReconciler("me")
	r.ApplyMessageCreated(msgAt("m1", "conv-1", 10))
	r.ApplyTyping(TypingPayload{ConversationID: "conv-1", UserID: "user-2", IsTyping: true})

	r.ChannelDegraded()

	if !convs.Stale() || !notifs.Stale() {
		t.Fatal("expected both stores flagged stale")
	}
	if typing.IsTyping("conv-1") {
		t.Fatal("expected presence cleared on degradation")
	}
	if len(convs.Messages("conv-1")) != 1 {
		t.Fatal("degradation must keep store contents")
	}

	r.ChannelRecovered()
	if convs.Stale() || notifs.Stale() {
		t.Fatal("expected stale cleared after recovery")
	}
}
