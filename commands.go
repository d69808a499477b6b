package tidewave

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Commander
// ============================================================================

// Commander executes user-initiated mutations as optimistic local updates
// followed by a confirming network call.
//
// Each command mutates the store synchronously, issues the REST call, and on
// success replaces the optimistic entity with the server's canonical record
// in the same slot. On failure the pre-optimistic state is restored exactly.
//
// Commands against the same message id are serialized through a per-id
// in-flight marker: a second command waits for the first to settle before it
// dispatches, so a late confirm can never resurrect a deleted message.
type Commander struct {
	client        *Client
	conversations *ConversationStore
	notifications *NotificationStore
	selfID        string
	now           func() time.Time
	newTempID     func() string

	inflightMu sync.Mutex
	inflight   map[string][]chan struct{} // head holds the marker; the rest wait in arrival order

	failedMu sync.Mutex
	failed   map[string]Message // clientTempId -> failed send awaiting retry
}

// NewCommander creates a command dispatcher writing through client into the
// given stores. selfID is the authenticated user, stamped as the author of
// optimistic messages.
func NewCommander(client *Client, conversations *ConversationStore, notifications *NotificationStore, selfID string) *Commander {
	return &Commander{
		client:        client,
		conversations: conversations,
		notifications: notifications,
		selfID:        selfID,
		now:           time.Now,
		newTempID:     func() string { return "tmp-" + uuid.NewString() },
		inflight:      make(map[string][]chan struct{}),
		failed:        make(map[string]Message),
	}
}

// acquire blocks until no other command is in flight for id, then marks it.
// Queued commands are handed the marker in arrival order. The returned
// release unmarks and wakes the next waiter.
func (c *Commander) acquire(id string) (release func()) {
	ch := make(chan struct{})
	c.inflightMu.Lock()
	queue := c.inflight[id]
	c.inflight[id] = append(queue, ch)
	c.inflightMu.Unlock()

	if len(queue) > 0 {
		<-ch
	}

	return func() {
		c.inflightMu.Lock()
		q := c.inflight[id][1:]
		if len(q) == 0 {
			delete(c.inflight, id)
		} else {
			c.inflight[id] = q
			close(q[0])
		}
		c.inflightMu.Unlock()
	}
}

// ── Messages ─────────────────────────────────────────────

// SendMessage inserts an optimistic pending message and posts it. On success
// the optimistic entry is replaced in place by the server's record (the
// echoed push event de-duplicates against the same clientTempId). On failure
// the message is removed from the store, returning it to its pre-send state,
// and retained in FailedSends for an explicit Retry.
func (c *Commander) SendMessage(ctx context.Context, conversationID, content, msgType string) (*Message, error) {
	if conversationID == "" || content == "" {
		return nil, InvalidArg("conversationId and content are required")
	}
	if msgType == "" {
		msgType = "text"
	}

	optimistic := Message{
		ID:             c.newTempID(),
		ConversationID: conversationID,
		AuthorID:       c.selfID,
		Content:        content,
		Type:           msgType,
		Timestamp:      c.now(),
		State:          StatePending,
	}
	optimistic.ClientTempID = optimistic.ID
	return c.dispatchSend(ctx, optimistic)
}

func (c *Commander) dispatchSend(ctx context.Context, optimistic Message) (*Message, error) {
	release := c.acquire(optimistic.ClientTempID)
	defer release()

	c.conversations.insertMessage(optimistic)

	server, err := c.client.Chats().SendMessage(ctx, optimistic.ConversationID, &SendMessageOptions{
		Content:      optimistic.Content,
		Type:         optimistic.Type,
		ClientTempID: optimistic.ClientTempID,
	})
	if err != nil {
		c.conversations.removeMessage(optimistic.ID)
		failed := optimistic
		failed.State = StateFailed
		c.failedMu.Lock()
		c.failed[failed.ClientTempID] = failed
		c.failedMu.Unlock()
		return nil, err
	}

	confirmed := *server
	confirmed.ClientTempID = optimistic.ClientTempID
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = optimistic.ConversationID
	}
	confirmed.State = StateConfirmed
	c.conversations.confirmMessage(optimistic.ClientTempID, confirmed)

	c.failedMu.Lock()
	delete(c.failed, optimistic.ClientTempID)
	c.failedMu.Unlock()
	return &confirmed, nil
}

// FailedSends returns messages whose send failed, oldest first. Each carries
// its original clientTempId for Retry or Discard.
func (c *Commander) FailedSends() []Message {
	c.failedMu.Lock()
	result := make([]Message, 0, len(c.failed))
	for _, m := range c.failed {
		result = append(result, m)
	}
	c.failedMu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].before(&result[j]) })
	return result
}

// Retry re-enters the dispatcher for a failed send, reusing the original
// clientTempId so a late echo of the first attempt still de-duplicates.
func (c *Commander) Retry(ctx context.Context, clientTempID string) (*Message, error) {
	c.failedMu.Lock()
	failed, ok := c.failed[clientTempID]
	if ok {
		delete(c.failed, clientTempID)
	}
	c.failedMu.Unlock()
	if !ok {
		return nil, InvalidArg("no failed send with clientTempId " + clientTempID)
	}
	failed.State = StatePending
	return c.dispatchSend(ctx, failed)
}

// Discard drops a failed send without retrying.
func (c *Commander) Discard(clientTempID string) {
	c.failedMu.Lock()
	delete(c.failed, clientTempID)
	c.failedMu.Unlock()
}

// EditMessage optimistically rewrites a message's content, then confirms via
// PATCH. A transient failure restores the prior message exactly; a conflict
// discards the local change and re-requests the conversation's canonical
// history.
func (c *Commander) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	if content == "" {
		return nil, InvalidArg("content is required")
	}
	release := c.acquire(messageID)
	defer release()

	prior, ok := c.conversations.FindMessage(messageID)
	if !ok {
		return nil, InvalidArg("unknown message " + messageID)
	}

	optimistic := prior
	optimistic.Content = content
	optimistic.State = StateEdited
	c.conversations.replaceMessage(messageID, optimistic)

	server, err := c.client.Chats().EditMessage(ctx, messageID, content)
	if err != nil {
		c.conversations.replaceMessage(messageID, prior)
		if IsConflict(err) {
			c.refreshMessages(ctx, prior.ConversationID)
		}
		return nil, err
	}

	confirmed := *server
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = prior.ConversationID
	}
	if confirmed.State == "" {
		confirmed.State = StateEdited
	}
	c.conversations.replaceMessage(messageID, confirmed)
	return &confirmed, nil
}

// DeleteMessage optimistically removes a message, then confirms via DELETE.
// A transient failure restores the message at its ordering position. A
// conflict means the server already lost the entity, so the removal stands.
func (c *Commander) DeleteMessage(ctx context.Context, messageID string) error {
	release := c.acquire(messageID)
	defer release()

	removed, had := c.conversations.removeMessage(messageID)

	err := c.client.Chats().DeleteMessage(ctx, messageID)
	if err != nil {
		if IsConflict(err) {
			return nil
		}
		if had {
			c.conversations.restoreMessage(removed)
		}
		return err
	}
	return nil
}

// refreshMessages re-requests canonical history after a conflict and
// replaces the local list wholesale.
func (c *Commander) refreshMessages(ctx context.Context, conversationID string) {
	msgs, err := c.client.Chats().Messages(ctx, conversationID, nil)
	if err != nil {
		return
	}
	for i := range msgs {
		if msgs[i].State == "" {
			msgs[i].State = StateConfirmed
		}
	}
	c.conversations.putMessages(conversationID, msgs)
}

// ── Notifications ────────────────────────────────────────

// MarkAsRead optimistically flips a notification to read and confirms via
// PATCH. A failure restores the prior read state and counter exactly.
func (c *Commander) MarkAsRead(ctx context.Context, notificationID string) error {
	release := c.acquire(notificationID)
	defer release()

	prior, ok := c.notifications.Get(notificationID)
	if !ok {
		return InvalidArg("unknown notification " + notificationID)
	}
	if prior.IsRead {
		return nil
	}

	c.notifications.markRead(notificationID, c.now())

	if err := c.client.Notifications().MarkRead(ctx, notificationID); err != nil {
		if IsConflict(err) {
			// Gone server-side: drop it locally rather than resurrect.
			c.notifications.remove(notificationID)
			return err
		}
		c.notifications.restore(prior)
		return err
	}
	return nil
}

// MarkAllAsRead is a bulk optimistic transform: every notification flips to
// read and the counter zeroes. The endpoint is all-or-nothing, so failure
// restores the entire pre-call snapshot rather than a per-item diff.
func (c *Commander) MarkAllAsRead(ctx context.Context) error {
	snap := c.notifications.snapshot()
	c.notifications.markAllRead(c.now())

	if err := c.client.Notifications().MarkAllRead(ctx); err != nil {
		c.notifications.restoreSnapshot(snap)
		return err
	}
	return nil
}

// DeleteNotification optimistically removes a notification and confirms via
// DELETE. A transient failure reinserts it at its prior position; a conflict
// means it was already gone server-side, so the removal stands.
func (c *Commander) DeleteNotification(ctx context.Context, notificationID string) error {
	release := c.acquire(notificationID)
	defer release()

	prior, index, had := c.notifications.remove(notificationID)

	err := c.client.Notifications().Delete(ctx, notificationID)
	if err != nil {
		if IsConflict(err) {
			return nil
		}
		if had {
			c.notifications.reinsert(prior, index)
		}
		return err
	}
	return nil
}
