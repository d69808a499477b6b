package tidewave

import (
	"sort"
	"sync"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the canonical in-memory state for conversations and
// their message lists.
//
// Mutation goes through the Reconciler (push events) and the Commander
// (optimistic local writes) only; consumers read snapshots and subscribe to
// change notification. Every message list is kept sorted by the
// (timestamp, id) key after every mutation.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	msgIndex      map[string]string // message id -> conversation id
	stale         bool

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		msgIndex:      make(map[string]string),
		subs:          make(map[int]func()),
	}
}

// Subscribe registers fn to be called synchronously after each mutation
// batch. The returned function cancels the subscription.
func (s *ConversationStore) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *ConversationStore) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ── Reads ────────────────────────────────────────────────

// Conversations returns a snapshot of all conversations, most recently
// updated first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.RLock()
	result := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, *c)
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Get returns a snapshot of a single conversation.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns a snapshot of a conversation's history, oldest first.
func (s *ConversationStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[conversationID]...)
}

// FindMessage looks a message up by server id across all conversations.
func (s *ConversationStore) FindMessage(messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.msgIndex[messageID]
	if !ok {
		return Message{}, false
	}
	for _, m := range s.messages[convID] {
		if m.ID == messageID {
			return m, true
		}
	}
	return Message{}, false
}

// Stale reports whether the store may lag the server (push channel degraded
// and re-hydration not yet completed).
func (s *ConversationStore) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// ── Mutation (reconciler / commander only) ───────────────

// putConversations merges hydrated conversations into the store.
func (s *ConversationStore) putConversations(convs []Conversation) {
	s.mu.Lock()
	for i := range convs {
		c := convs[i]
		s.conversations[c.ID] = &c
	}
	s.mu.Unlock()
	s.notify()
}

// putMessages installs a hydrated or re-fetched history as the canonical
// list. The merge is keyed by id so a fetch racing live traffic cannot lose
// writes: a fetched record wins over the local copy with the same id, a
// local entry absent from the fetch survives only when the snapshot could
// not have contained it (a pending or failed optimistic send, or a message
// whose ordering key exceeds the snapshot's maximum, merged live while the
// fetch was in flight). Everything else absent from the fetch was deleted
// server-side and is dropped.
func (s *ConversationStore) putMessages(conversationID string, msgs []Message) {
	s.mu.Lock()
	list := append([]Message(nil), msgs...)
	sort.Slice(list, func(i, j int) bool { return list[i].before(&list[j]) })

	fetched := make(map[string]struct{}, len(list))
	for _, m := range list {
		fetched[m.ID] = struct{}{}
	}
	var fetchMax Message
	hasFetch := len(list) > 0
	if hasFetch {
		fetchMax = list[len(list)-1]
	}

	prior := s.messages[conversationID]
	for _, old := range prior {
		delete(s.msgIndex, old.ID)
	}
	for _, old := range prior {
		if _, ok := fetched[old.ID]; ok {
			continue
		}
		if old.State == StatePending || old.State == StateFailed || (hasFetch && fetchMax.before(&old)) {
			list = append(list, old)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].before(&list[j]) })

	for _, m := range list {
		s.msgIndex[m.ID] = conversationID
	}
	s.messages[conversationID] = list
	s.recomputeLastMessage(conversationID)
	s.mu.Unlock()
	s.notify()
}

// insertMessage adds a message to its conversation, keeping the list sorted.
//
// De-dup rules, in order: same server id present → no-op; an optimistic entry
// with a matching clientTempId → replaced in place, slot preserved, so the
// sender's own echoed event never duplicates or reorders; otherwise append,
// re-sorting the tail only when the timestamp arrives out of order.
// Returns false when the event was a duplicate no-op.
func (s *ConversationStore) insertMessage(msg Message) bool {
	s.mu.Lock()
	if _, dup := s.msgIndex[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}

	list := s.messages[msg.ConversationID]

	if msg.ClientTempID != "" {
		for i := range list {
			if list[i].ClientTempID == msg.ClientTempID && list[i].State != StateConfirmed {
				delete(s.msgIndex, list[i].ID)
				list[i] = msg
				s.msgIndex[msg.ID] = msg.ConversationID
				s.recomputeLastMessage(msg.ConversationID)
				s.mu.Unlock()
				s.notify()
				return true
			}
		}
	}

	if n := len(list); n == 0 || list[n-1].before(&msg) {
		list = append(list, msg)
	} else {
		pos := sort.Search(n, func(i int) bool { return msg.before(&list[i]) })
		list = append(list, Message{})
		copy(list[pos+1:], list[pos:])
		list[pos] = msg
	}
	s.messages[msg.ConversationID] = list
	s.msgIndex[msg.ID] = msg.ConversationID
	s.recomputeLastMessage(msg.ConversationID)
	s.mu.Unlock()
	s.notify()
	return true
}

// updateMessage replaces content by server id. A stale update for a message
// not yet seen is dropped: the subsequent created event, if any, carries the
// newer write and wins.
func (s *ConversationStore) updateMessage(msg Message) bool {
	s.mu.Lock()
	convID, ok := s.msgIndex[msg.ID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	list := s.messages[convID]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i].Content = msg.Content
			if !msg.Timestamp.IsZero() {
				list[i].Timestamp = msg.Timestamp
			}
			list[i].State = StateEdited
			break
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].before(&list[j]) })
	s.messages[convID] = list
	s.recomputeLastMessage(convID)
	s.mu.Unlock()
	s.notify()
	return true
}

// replaceMessage swaps a message by server id with an exact replacement,
// preserving its slot. Used by the commander for edit confirm and rollback.
func (s *ConversationStore) replaceMessage(messageID string, msg Message) bool {
	s.mu.Lock()
	convID, ok := s.msgIndex[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	list := s.messages[convID]
	for i := range list {
		if list[i].ID == messageID {
			delete(s.msgIndex, messageID)
			list[i] = msg
			s.msgIndex[msg.ID] = convID
			break
		}
	}
	s.recomputeLastMessage(convID)
	s.mu.Unlock()
	s.notify()
	return true
}

// removeMessage deletes by server id and returns the removed message for
// rollback. lastMessage is recomputed over the remaining list.
func (s *ConversationStore) removeMessage(messageID string) (Message, bool) {
	s.mu.Lock()
	convID, ok := s.msgIndex[messageID]
	if !ok {
		s.mu.Unlock()
		return Message{}, false
	}
	list := s.messages[convID]
	var removed Message
	for i := range list {
		if list[i].ID == messageID {
			removed = list[i]
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.messages[convID] = list
	delete(s.msgIndex, messageID)
	s.recomputeLastMessage(convID)
	s.mu.Unlock()
	s.notify()
	return removed, true
}

// restoreMessage re-inserts a previously removed message at its ordering
// position. Used for delete rollback.
func (s *ConversationStore) restoreMessage(msg Message) {
	s.mu.Lock()
	list := s.messages[msg.ConversationID]
	pos := sort.Search(len(list), func(i int) bool { return msg.before(&list[i]) })
	list = append(list, Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	s.messages[msg.ConversationID] = list
	s.msgIndex[msg.ID] = msg.ConversationID
	s.recomputeLastMessage(msg.ConversationID)
	s.mu.Unlock()
	s.notify()
}

// confirmMessage replaces the optimistic entry matching clientTempID with the
// server's canonical record, preserving its slot. When the echoed
// message.created event has already landed the server id, the optimistic
// entry is dropped instead of rewritten, so one server id never occupies two
// slots. An echo without a clientTempId appends as a plain entry, which makes
// this interleaving reachable.
func (s *ConversationStore) confirmMessage(clientTempID string, server Message) {
	s.mu.Lock()
	list := s.messages[server.ConversationID]

	if _, seen := s.msgIndex[server.ID]; seen {
		for i := 0; i < len(list); i++ {
			if list[i].ClientTempID == clientTempID && list[i].ID != server.ID {
				delete(s.msgIndex, list[i].ID)
				list = append(list[:i], list[i+1:]...)
				i--
				continue
			}
			if list[i].ID == server.ID && list[i].State == StatePending {
				list[i].State = server.State
			}
		}
		s.messages[server.ConversationID] = list
		s.recomputeLastMessage(server.ConversationID)
		s.mu.Unlock()
		s.notify()
		return
	}

	for i := range list {
		if list[i].ClientTempID == clientTempID {
			delete(s.msgIndex, list[i].ID)
			list[i] = server
			s.msgIndex[server.ID] = server.ConversationID
			s.recomputeLastMessage(server.ConversationID)
			s.mu.Unlock()
			s.notify()
			return
		}
	}

	// Neither the optimistic entry nor the echo is present (rolled back or
	// trimmed); fall through to a plain sorted insert.
	s.mu.Unlock()
	s.insertMessage(server)
}

// setStale flags or clears the possibly-stale marker.
func (s *ConversationStore) setStale(stale bool) {
	s.mu.Lock()
	changed := s.stale != stale
	s.stale = stale
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// recomputeLastMessage re-derives the denormalized lastMessage pointer as the
// maximum (timestamp, id) over the conversation's current history. Caller
// holds s.mu.
func (s *ConversationStore) recomputeLastMessage(conversationID string) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID}
		s.conversations[conversationID] = conv
	}
	list := s.messages[conversationID]
	if len(list) == 0 {
		conv.LastMessage = nil
		return
	}
	max := &list[0]
	for i := 1; i < len(list); i++ {
		if max.before(&list[i]) {
			max = &list[i]
		}
	}
	last := *max
	conv.LastMessage = &last
	if last.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = last.Timestamp
	}
}
