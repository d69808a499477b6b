package tidewave

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// TypingTracker
// ============================================================================

// DefaultTypingTTL is how long a typing entry lives without a refresh. It
// exceeds the client-side re-emit interval so continuous typing never
// visibly flickers false.
const DefaultTypingTTL = 6 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

// TypingTracker maintains the ephemeral per-conversation set of currently
// typing users with TTL expiry.
//
// Entries are never persisted. Expired entries are swept lazily before each
// read rather than by a background timer, so an idle tracker costs no
// wakeups and memory stays bounded by the set of recently active typists.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[typingKey]time.Time // value is expiresAt
	ttl     time.Duration
	selfID  string
	now     func() time.Time
}

// NewTypingTracker creates a tracker. selfID is the local user, excluded
// from query results even when the channel echoes its own typing events
// back. A non-positive ttl falls back to DefaultTypingTTL.
func NewTypingTracker(selfID string, ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		entries: make(map[typingKey]time.Time),
		ttl:     ttl,
		selfID:  selfID,
		now:     time.Now,
	}
}

// SetTyping inserts or refreshes a typing entry for the user.
func (t *TypingTracker) SetTyping(conversationID, userID string) {
	t.mu.Lock()
	t.entries[typingKey{conversationID, userID}] = t.now().Add(t.ttl)
	t.mu.Unlock()
}

// ClearTyping removes the user's entry immediately on an explicit stop
// signal.
func (t *TypingTracker) ClearTyping(conversationID, userID string) {
	t.mu.Lock()
	delete(t.entries, typingKey{conversationID, userID})
	t.mu.Unlock()
}

// Typing returns the user ids currently typing in the conversation, sorted,
// excluding the local user. Expired entries are swept before the read.
func (t *TypingTracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()

	var users []string
	for key := range t.entries {
		if key.conversationID == conversationID && key.userID != t.selfID {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

// IsTyping reports whether anyone other than the local user is typing in the
// conversation.
func (t *TypingTracker) IsTyping(conversationID string) bool {
	return len(t.Typing(conversationID)) > 0
}

// ClearConversation drops every entry for one conversation.
func (t *TypingTracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	for key := range t.entries {
		if key.conversationID == conversationID {
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()
}

// ClearAll drops every entry. Called when the push channel degrades, since
// stale presence cannot be trusted.
func (t *TypingTracker) ClearAll() {
	t.mu.Lock()
	t.entries = make(map[typingKey]time.Time)
	t.mu.Unlock()
}

// sweepLocked removes expired entries. Caller holds t.mu.
func (t *TypingTracker) sweepLocked() {
	now := t.now()
	for key, expiresAt := range t.entries {
		if now.After(expiresAt) {
			delete(t.entries, key)
		}
	}
}
