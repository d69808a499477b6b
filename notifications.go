package tidewave

import (
	"sync"
	"time"
)

// ============================================================================
// NotificationStore
// ============================================================================

// notificationSnapshot captures the full list plus counter for bulk rollback.
// The read-all endpoint is all-or-nothing, so restore is wholesale rather
// than a per-item diff.
type notificationSnapshot struct {
	notifications []Notification
	unread        int
}

// NotificationStore is the canonical in-memory state for notifications and
// the derived unread counter.
//
// Same mutation discipline as ConversationStore: writers are the Reconciler
// and the Commander; consumers read snapshots and subscribe. The list is
// recency-ordered, newest first. The counter is maintained incrementally and
// clamped so it never goes negative, and always equals the number of unread
// notifications in the list after each mutation batch.
type NotificationStore struct {
	mu            sync.RWMutex
	notifications []Notification
	unread        int
	stale         bool

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewNotificationStore creates an empty store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{subs: make(map[int]func())}
}

// Subscribe registers fn to be called synchronously after each mutation
// batch. The returned function cancels the subscription.
func (s *NotificationStore) Subscribe(fn func()) func() {
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

func (s *NotificationStore) notify() {
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

// Notifications returns a snapshot, newest first.
func (s *NotificationStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.notifications...)
}

// Get returns a snapshot of a single notification.
func (s *NotificationStore) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notifications {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

// UnreadCount returns the current unread counter.
func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Stale reports whether the store may lag the server.
func (s *NotificationStore) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// ── Mutation (reconciler / commander only) ───────────────

// putAll replaces the store contents from hydration.
func (s *NotificationStore) putAll(notifications []Notification, unread int) {
	s.mu.Lock()
	s.notifications = append([]Notification(nil), notifications...)
	if unread < 0 {
		unread = 0
	}
	s.unread = unread
	s.mu.Unlock()
	s.notify()
}

// prepend adds a notification at the head. De-dups by id; the counter is
// incremented only when the id was not already present, so redelivery never
// double-counts.
func (s *NotificationStore) prepend(n Notification) bool {
	s.mu.Lock()
	for _, existing := range s.notifications {
		if existing.ID == n.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.notifications = append([]Notification{n}, s.notifications...)
	if !n.IsRead {
		s.unread++
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// markRead flips a notification to read, stamping readAt. A no-op when the
// notification is absent or already read, so read fan-out across sessions
// never double-decrements the counter.
func (s *NotificationStore) markRead(id string, at time.Time) bool {
	s.mu.Lock()
	changed := false
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			if !s.notifications[i].IsRead {
				s.notifications[i].IsRead = true
				readAt := at
				s.notifications[i].ReadAt = &readAt
				if s.unread > 0 {
					s.unread--
				}
				changed = true
			}
			break
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

// restore reinstates a notification's prior field values. Used for rollback.
func (s *NotificationStore) restore(prior Notification) {
	s.mu.Lock()
	for i := range s.notifications {
		if s.notifications[i].ID == prior.ID {
			wasRead := s.notifications[i].IsRead
			s.notifications[i] = prior
			if wasRead && !prior.IsRead {
				s.unread++
			} else if !wasRead && prior.IsRead && s.unread > 0 {
				s.unread--
			}
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// markAllRead flips every notification to read and zeroes the counter.
func (s *NotificationStore) markAllRead(at time.Time) {
	s.mu.Lock()
	for i := range s.notifications {
		if !s.notifications[i].IsRead {
			s.notifications[i].IsRead = true
			readAt := at
			s.notifications[i].ReadAt = &readAt
		}
	}
	s.unread = 0
	s.mu.Unlock()
	s.notify()
}

// remove deletes by id and returns the removed notification plus its index
// for rollback.
func (s *NotificationStore) remove(id string) (Notification, int, bool) {
	s.mu.Lock()
	for i, n := range s.notifications {
		if n.ID == id {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			if !n.IsRead && s.unread > 0 {
				s.unread--
			}
			s.mu.Unlock()
			s.notify()
			return n, i, true
		}
	}
	s.mu.Unlock()
	return Notification{}, 0, false
}

// reinsert restores a removed notification at its prior index.
func (s *NotificationStore) reinsert(n Notification, index int) {
	s.mu.Lock()
	if index < 0 || index > len(s.notifications) {
		index = 0
	}
	s.notifications = append(s.notifications, Notification{})
	copy(s.notifications[index+1:], s.notifications[index:])
	s.notifications[index] = n
	if !n.IsRead {
		s.unread++
	}
	s.mu.Unlock()
	s.notify()
}

// snapshot captures list and counter for bulk rollback.
func (s *NotificationStore) snapshot() notificationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return notificationSnapshot{
		notifications: append([]Notification(nil), s.notifications...),
		unread:        s.unread,
	}
}

// restoreSnapshot reinstates a captured snapshot wholesale.
func (s *NotificationStore) restoreSnapshot(snap notificationSnapshot) {
	s.mu.Lock()
	s.notifications = append([]Notification(nil), snap.notifications...)
	s.unread = snap.unread
	s.mu.Unlock()
	s.notify()
}

// setStale flags or clears the possibly-stale marker.
func (s *NotificationStore) setStale(stale bool) {
	s.mu.Lock()
	changed := s.stale != stale
	s.stale = stale
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}
