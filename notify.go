package reqsync

import (
	"context"
	"sort"
	"sync"
)

// NotificationTracker is the per-conversation unread ledger. Counts are never
// negative and only grow for messages from other actors in conversations that
// are not active.
type NotificationTracker struct {
	metrics *Metrics

	mu        sync.Mutex
	counts    map[ConversationID]int
	listeners []func(ConversationID, int)
}

// NewNotificationTracker creates an empty ledger. metrics may be nil.
func NewNotificationTracker(metrics *Metrics) *NotificationTracker {
	return &NotificationTracker{
		metrics: metrics,
		counts:  make(map[ConversationID]int),
	}
}

// OnChange registers a listener called with the new count whenever an entry
// changes. Listeners run outside the tracker's lock.
func (t *NotificationTracker) OnChange(fn func(conv ConversationID, count int)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// OnInboundMessage counts msg as unread unless it was sent by localActorID or
// belongs to the active conversation. active is nil when no conversation is
// active. It reports whether the ledger changed.
func (t *NotificationTracker) OnInboundMessage(msg Message, active *ConversationID, localActorID string) bool {
	if msg.Provisional || msg.SenderID == localActorID {
		return false
	}
	if active != nil && *active == msg.ConversationID {
		return false
	}
	t.mu.Lock()
	t.counts[msg.ConversationID]++
	n := t.counts[msg.ConversationID]
	listeners, total := t.snapshotLocked()
	t.mu.Unlock()

	t.metrics.setUnread(total)
	for _, fn := range listeners {
		fn(msg.ConversationID, n)
	}
	return true
}

// MarkRead zeroes the entry for conv. It is idempotent and reports whether
// the entry was non-zero.
func (t *NotificationTracker) MarkRead(conv ConversationID) bool {
	t.mu.Lock()
	if t.counts[conv] == 0 {
		t.mu.Unlock()
		return false
	}
	delete(t.counts, conv)
	listeners, total := t.snapshotLocked()
	t.mu.Unlock()

	t.metrics.setUnread(total)
	for _, fn := range listeners {
		fn(conv, 0)
	}
	return true
}

// UnreadCount returns the entry for conv, 0 when unknown.
func (t *NotificationTracker) UnreadCount(conv ConversationID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[conv]
}

// Total returns the sum of all entries.
func (t *NotificationTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

// Snapshot returns the non-zero entries ordered by conversation id.
func (t *NotificationTracker) Snapshot() []UnreadCount {
	t.mu.Lock()
	out := make([]UnreadCount, 0, len(t.counts))
	for conv, n := range t.counts {
		out = append(out, UnreadCount{ConversationID: conv, Count: n})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Reconcile replaces the ledger with the server-computed counts for actorID.
// Server counts win over in-memory ones; conversations the server does not
// report are zeroed.
func (t *NotificationTracker) Reconcile(ctx context.Context, src UnreadCounter, actorID string) error {
	rows, err := src.UnreadCounts(ctx, actorID)
	if err != nil {
		return classify("reconcile unread", General, err)
	}
	t.Apply(rows)
	return nil
}

// Apply installs server-computed counts, as Reconcile does after its query.
func (t *NotificationTracker) Apply(rows []UnreadCount) {
	next := make(map[ConversationID]int, len(rows))
	for _, r := range rows {
		if r.Count > 0 {
			next[r.ConversationID] += r.Count
		}
	}

	t.mu.Lock()
	var changed []UnreadCount
	for conv, n := range t.counts {
		if next[conv] != n {
			changed = append(changed, UnreadCount{ConversationID: conv, Count: next[conv]})
		}
	}
	for conv, n := range next {
		if _, known := t.counts[conv]; !known {
			changed = append(changed, UnreadCount{ConversationID: conv, Count: n})
		}
	}
	t.counts = next
	listeners, total := t.snapshotLocked()
	t.mu.Unlock()

	t.metrics.setUnread(total)
	for _, c := range changed {
		for _, fn := range listeners {
			fn(c.ConversationID, c.Count)
		}
	}
}

func (t *NotificationTracker) snapshotLocked() ([]func(ConversationID, int), int) {
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return append([]func(ConversationID, int){}, t.listeners...), total
}
