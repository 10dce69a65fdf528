package reqsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	DefaultPageSize   = 50
	DefaultDwellDelay = 2 * time.Second

	// MaxPageSize is the largest history page a gateway serves.
	MaxPageSize = 200
)

// Hub is the registry of open conversations for one client session. Each
// conversation exists once, created by the first Open and destroyed by the
// last Release. The unread ledger is shared and keyed by conversation id.
type Hub struct {
	store     DurableStore
	live      Subscriber
	auth      Authenticator
	uploader  AttachmentUploader
	backoff   Backoff
	pageSize  int
	dwell     time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	limiter   *rate.Limiter
	sendHooks SendHooks
	tracker   *NotificationTracker

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	entries    map[ConversationID]*hubEntry
	active     *ConversationID
	closed     bool
	reconciled bool

	reconcileMu sync.Mutex
}

type hubEntry struct {
	conv  *Conversation
	refs  int
	ready chan struct{}
	err   error
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAuthenticator sets how the local actor is resolved.
func WithAuthenticator(a Authenticator) HubOption {
	return func(h *Hub) { h.auth = a }
}

// WithAttachmentUploader sets the uploader used for file sends.
func WithAttachmentUploader(u AttachmentUploader) HubOption {
	return func(h *Hub) { h.uploader = u }
}

// WithLiveSource replaces the store's own Subscribe as the live event source.
func WithLiveSource(s Subscriber) HubOption {
	return func(h *Hub) { h.live = s }
}

// WithBackoff sets the reconnection policy of every conversation.
func WithBackoff(b Backoff) HubOption {
	return func(h *Hub) { h.backoff = b }
}

// WithPageSize sets the history page size, capped at MaxPageSize.
func WithPageSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.pageSize = min(n, MaxPageSize)
		}
	}
}

// WithDwellDelay sets how long new messages stay visible in the active
// conversation before it is marked read. Zero marks read immediately.
func WithDwellDelay(d time.Duration) HubOption {
	return func(h *Hub) {
		if d >= 0 {
			h.dwell = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics registers the SDK collectors on reg.
func WithMetrics(reg prometheus.Registerer) HubOption {
	return func(h *Hub) { h.metrics = NewMetrics(reg) }
}

// WithReconnectLimiter shares one limiter across all subscribe attempts so a
// network flap does not resubscribe every conversation at once.
func WithReconnectLimiter(l *rate.Limiter) HubOption {
	return func(h *Hub) { h.limiter = l }
}

// WithHubSendHooks sets view callbacks for every conversation's sends.
func WithHubSendHooks(hooks SendHooks) HubOption {
	return func(h *Hub) { h.sendHooks = hooks }
}

// NewHub creates a hub over store.
func NewHub(store DurableStore, opts ...HubOption) *Hub {
	h := &Hub{
		store:    store,
		live:     store,
		backoff:  DefaultBackoff,
		pageSize: DefaultPageSize,
		dwell:    DefaultDwellDelay,
		logger:   slog.Default(),
		entries:  make(map[ConversationID]*hubEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.tracker = NewNotificationTracker(h.metrics)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Tracker returns the shared unread ledger.
func (h *Hub) Tracker() *NotificationTracker { return h.tracker }

// Open acquires conv. The first acquisition loads the newest page and starts
// the live subscription; later ones wait for that and share the result.
func (h *Hub) Open(ctx context.Context, id ConversationID) (*Conversation, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, newError(KindClosed, "open", id, nil)
	}
	if e, ok := h.entries[id]; ok {
		e.refs++
		h.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			h.release(id, e)
			return nil, classify("open", id, ctx.Err())
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.conv, nil
	}
	e := &hubEntry{conv: newConversation(h, id), refs: 1, ready: make(chan struct{})}
	h.entries[id] = e
	n := len(h.entries)
	h.mu.Unlock()
	h.metrics.setConversations(n)

	err := e.conv.init(ctx, h.ctx)
	if err != nil {
		e.err = err
		h.mu.Lock()
		if h.entries[id] == e {
			delete(h.entries, id)
		}
		n = len(h.entries)
		h.mu.Unlock()
		h.metrics.setConversations(n)
		e.conv.close()
		close(e.ready)
		return nil, err
	}
	close(e.ready)

	h.mu.Lock()
	first := !h.reconciled
	h.reconciled = true
	h.mu.Unlock()
	if first {
		if err := h.Reconcile(ctx); err != nil {
			h.logger.Warn("unread reconciliation failed", "error", err)
		}
	}
	return e.conv, nil
}

// Release drops one reference to id; the last one tears the conversation down.
func (h *Hub) Release(id ConversationID) { h.release(id, nil) }

// release drops a reference held on want, or on whatever entry is current
// when want is nil.
func (h *Hub) release(id ConversationID, want *hubEntry) {
	h.mu.Lock()
	e, ok := h.entries[id]
	if !ok || (want != nil && e != want) {
		h.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.entries, id)
	n := len(h.entries)
	if h.active != nil && *h.active == id {
		h.active = nil
	}
	h.mu.Unlock()
	h.metrics.setConversations(n)
	e.conv.close()
}

// Conversations returns the ids currently open, sorted.
func (h *Hub) Conversations() []ConversationID {
	h.mu.Lock()
	out := make([]ConversationID, 0, len(h.entries))
	for id := range h.entries {
		out = append(out, id)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetActive marks id as the conversation on screen and marks it read.
func (h *Hub) SetActive(ctx context.Context, id ConversationID) error {
	h.mu.Lock()
	active := id
	h.active = &active
	h.mu.Unlock()
	return h.markRead(ctx, id)
}

// ClearActive records that no conversation is on screen.
func (h *Hub) ClearActive() {
	h.mu.Lock()
	h.active = nil
	h.mu.Unlock()
}

// Active returns the active conversation.
func (h *Hub) Active() (ConversationID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return General, false
	}
	return *h.active, true
}

func (h *Hub) activePtr() *ConversationID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return nil
	}
	id := *h.active
	return &id
}

func (h *Hub) isActive(id ConversationID) bool {
	a, ok := h.Active()
	return ok && a == id
}

// Reconcile replaces the unread ledger with the server's counts, then clears
// the active conversation again.
func (h *Hub) Reconcile(ctx context.Context) error {
	h.reconcileMu.Lock()
	defer h.reconcileMu.Unlock()

	actor := h.localActor(ctx)
	if actor.ID == "" {
		return newError(KindUnauthorized, "reconcile unread", General, nil)
	}
	if err := h.tracker.Reconcile(ctx, h.store, actor.ID); err != nil {
		return err
	}
	if id, ok := h.Active(); ok {
		h.tracker.MarkRead(id)
	}
	return nil
}

// Close tears down every conversation. The hub cannot be reused.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	entries := h.entries
	h.entries = make(map[ConversationID]*hubEntry)
	h.active = nil
	h.mu.Unlock()

	h.cancel()
	for _, e := range entries {
		e.conv.close()
	}
	h.metrics.setConversations(0)
}

func (h *Hub) markRead(ctx context.Context, id ConversationID) error {
	h.tracker.MarkRead(id)
	marker, ok := h.store.(ReadMarker)
	if !ok {
		return nil
	}
	actor := h.localActor(ctx)
	if actor.ID == "" {
		return nil
	}
	if err := marker.MarkRead(ctx, actor.ID, id); err != nil {
		return classify("mark read", id, err)
	}
	return nil
}

func (h *Hub) localActor(ctx context.Context) Actor {
	if h.auth == nil {
		return Actor{}
	}
	a, err := h.auth.Actor(ctx)
	if err != nil {
		return Actor{}
	}
	return a
}
