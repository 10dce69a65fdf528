package reqsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const resyncTimeout = 30 * time.Second

// Conversation is one open conversation: its message sequence, its live
// subscription and its send pipeline. Obtain one with Hub.Open.
type Conversation struct {
	hub    *Hub
	id     ConversationID
	store  *MessageStore
	conn   *ConnectionManager
	sender *SendCoordinator
	logger *slog.Logger

	loadMu sync.Mutex

	mu            sync.Mutex
	actor         Actor
	listeners     []func(Message)
	dwell         *time.Timer
	connectedOnce bool
	closed        bool
}

func newConversation(h *Hub, id ConversationID) *Conversation {
	c := &Conversation{
		hub:    h,
		id:     id,
		store:  NewMessageStore(id),
		logger: h.logger.With("conversation", id.String()),
	}
	hooks := h.sendHooks
	viewHook := hooks.OnProvisional
	hooks.OnProvisional = func(m Message) {
		if viewHook != nil {
			viewHook(m)
		}
		c.fire(m)
	}
	c.sender = NewSendCoordinator(c.store, h.store, h.auth,
		WithUploader(h.uploader),
		WithSendHooks(hooks),
		WithSendMetrics(h.metrics),
		WithSendLogger(c.logger),
	)
	c.conn = NewConnectionManager(id, h.live, c.handleInbound,
		WithConnBackoff(h.backoff),
		WithConnLogger(h.logger),
		WithConnLimiter(h.limiter),
		WithConnMetrics(h.metrics),
	)
	c.conn.OnStatus(c.onStatus)
	return c
}

// init loads the newest page and starts the subscription under life. Only a
// failed history load fails the open; subscription trouble shows in Status.
func (c *Conversation) init(ctx context.Context, life context.Context) error {
	c.mu.Lock()
	c.actor = c.hub.localActor(ctx)
	c.mu.Unlock()

	c.loadMu.Lock()
	_, err := c.store.Load(ctx, c.hub.store, 0, c.hub.pageSize)
	c.loadMu.Unlock()
	if err != nil {
		return err
	}
	if err := c.conn.Start(life); err != nil {
		if KindOf(err) == KindClosed {
			return err
		}
		c.logger.Warn("live subscription not established", "error", err)
	}
	return nil
}

// ID returns the conversation id.
func (c *Conversation) ID() ConversationID { return c.id }

// Messages returns a snapshot of the sequence, oldest first.
func (c *Conversation) Messages() []Message { return c.store.Messages() }

// HasMore reports whether older history may exist.
func (c *Conversation) HasMore() bool { return c.store.HasMore() }

// Status returns the live subscription's state.
func (c *Conversation) Status() ConnStatus { return c.conn.Status() }

// Err returns the most recent subscription error, or else the most recent send
// error or attachment warning.
func (c *Conversation) Err() error {
	if err := c.conn.Status().Err; err != nil {
		return err
	}
	return c.sender.LastError()
}

// OnMessage registers a listener for messages added to the sequence, both
// inbound and provisional.
func (c *Conversation) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// OnStatus registers a listener for subscription state changes.
func (c *Conversation) OnStatus(fn func(ConnStatus)) { c.conn.OnStatus(fn) }

// LoadOlder fetches the page before the oldest loaded message. Calls are
// serialized; it reports whether more history may exist.
func (c *Conversation) LoadOlder(ctx context.Context) (bool, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if !c.store.HasMore() {
		return false, nil
	}
	return c.store.Load(ctx, c.hub.store, c.store.DurableLen(), c.hub.pageSize)
}

// Send publishes a message, with an optional file, as the local actor.
func (c *Conversation) Send(ctx context.Context, content string, file *File) (*SendResult, error) {
	return c.sender.Send(ctx, content, file)
}

// MarkRead clears the unread entry and persists the read position.
func (c *Conversation) MarkRead(ctx context.Context) error {
	return c.hub.markRead(ctx, c.id)
}

// NoteVisible tells the conversation its newest messages are on screen. When
// it is active, it is marked read after the dwell delay.
func (c *Conversation) NoteVisible() {
	if c.hub.isActive(c.id) {
		c.armDwell()
	}
}

// Retry restarts a subscription that gave up.
func (c *Conversation) Retry() error { return c.conn.Retry() }

func (c *Conversation) handleInbound(msg Message) {
	if msg.ConversationID != c.id || c.isClosed() {
		c.hub.metrics.inbound(inboundDropped)
		return
	}
	if !c.store.Append(msg) {
		c.hub.metrics.inbound(inboundDuplicate)
		return
	}
	c.hub.metrics.inbound(inboundAppended)
	c.observe(msg)
}

// observe runs the side effects of a message that just joined the sequence.
func (c *Conversation) observe(msg Message) {
	c.mu.Lock()
	actorID := c.actor.ID
	c.mu.Unlock()

	c.hub.tracker.OnInboundMessage(msg, c.hub.activePtr(), actorID)
	c.fire(msg)
	if msg.SenderID != actorID && c.hub.isActive(c.id) {
		c.armDwell()
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conversation) fire(msg Message) {
	c.mu.Lock()
	listeners := append([]func(Message){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(msg.Clone())
	}
}

func (c *Conversation) armDwell() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.dwell != nil {
		c.dwell.Stop()
	}
	c.dwell = time.AfterFunc(c.hub.dwell, c.dwellElapsed)
}

func (c *Conversation) dwellElapsed() {
	c.mu.Lock()
	closed := c.closed
	c.dwell = nil
	c.mu.Unlock()
	if closed || !c.hub.isActive(c.id) {
		return
	}
	ctx, cancel := context.WithTimeout(c.hub.ctx, resyncTimeout)
	defer cancel()
	if err := c.hub.markRead(ctx, c.id); err != nil {
		c.logger.Warn("mark read failed", "error", err)
	}
}

// onStatus resynchronizes after every reconnection: the feed missed whatever
// was inserted while it was down.
func (c *Conversation) onStatus(st ConnStatus) {
	if st.State != StateConnected {
		return
	}
	c.mu.Lock()
	again := c.connectedOnce
	c.connectedOnce = true
	closed := c.closed
	c.mu.Unlock()
	if !again || closed {
		return
	}
	go c.resync()
}

func (c *Conversation) resync() {
	ctx, cancel := context.WithTimeout(c.hub.ctx, resyncTimeout)
	defer cancel()
	added, err := c.store.CatchUp(ctx, c.hub.store, c.hub.pageSize)
	if err != nil {
		c.logger.Warn("catch-up after reconnect failed", "error", err)
	} else if len(added) > 0 {
		c.logger.Info("caught up after reconnect", "added", len(added))
	}
	for _, m := range added {
		c.observe(m)
	}
	if err := c.hub.Reconcile(ctx); err != nil {
		c.logger.Warn("unread reconciliation failed", "error", err)
	}
}

func (c *Conversation) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.dwell != nil {
		c.dwell.Stop()
		c.dwell = nil
	}
	c.mu.Unlock()
	// store first: an event already past the manager's liveness check then
	// lands on a closed store and is dropped
	c.store.Close()
	_ = c.conn.Close()
}
