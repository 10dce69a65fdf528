package reqsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the state of a conversation's live subscription.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnStatus is a snapshot of a ConnectionManager.
type ConnStatus struct {
	Conversation ConversationID
	State        ConnState
	// Attempt is the number of retries scheduled since the last successful connect.
	Attempt int
	// Delay is the wait before the next retry while Reconnecting.
	Delay time.Duration
	// Err is the failure that caused Error or Reconnecting.
	Err error
}

// errSubscriptionEnded is reported when a feed ends without a cause.
var errSubscriptionEnded = errors.New("subscription ended")

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single live subscription of one conversation.
//
//	Idle -> Connecting -> Connected
//	Connected -> Error -> Reconnecting -> Connecting
//	any -> Closed
type ConnectionManager struct {
	conv    ConversationID
	source  Subscriber
	sink    func(Message)
	logger  *slog.Logger
	limiter *rate.Limiter
	metrics *Metrics

	mu        sync.Mutex
	state     ConnState
	recon     *reconnector
	sub       Subscription
	gen       uint64
	timer     *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	lastErr   error
	lastDelay time.Duration
	listeners []func(ConnStatus)
}

// ConnOption configures a ConnectionManager.
type ConnOption func(*ConnectionManager)

// WithConnBackoff sets the reconnection policy.
func WithConnBackoff(b Backoff) ConnOption {
	return func(m *ConnectionManager) { m.recon = newReconnector(b) }
}

// WithConnLogger sets the logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(m *ConnectionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithConnLimiter gates every subscribe attempt on a limiter shared across
// conversations.
func WithConnLimiter(l *rate.Limiter) ConnOption {
	return func(m *ConnectionManager) { m.limiter = l }
}

// WithConnMetrics records transitions and deliveries.
func WithConnMetrics(metrics *Metrics) ConnOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// NewConnectionManager creates a manager in the Idle state. sink receives
// every inbound message of the current subscription.
func NewConnectionManager(conv ConversationID, source Subscriber, sink func(Message), opts ...ConnOption) *ConnectionManager {
	m := &ConnectionManager{
		conv:   conv,
		source: source,
		sink:   sink,
		logger: slog.Default(),
		state:  StateIdle,
		recon:  newReconnector(DefaultBackoff),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("conversation", conv.String())
	return m
}

// OnStatus registers a listener for every state transition. Listeners run on
// the goroutine that caused the transition, outside the manager's lock.
func (m *ConnectionManager) OnStatus(fn func(ConnStatus)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Status returns the current snapshot.
func (m *ConnectionManager) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// State returns the current state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens the subscription. ctx bounds the manager's lifetime; cancel it
// or call Close to tear down. Start is a no-op while a subscription is active
// or pending. If the first attempt fails with a retryable error the retry is
// already scheduled when Start returns the error.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return newError(KindClosed, "subscribe", m.conv, nil)
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	m.mu.Unlock()
	return m.connect()
}

// Retry restarts a manager that gave up, resetting the attempt budget.
func (m *ConnectionManager) Retry() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return newError(KindClosed, "subscribe", m.conv, nil)
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return nil
	}
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.recon.reset()
	m.mu.Unlock()
	return m.connect()
}

// Close releases the subscription, stops pending retries and drops any event
// delivered afterwards. Close is idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sub := m.sub
	m.sub = nil
	m.gen++
	if m.cancel != nil {
		m.cancel()
	}
	m.lastErr = nil
	st, listeners := m.transitionLocked(StateClosed)
	m.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	notify(listeners, st)
	m.logger.Debug("subscription closed")
	return err
}

func (m *ConnectionManager) connect() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return newError(KindClosed, "subscribe", m.conv, nil)
	}
	old := m.sub
	m.sub = nil
	m.gen++
	gen := m.gen
	ctx := m.ctx
	st, listeners := m.transitionLocked(StateConnecting)
	m.mu.Unlock()

	// the previous feed must be gone before a new one opens
	if old != nil {
		_ = old.Close()
	}
	notify(listeners, st)

	var sub Subscription
	var err error
	if m.limiter != nil {
		err = m.limiter.Wait(ctx)
	}
	if err == nil {
		sub, err = m.source.Subscribe(ctx, m.conv, func(msg Message) { m.deliver(gen, msg) })
	}

	m.mu.Lock()
	if m.state == StateClosed || gen != m.gen {
		m.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return newError(KindClosed, "subscribe", m.conv, nil)
	}
	if err != nil {
		return m.failLocked(gen, err)
	}
	reconnected := m.recon.attempt > 0
	m.sub = sub
	m.recon.reset()
	m.lastErr = nil
	m.lastDelay = 0
	st, listeners = m.transitionLocked(StateConnected)
	m.mu.Unlock()

	notify(listeners, st)
	m.logger.Debug("subscription connected", "reconnected", reconnected)
	go m.watch(gen, sub)
	return nil
}

// watch waits for the feed to end and feeds the failure into the state machine.
func (m *ConnectionManager) watch(gen uint64, sub Subscription) {
	<-sub.Done()
	m.mu.Lock()
	if m.state == StateClosed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.sub = nil
	err := sub.Err()
	if err == nil {
		err = errSubscriptionEnded
	}
	_ = m.failLocked(gen, err)
}

// failLocked moves to Error and schedules a retry when allowed. It must be
// called with m.mu held and releases it.
func (m *ConnectionManager) failLocked(gen uint64, cause error) error {
	if m.ctx != nil && m.ctx.Err() != nil {
		m.mu.Unlock()
		_ = m.Close()
		return newError(KindClosed, "subscribe", m.conv, m.ctx.Err())
	}

	err := classify("subscribe", m.conv, cause)
	if retryable(cause) && !m.recon.shouldReconnect() {
		err = newError(KindConnectivityExhausted, "subscribe", m.conv, cause)
	}
	m.lastErr = err
	m.lastDelay = 0
	errSt, errListeners := m.transitionLocked(StateError)

	if KindOf(err) == KindConnectivityExhausted {
		m.mu.Unlock()
		notify(errListeners, errSt)
		m.logger.Error("giving up on subscription", "attempts", m.recon.policy.MaxAttempts, "error", cause)
		return err
	}
	if !retryable(cause) {
		m.mu.Unlock()
		notify(errListeners, errSt)
		m.logger.Warn("subscription failed", "error", err)
		return err
	}

	delay := m.recon.nextDelay()
	m.lastDelay = delay
	st, listeners := m.transitionLocked(StateReconnecting)
	m.timer = time.AfterFunc(delay, func() { m.retryAfterBackoff(gen) })
	m.mu.Unlock()

	m.metrics.reconnectScheduled()
	notify(errListeners, errSt)
	notify(listeners, st)
	m.logger.Info("subscription lost, retrying", "attempt", st.Attempt, "delay", delay, "error", cause)
	return err
}

func (m *ConnectionManager) retryAfterBackoff(gen uint64) {
	m.mu.Lock()
	if m.state != StateReconnecting || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	_ = m.connect()
}

// deliver forwards an event of subscription gen. Events of superseded or
// closed subscriptions are discarded.
func (m *ConnectionManager) deliver(gen uint64, msg Message) {
	m.mu.Lock()
	live := m.state != StateClosed && gen == m.gen
	m.mu.Unlock()
	if !live {
		m.metrics.inbound(inboundDropped)
		return
	}
	m.sink(msg)
}

func (m *ConnectionManager) transitionLocked(state ConnState) (ConnStatus, []func(ConnStatus)) {
	m.state = state
	m.metrics.transition(state)
	return m.statusLocked(), append([]func(ConnStatus){}, m.listeners...)
}

func (m *ConnectionManager) statusLocked() ConnStatus {
	return ConnStatus{
		Conversation: m.conv,
		State:        m.state,
		Attempt:      m.recon.attempt,
		Delay:        m.lastDelay,
		Err:          m.lastErr,
	}
}

func notify(listeners []func(ConnStatus), st ConnStatus) {
	for _, fn := range listeners {
		fn(st)
	}
}
