package reqsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var fastBackoff = Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3}

// fakeSub is a Subscription driven by the test.
type fakeSub struct {
	onInsert func(Message)
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	closed   bool
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.end(nil)
	return nil
}

func (s *fakeSub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeSubscriber fails with the queued errors, then hands out fakeSubs.
type fakeSubscriber struct {
	mu    sync.Mutex
	fails []error
	subs  []*fakeSub
	calls int
}

func (f *fakeSubscriber) failNext(errs ...error) {
	f.mu.Lock()
	f.fails = append(f.fails, errs...)
	f.mu.Unlock()
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return nil, err
	}
	s := &fakeSub{onInsert: onInsert, done: make(chan struct{})}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSubscriber) count() (calls, subs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.subs)
}

// statusLog records every transition a manager reports.
type statusLog struct {
	mu     sync.Mutex
	states []ConnState
}

func (l *statusLog) record(st ConnStatus) {
	l.mu.Lock()
	l.states = append(l.states, st.State)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnState(nil), l.states...)
}

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (b *inbox) add(m Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func newTestManager(src Subscriber, opts ...ConnOption) (*ConnectionManager, *inbox, *statusLog) {
	box := &inbox{}
	log := &statusLog{}
	opts = append([]ConnOption{WithConnBackoff(fastBackoff)}, opts...)
	m := NewConnectionManager("req-1", src, box.add, opts...)
	m.OnStatus(log.record)
	return m, box, log
}

func waitState(t *testing.T, m *ConnectionManager, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"state stayed %s, want %s", m.State(), want)
}

func TestConnectDelivers(t *testing.T) {
	src := &fakeSubscriber{}
	m, box, log := newTestManager(src)
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, StateConnected, m.State())
	require.Equal(t, []ConnState{StateConnecting, StateConnected}, log.snapshot())

	src.last().onInsert(msgAt("m1", "req-1", 1))
	require.Equal(t, 1, box.len())

	// a second Start while connected is a no-op
	require.NoError(t, m.Start(context.Background()))
	calls, _ := src.count()
	require.Equal(t, 1, calls)
}

func TestReconnectAfterDrop(t *testing.T) {
	src := &fakeSubscriber{}
	m, box, log := newTestManager(src)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	first := src.last()
	first.end(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		_, n := src.count()
		return n == 2 && m.State() == StateConnected
	}, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 6 }, time.Second, time.Millisecond)
	states := log.snapshot()
	require.Equal(t, []ConnState{StateConnecting, StateConnected}, states[:2])
	require.Contains(t, states, StateError)
	require.Contains(t, states, StateReconnecting)
	require.Zero(t, m.Status().Attempt)
	require.NoError(t, m.Status().Err)

	// the superseded feed cannot deliver
	first.onInsert(msgAt("stale", "req-1", 1))
	require.Zero(t, box.len())
	src.last().onInsert(msgAt("m1", "req-1", 1))
	require.Equal(t, 1, box.len())
}

func TestStartFailureSchedulesRetry(t *testing.T) {
	src := &fakeSubscriber{}
	src.failNext(errors.New("dial tcp: refused"))
	m, _, _ := newTestManager(src)
	defer m.Close()

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	waitState(t, m, StateConnected)
}

func TestExhaustion(t *testing.T) {
	src := &fakeSubscriber{}
	netErr := errors.New("unreachable")
	src.failNext(netErr, netErr, netErr, netErr)
	m, _, log := newTestManager(src)
	defer m.Close()

	_ = m.Start(context.Background())
	waitState(t, m, StateError)
	require.Eventually(t, func() bool {
		return errors.Is(m.Status().Err, ErrConnectivityExhausted)
	}, 2*time.Second, time.Millisecond)

	calls, _ := src.count()
	require.Equal(t, 1+fastBackoff.MaxAttempts, calls)
	states := log.snapshot()
	require.Equal(t, StateError, states[len(states)-1])

	// Retry resets the budget
	require.NoError(t, m.Retry())
	require.Equal(t, StateConnected, m.State())
	require.Zero(t, m.Status().Attempt)
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	src := &fakeSubscriber{}
	src.failNext(newError(KindUnauthorized, "dial", "req-1", errors.New("401")))
	m, _, _ := newTestManager(src)
	defer m.Close()

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, StateError, m.State())
	require.ErrorIs(t, m.Status().Err, ErrUnauthorized)

	time.Sleep(20 * time.Millisecond)
	calls, _ := src.count()
	require.Equal(t, 1, calls)
}

func TestCloseDropsLateEvents(t *testing.T) {
	src := &fakeSubscriber{}
	m, box, _ := newTestManager(src)
	require.NoError(t, m.Start(context.Background()))
	sub := src.last()

	require.NoError(t, m.Close())
	require.Equal(t, StateClosed, m.State())
	require.True(t, sub.isClosed())

	sub.onInsert(msgAt("late", "req-1", 1))
	require.Zero(t, box.len())

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Start(context.Background()), ErrClosed)
	require.ErrorIs(t, m.Retry(), ErrClosed)
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	src := &fakeSubscriber{}
	src.failNext(errors.New("down"))
	m := NewConnectionManager("req-1", src, func(Message) {},
		WithConnBackoff(Backoff{Base: 50 * time.Millisecond, Max: time.Second, MaxAttempts: 3}))

	_ = m.Start(context.Background())
	require.Equal(t, StateReconnecting, m.State())
	require.Equal(t, 50*time.Millisecond, m.Status().Delay)
	require.NoError(t, m.Close())

	time.Sleep(100 * time.Millisecond)
	calls, _ := src.count()
	require.Equal(t, 1, calls)
	require.Equal(t, StateClosed, m.State())
}

func TestContextCancelCloses(t *testing.T) {
	src := &fakeSubscriber{}
	m, _, _ := newTestManager(src)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	cancel()
	src.last().end(context.Canceled)
	waitState(t, m, StateClosed)
}

func TestSharedLimiterGatesAttempts(t *testing.T) {
	src := &fakeSubscriber{}
	lim := rate.NewLimiter(rate.Inf, 1)
	m, _, _ := newTestManager(src, WithConnLimiter(lim))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, StateConnected, m.State())
}
