package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/reqdesk/reqsync"
)

const (
	subscriberBuffer = 256
	listenerPing     = 90 * time.Second
)

var errListenerLost = &reqsync.Error{Kind: reqsync.KindNetwork, Op: "listen", Err: errors.New("notification connection lost")}

// notification is the NOTIFY payload. Bodies are fetched by id because NOTIFY
// payloads are capped at 8000 bytes.
type notification struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

func encodeNotification(m reqsync.Message) (string, error) {
	b, err := json.Marshal(notification{ID: m.ID, ConversationID: string(m.ConversationID)})
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	return string(b), nil
}

func decodeNotification(extra string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	if n.ID == "" {
		return n, errors.New("decode notification: missing id")
	}
	return n, nil
}

// Subscribe delivers every later insert into conv. When the listener
// connection drops, every subscription ends with a network error so callers
// reconnect and catch up on what they missed.
func (s *Store) Subscribe(ctx context.Context, conv reqsync.ConversationID, onInsert func(reqsync.Message)) (reqsync.Subscription, error) {
	if err := s.ensureListener(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		done:   make(chan struct{}),
		cancel: cancel,
		ch:     make(chan reqsync.Message, subscriberBuffer),
	}
	sub.release = func() { s.unsubscribe(conv, sub) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, reqsync.ErrClosed
	}
	if s.subs[conv] == nil {
		s.subs[conv] = make(map[*subscription]struct{})
	}
	s.subs[conv][sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(subCtx, onInsert)
	return sub, nil
}

func (s *Store) ensureListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reqsync.ErrClosed
	}
	if s.listener != nil {
		return nil
	}
	if s.dsn == "" {
		return &reqsync.Error{Kind: reqsync.KindInvalidInput, Op: "listen", Err: errors.New("no DSN for the listener connection")}
	}
	l := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, s.listenerEvent)
	if err := l.Listen(s.channel); err != nil {
		l.Close()
		return &reqsync.Error{Kind: reqsync.KindNetwork, Op: "listen", Err: err}
	}
	s.listener = l
	s.stop = make(chan struct{})
	go s.listen(l, s.stop)
	return nil
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.logger.Warn("notification listener disconnected", "error", err)
		s.failAll(errListenerLost)
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("notification listener reconnect failed", "error", err)
	case pq.ListenerEventReconnected:
		s.logger.Info("notification listener reconnected")
	}
}

func (s *Store) listen(l *pq.Listener, stop <-chan struct{}) {
	ping := time.NewTicker(listenerPing)
	defer ping.Stop()
	for {
		select {
		case <-stop:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// nil after a reconnect: notifications may have been lost
				s.failAll(errListenerLost)
				continue
			}
			s.handleNotification(n.Extra)
		case <-ping.C:
			go func() { _ = l.Ping() }()
		}
	}
}

func (s *Store) handleNotification(extra string) {
	n, err := decodeNotification(extra)
	if err != nil {
		s.logger.Warn("bad notification", "error", err)
		return
	}
	conv := reqsync.ConversationID(n.ConversationID)

	s.mu.Lock()
	targets := make([]*subscription, 0, len(s.subs[conv]))
	for sub := range s.subs[conv] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := s.Get(ctx, n.ID)
	if err != nil {
		s.logger.Warn("fetch notified message", "id", n.ID, "error", err)
		return
	}
	for _, sub := range targets {
		sub.push(*m)
	}
}

func (s *Store) failAll(err error) {
	s.mu.Lock()
	subs := s.takeAllLocked()
	s.mu.Unlock()
	for _, sub := range subs {
		sub.finish(err)
	}
}

func (s *Store) takeAllLocked() []*subscription {
	var out []*subscription
	for conv, set := range s.subs {
		for sub := range set {
			out = append(out, sub)
		}
		delete(s.subs, conv)
	}
	return out
}

func (s *Store) unsubscribe(conv reqsync.ConversationID, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[conv]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, conv)
		}
	}
}
