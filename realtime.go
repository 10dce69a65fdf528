package reqsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

const (
	EventAuthenticated = "authenticated"
	EventMessageNew    = "message.new"
	EventError         = "error"
)

// AuthenticatedPayload is the first frame of every live stream.
type AuthenticatedPayload struct {
	ActorID      string         `json:"actorId"`
	IsOperator   bool           `json:"isOperator"`
	Conversation ConversationID `json:"conversationId"`
}

// RealtimeErrorPayload is sent when the gateway aborts a stream.
type RealtimeErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all live events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes payload under type t.
func NewEnvelope(t string, payload interface{}) (RealtimeEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return RealtimeEnvelope{}, err
	}
	return RealtimeEnvelope{Type: t, Payload: raw}, nil
}

// ============================================================================
// stream: the Subscription shared by both transports
// ============================================================================

type stream struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex
	err    error
	closer func() error
}

func newStream(cancel context.CancelFunc) *stream {
	return &stream{done: make(chan struct{}), cancel: cancel}
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish ends the stream with err. Only the first call counts.
func (s *stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	})
}

func (s *stream) Close() error {
	s.finish(nil)
	s.mu.Lock()
	closer := s.closer
	s.closer = nil
	s.mu.Unlock()
	if closer != nil {
		return closer()
	}
	return nil
}

// dispatch decodes one envelope and forwards inserts for conv. It returns a
// non-nil error when the gateway aborted the stream.
func dispatch(env RealtimeEnvelope, conv ConversationID, onInsert func(Message)) error {
	switch env.Type {
	case EventMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil || m.ID == "" {
			return nil
		}
		if m.ConversationID == conv {
			onInsert(m)
		}
	case EventError:
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		kind := KindNetwork
		if p.Code == string(KindUnauthorized) {
			kind = KindUnauthorized
		}
		return &Error{Kind: kind, Op: "stream", Conversation: conv, Err: errors.New(p.Message)}
	}
	return nil
}

// Subscribe implements Subscriber over the configured transport.
func (c *RemoteStore) Subscribe(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error) {
	if c.transport == TransportSSE {
		return c.subscribeSSE(ctx, conv, onInsert)
	}
	return c.subscribeWS(ctx, conv, onInsert)
}

func (c *RemoteStore) streamURL(path string, conv ConversationID) string {
	q := url.Values{}
	q.Set("token", c.currentToken())
	q.Set("conversation", conv.PathSegment())
	return c.baseURL + path + "?" + q.Encode()
}

// WSURL returns the WebSocket URL of conv.
func (c *RemoteStore) WSURL(conv ConversationID) string {
	u := c.streamURL("/ws", conv)
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// SSEURL returns the SSE URL of conv.
func (c *RemoteStore) SSEURL(conv ConversationID) string {
	return c.streamURL("/sse", conv)
}

// ============================================================================
// WebSocket
// ============================================================================

func (c *RemoteStore) subscribeWS(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error) {
	connCtx, cancel := context.WithCancel(ctx)

	conn, resp, err := websocket.Dial(connCtx, c.WSURL(conv), &websocket.DialOptions{HTTPClient: c.streamHTTP})
	if err != nil {
		cancel()
		kind := KindNetwork
		if resp != nil {
			kind = statusKind(resp.StatusCode)
		}
		return nil, &Error{Kind: kind, Op: "websocket dial", Conversation: conv, Err: err}
	}

	// first frame must be "authenticated"
	_, data, err := conn.Read(connCtx)
	if err != nil {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &Error{Kind: KindNetwork, Op: "read auth frame", Conversation: conv, Err: err}
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		cancel()
		conn.Close(websocket.StatusPolicyViolation, "")
		if env.Type == EventError {
			return nil, dispatch(env, conv, onInsert)
		}
		return nil, &Error{Kind: KindUnauthorized, Op: "read auth frame", Conversation: conv,
			Err: fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)}
	}

	s := newStream(cancel)
	s.closer = func() error { return conn.Close(websocket.StatusNormalClosure, "client disconnect") }

	c.logger.Debug("websocket subscribed", "conversation", conv.String())
	go c.wsReadLoop(connCtx, s, conn, conv, onInsert)
	go c.wsHeartbeatLoop(connCtx, s, conn)
	return s, nil
}

func (c *RemoteStore) wsReadLoop(ctx context.Context, s *stream, conn *websocket.Conn, conv ConversationID, onInsert func(Message)) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil && websocket.CloseStatus(err) == -1 {
				s.finish(ctx.Err())
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				s.finish(&Error{Kind: KindUnauthorized, Op: "stream", Conversation: conv, Err: err})
				return
			}
			s.finish(err)
			return
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if err := dispatch(env, conv, onInsert); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			s.finish(err)
			return
		}
	}
}

func (c *RemoteStore) wsHeartbeatLoop(ctx context.Context, s *stream, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// heartbeat failed, force close
				c.logger.Warn("websocket heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				s.finish(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// ============================================================================
// SSE
// ============================================================================

func (c *RemoteStore) subscribeSSE(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error) {
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.SSEURL(conv), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindNetwork, Op: "sse connect", Conversation: conv, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &Error{Kind: statusKind(resp.StatusCode), Op: "sse connect", Conversation: conv,
			Err: fmt.Errorf("SSE HTTP %d", resp.StatusCode)}
	}

	s := newStream(cancel)
	s.closer = resp.Body.Close
	lastData := make(chan struct{}, 1)

	c.logger.Debug("sse subscribed", "conversation", conv.String())
	go c.sseReadLoop(connCtx, s, resp, conv, onInsert, lastData)
	go c.sseWatchdog(connCtx, s, lastData)
	return s, nil
}

func (c *RemoteStore) sseReadLoop(ctx context.Context, s *stream, resp *http.Response, conv ConversationID, onInsert func(Message), alive chan<- struct{}) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case alive <- struct{}{}:
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env RealtimeEnvelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		if err := dispatch(env, conv, onInsert); err != nil {
			s.finish(err)
			return
		}
	}
	if ctx.Err() != nil {
		s.finish(ctx.Err())
		return
	}
	if err := scanner.Err(); err != nil {
		s.finish(err)
		return
	}
	s.finish(errors.New("stream ended"))
}

// sseWatchdog ends the stream after three heartbeat intervals without data.
func (c *RemoteStore) sseWatchdog(ctx context.Context, s *stream, alive <-chan struct{}) {
	limit := 3 * c.heartbeat
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-alive:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(limit)
		case <-timer.C:
			c.logger.Warn("sse stream silent, dropping", "limit", limit)
			s.finish(fmt.Errorf("no data for %s", limit))
			return
		}
	}
}
