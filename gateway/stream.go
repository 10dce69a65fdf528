package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/reqdesk/reqsync"
)

const (
	streamBuffer = 256
	writeTimeout = 10 * time.Second
)

func (s *Server) heartbeat() time.Duration {
	if d := s.cfg.Server.Heartbeat.Std(); d > 0 {
		return d
	}
	return 25 * time.Second
}

func envelope(t string, payload interface{}) []byte {
	env, err := reqsync.NewEnvelope(t, payload)
	if err != nil {
		return nil
	}
	b, _ := json.Marshal(env)
	return b
}

func authenticatedFrame(actor reqsync.Actor, conv reqsync.ConversationID) []byte {
	return envelope(reqsync.EventAuthenticated, reqsync.AuthenticatedPayload{
		ActorID: actor.ID, IsOperator: actor.IsOperator, Conversation: conv,
	})
}

func errorFrame(err error) []byte {
	code := reqsync.KindOf(err)
	if code == "" {
		code = reqsync.KindNetwork
	}
	return envelope(reqsync.EventError, reqsync.RealtimeErrorPayload{Code: string(code), Message: err.Error()})
}

// subscribeFeed subscribes to conv and funnels inserts into a channel so a
// single goroutine owns the connection's writes.
func (s *Server) subscribeFeed(ctx context.Context, conv reqsync.ConversationID) (reqsync.Subscription, <-chan reqsync.Message, error) {
	feed := make(chan reqsync.Message, streamBuffer)
	overflow := make(chan struct{})
	sub, err := s.store.Subscribe(ctx, conv, func(m reqsync.Message) {
		select {
		case feed <- m:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	go func() {
		select {
		case <-overflow:
			s.logger.Warn("stream client too slow, dropping", "conversation", conv.String())
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, feed, nil
}

// ── WebSocket ────────────────────────────────────────────

func (s *Server) serveWS(c *gin.Context) {
	actor := actorFrom(c)
	conv := reqsync.ParseConversationID(c.Query("conversation"))

	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.Server.AllowedOrigins}
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// clients only send control frames
	ctx := conn.CloseRead(c.Request.Context())

	sub, feed, err := s.subscribeFeed(ctx, conv)
	if err != nil {
		s.wsWrite(ctx, conn, errorFrame(err))
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer sub.Close()

	if err := s.wsWrite(ctx, conn, authenticatedFrame(actor, conv)); err != nil {
		return
	}
	s.metrics.streamOpened("ws")
	defer s.metrics.streamClosed("ws")
	s.logger.Debug("websocket open", "actor", actor.ID, "conversation", conv.String())

	ping := time.NewTicker(s.heartbeat())
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				s.wsWrite(context.Background(), conn, errorFrame(err))
			}
			conn.Close(websocket.StatusTryAgainLater, "feed ended")
			return
		case m := <-feed:
			if err := s.wsWrite(ctx, conn, envelope(reqsync.EventMessageNew, m)); err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) wsWrite(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ── SSE ──────────────────────────────────────────────────

func (s *Server) serveSSE(c *gin.Context) {
	actor := actorFrom(c)
	conv := reqsync.ParseConversationID(c.Query("conversation"))
	ctx := c.Request.Context()

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		abort(c, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "streaming unsupported")
		return
	}
	sub, feed, err := s.subscribeFeed(ctx, conv)
	if err != nil {
		s.fail(c, "subscribe", err)
		return
	}
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	write := func(line string) bool {
		if _, err := fmt.Fprint(c.Writer, line); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !write("data: " + string(authenticatedFrame(actor, conv)) + "\n\n") {
		return
	}
	s.metrics.streamOpened("sse")
	defer s.metrics.streamClosed("sse")

	beat := time.NewTicker(s.heartbeat())
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				write("data: " + string(errorFrame(err)) + "\n\n")
			}
			return
		case m := <-feed:
			if !write("data: " + string(envelope(reqsync.EventMessageNew, m)) + "\n\n") {
				return
			}
		case <-beat.C:
			if !write(": ping\n\n") {
				return
			}
		}
	}
}
