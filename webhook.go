package reqsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	WebhookSource          = "reqsync"
	WebhookSignatureHeader = "X-Reqsync-Signature"
	maxWebhookBody         = 1 << 20
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body the gateway POSTs to webhook endpoints.
type WebhookPayload struct {
	Source    string  `json:"source"`
	Event     string  `json:"event"`
	Timestamp int64   `json:"timestamp"`
	Message   Message `json:"message"`
}

// NewWebhookPayload wraps an inserted message.
func NewWebhookPayload(m Message, at time.Time) WebhookPayload {
	return WebhookPayload{Source: WebhookSource, Event: EventMessageNew, Timestamp: at.Unix(), Message: m}
}

// WebhookHandlerFunc is called for every verified payload.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses and validates a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Message.ID == "" || payload.Message.SenderID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (message id, sender)")
	}
	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver verifies webhook pushes and republishes their messages as
// live subscriptions, so a deployment without WebSocket access can still feed
// a Hub (WithLiveSource).
type WebhookReceiver struct {
	secret    string
	onMessage WebhookHandlerFunc

	mu   sync.Mutex
	subs map[ConversationID]map[*stream]func(Message)
}

// NewWebhookReceiver creates a receiver. onMessage may be nil.
func NewWebhookReceiver(secret string, onMessage WebhookHandlerFunc) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{
		secret:    secret,
		onMessage: onMessage,
		subs:      make(map[ConversationID]map[*stream]func(Message)),
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if w.onMessage != nil {
		if err := w.onMessage(payload); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}
	if payload.Event == EventMessageNew {
		w.publish(payload.Message)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
	writeJSON(rw, statusCode, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// Subscribe implements Subscriber. Deliveries happen on the goroutine serving
// the webhook request.
func (w *WebhookReceiver) Subscribe(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)

	var mu sync.Mutex
	deliver := func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case <-s.Done():
			return
		default:
		}
		onInsert(m)
	}

	w.mu.Lock()
	if w.subs[conv] == nil {
		w.subs[conv] = make(map[*stream]func(Message))
	}
	w.subs[conv][s] = deliver
	w.mu.Unlock()

	go func() {
		<-subCtx.Done()
		s.finish(subCtx.Err())
		w.mu.Lock()
		delete(w.subs[conv], s)
		if len(w.subs[conv]) == 0 {
			delete(w.subs, conv)
		}
		w.mu.Unlock()
	}()
	return s, nil
}

func (w *WebhookReceiver) publish(m Message) {
	w.mu.Lock()
	targets := make([]func(Message), 0, len(w.subs[m.ConversationID]))
	for _, fn := range w.subs[m.ConversationID] {
		targets = append(targets, fn)
	}
	w.mu.Unlock()
	for _, fn := range targets {
		fn(m.Clone())
	}
}
