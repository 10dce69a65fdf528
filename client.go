// Package reqsync keeps the per-requirement chat of a requirement-tracking
// portal in sync: paginated history, one live subscription per conversation,
// optimistic sends and a per-conversation unread ledger.
//
// Example:
//
//	store := reqsync.NewRemoteStore(token, reqsync.WithBaseURL("https://portal.example.com"))
//	hub := reqsync.NewHub(store,
//		reqsync.WithAuthenticator(store),
//		reqsync.WithAttachmentUploader(store),
//	)
//	defer hub.Close()
//
//	conv, _ := hub.Open(ctx, reqsync.ConversationID("req-42"))
//	defer hub.Release(conv.ID())
//	_ = hub.SetActive(ctx, conv.ID())
//	conv.Send(ctx, "Looks good, shipping today", nil)
package reqsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultBaseURL   = "http://localhost:8080"
	DefaultTimeout   = 30 * time.Second
	DefaultHeartbeat = 25 * time.Second
)

// Transport selects how RemoteStore receives live events.
type Transport string

const (
	TransportWebSocket Transport = "ws"
	TransportSSE       Transport = "sse"
)

// ============================================================================
// RemoteStore
// ============================================================================

// RemoteStore is a DurableStore backed by the portal gateway's HTTP API. It
// also implements ReadMarker, AttachmentUploader and Authenticator.
type RemoteStore struct {
	baseURL    string
	httpClient *http.Client
	streamHTTP *http.Client
	transport  Transport
	heartbeat  time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// ClientOption configures a RemoteStore.
type ClientOption func(*RemoteStore)

func WithBaseURL(u string) ClientOption {
	return func(c *RemoteStore) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *RemoteStore) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the client used for requests and streams. Streams
// ignore its Timeout.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *RemoteStore) {
		c.httpClient = client
		stream := *client
		stream.Timeout = 0
		c.streamHTTP = &stream
	}
}

// WithTransport selects WebSocket (default) or SSE for live events.
func WithTransport(t Transport) ClientOption {
	return func(c *RemoteStore) { c.transport = t }
}

// WithHeartbeatInterval sets the WebSocket ping interval. SSE streams are
// considered dead after three intervals without data.
func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *RemoteStore) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *RemoteStore) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRemoteStore creates a gateway client authenticated with token.
func NewRemoteStore(token string, opts ...ClientOption) *RemoteStore {
	c := &RemoteStore{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		streamHTTP: &http.Client{},
		transport:  TransportWebSocket,
		heartbeat:  DefaultHeartbeat,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *RemoteStore) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *RemoteStore) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *RemoteStore) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: method + " " + path, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	return decodeResponse(method+" "+path, resp)
}

func (c *RemoteStore) setAuthHeaders(req *http.Request) {
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// decodeResponse reads the envelope and maps failures onto error kinds.
func decodeResponse(op string, resp *http.Response) (*APIResult, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	var result APIResult
	if jsonErr := json.Unmarshal(data, &result); jsonErr != nil {
		result = APIResult{Error: &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(data))}}
	}
	if resp.StatusCode < 300 && result.OK {
		return &result, nil
	}
	cause := error(result.Error)
	if result.Error == nil {
		cause = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil, &Error{Kind: statusKind(resp.StatusCode), Op: op, Err: cause}
}

func statusKind(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized
	case code == http.StatusTooManyRequests || code >= 500:
		return KindNetwork
	case code >= 400:
		return KindInvalidInput
	}
	return KindNetwork
}

func decodeJSON[T any](result *APIResult) (*T, error) {
	var v T
	if err := result.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &v, nil
}

func conversationPath(conv ConversationID) string {
	return "/api/conversations/" + url.PathEscape(conv.PathSegment())
}

// ============================================================================
// DurableStore
// ============================================================================

// Query returns a history page, newest first.
func (c *RemoteStore) Query(ctx context.Context, conv ConversationID, offset, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	res, err := c.doRequest(ctx, http.MethodGet, conversationPath(conv)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](res)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// ListAttachments returns the attachments of messageIDs keyed by message id.
func (c *RemoteStore) ListAttachments(ctx context.Context, messageIDs []string) (map[string][]Attachment, error) {
	out := make(map[string][]Attachment)
	if len(messageIDs) == 0 {
		return out, nil
	}
	q := url.Values{"messageId": messageIDs}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/attachments", nil, q)
	if err != nil {
		return nil, err
	}
	atts, err := decodeJSON[[]Attachment](res)
	if err != nil {
		return nil, err
	}
	for _, a := range *atts {
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, nil
}

type insertMessageRequest struct {
	Content string `json:"content"`
}

// Insert posts a message. The gateway takes the sender from the token.
func (c *RemoteStore) Insert(ctx context.Context, draft Message) (*Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, conversationPath(draft.ConversationID)+"/messages",
		insertMessageRequest{Content: draft.Content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](res)
}

// InsertAttachment links an uploaded file to a durable message.
func (c *RemoteStore) InsertAttachment(ctx context.Context, att Attachment) (*Attachment, error) {
	if att.MessageID == "" {
		return nil, errors.New("attachment has no message id")
	}
	res, err := c.doRequest(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(att.MessageID)+"/attachments", att, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Attachment](res)
}

// UnreadCounts returns the token holder's unread counts. actorID must match
// the token's subject; the gateway never reports another actor's ledger.
func (c *RemoteStore) UnreadCounts(ctx context.Context, actorID string) ([]UnreadCount, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]UnreadCount](res)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// MarkRead records that the token holder has read conv.
func (c *RemoteStore) MarkRead(ctx context.Context, actorID string, conv ConversationID) error {
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conv)+"/read", nil, nil)
	return err
}

// Health checks the gateway.
func (c *RemoteStore) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}

// ============================================================================
// Authenticator
// ============================================================================

// Claims is the gateway token payload.
type Claims struct {
	Operator bool `json:"operator"`
	jwt.RegisteredClaims
}

// Actor reads the local actor from the token. The signature is not checked
// here; the gateway verifies it on every request.
func (c *RemoteStore) Actor(ctx context.Context) (Actor, error) {
	token := c.currentToken()
	if token == "" {
		return Actor{}, newError(KindUnauthorized, "resolve actor", General, errors.New("no token"))
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Actor{}, newError(KindUnauthorized, "resolve actor", General, err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return Actor{}, newError(KindUnauthorized, "resolve actor", General, errors.New("token expired"))
	}
	if claims.Subject == "" {
		return Actor{}, newError(KindUnauthorized, "resolve actor", General, errors.New("token has no subject"))
	}
	return Actor{ID: claims.Subject, IsOperator: claims.Operator}, nil
}
