package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqsync"
)

const testSecret = "gateway-test-secret"

var (
	customer = reqsync.Actor{ID: "cust-1"}
	operator = reqsync.Actor{ID: "op-1", IsOperator: true}
)

type testGateway struct {
	store  *reqsync.MemoryStore
	server *Server
	http   *httptest.Server
}

func newTestGateway(t *testing.T, mutate ...func(*Config)) *testGateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Uploads.Dir = t.TempDir()
	cfg.Server.Heartbeat = Duration(time.Second)
	for _, m := range mutate {
		m(cfg)
	}
	store := reqsync.NewMemoryStore()
	srv := New(store, cfg, WithRegistry(prometheus.NewRegistry()))
	ts := httptest.NewServer(srv.Handler())
	cfg.Uploads.PublicURL = ts.URL
	srv.files.publicURL = ts.URL
	t.Cleanup(ts.Close)
	return &testGateway{store: store, server: srv, http: ts}
}

func (g *testGateway) token(t *testing.T, actor reqsync.Actor) string {
	t.Helper()
	tok, err := IssueToken(testSecret, actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func (g *testGateway) client(t *testing.T, actor reqsync.Actor, opts ...reqsync.ClientOption) *reqsync.RemoteStore {
	opts = append([]reqsync.ClientOption{reqsync.WithBaseURL(g.http.URL)}, opts...)
	return reqsync.NewRemoteStore(g.token(t, actor), opts...)
}

func (g *testGateway) do(t *testing.T, method, path, token string, body io.Reader) (*http.Response, reqsync.APIResult) {
	t.Helper()
	req, err := http.NewRequest(method, g.http.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res reqsync.APIResult
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &res)
	return resp, res
}

func TestAuthRequired(t *testing.T) {
	g := newTestGateway(t)

	resp, res := g.do(t, http.MethodGet, "/api/unread", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.False(t, res.OK)
	require.Equal(t, string(reqsync.KindUnauthorized), res.Error.Code)

	bad, err := IssueToken("other-secret", customer, time.Hour)
	require.NoError(t, err)
	resp, _ = g.do(t, http.MethodGet, "/api/unread", bad, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(testSecret, customer, -time.Hour)
	require.NoError(t, err)
	resp, _ = g.do(t, http.MethodGet, "/api/unread", expired, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = g.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(testSecret, operator, time.Minute)
	require.NoError(t, err)
	actor, err := ParseToken(testSecret, tok, 0)
	require.NoError(t, err)
	require.Equal(t, operator, actor)

	_, err = IssueToken(testSecret, reqsync.Actor{}, time.Minute)
	require.Error(t, err)

	// the client reads the same claims without the secret
	got, err := reqsync.NewRemoteStore(tok).Actor(context.Background())
	require.NoError(t, err)
	require.Equal(t, operator, got)
}

func TestHistorySendAndUnread(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cust := g.client(t, customer)
	op := g.client(t, operator)
	conv := reqsync.ConversationID("req-7")

	for _, text := range []string{"one", "two", "three"} {
		m, err := cust.Insert(ctx, reqsync.Message{ConversationID: conv, Content: text})
		require.NoError(t, err)
		require.Equal(t, customer.ID, m.SenderID)
		require.Equal(t, conv, m.ConversationID)
		require.False(t, reqsync.IsProvisionalID(m.ID))
	}
	_, err := cust.Insert(ctx, reqsync.Message{ConversationID: reqsync.General, Content: "hello all"})
	require.NoError(t, err)

	page, err := op.Query(ctx, conv, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "three", page[0].Content)
	require.Equal(t, "two", page[1].Content)

	page, err = op.Query(ctx, conv, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "one", page[0].Content)

	general, err := op.Query(ctx, reqsync.General, 0, 10)
	require.NoError(t, err)
	require.Len(t, general, 1)
	require.True(t, general[0].ConversationID.IsGeneral())

	counts, err := op.UnreadCounts(ctx, operator.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []reqsync.UnreadCount{
		{ConversationID: conv, Count: 3},
		{ConversationID: reqsync.General, Count: 1},
	}, counts)

	// own messages never count
	counts, err = cust.UnreadCounts(ctx, customer.ID)
	require.NoError(t, err)
	require.Empty(t, counts)

	require.NoError(t, op.MarkRead(ctx, operator.ID, conv))
	counts, err = op.UnreadCounts(ctx, operator.ID)
	require.NoError(t, err)
	require.Equal(t, []reqsync.UnreadCount{{ConversationID: reqsync.General, Count: 1}}, counts)
}

func TestPostMessageValidation(t *testing.T) {
	g := newTestGateway(t)
	tok := g.token(t, customer)

	resp, res := g.do(t, http.MethodPost, "/api/conversations/req-1/messages", tok, strings.NewReader(`{"content":"   "}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(reqsync.KindInvalidInput), res.Error.Code)

	resp, _ = g.do(t, http.MethodPost, "/api/conversations/req-1/messages", tok, strings.NewReader(`not json`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = g.do(t, http.MethodGet, "/api/conversations/req-1/messages?limit=0", tok, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// an oversized page is refused rather than silently shortened
	resp, res = g.do(t, http.MethodGet, "/api/conversations/req-1/messages?limit=201", tok, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(reqsync.KindInvalidInput), res.Error.Code)
	resp, _ = g.do(t, http.MethodGet, "/api/conversations/req-1/messages?limit=200", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// client sees INVALID_INPUT, not a retryable network error
	_, err := g.client(t, customer).Insert(context.Background(), reqsync.Message{ConversationID: "req-1", Content: " "})
	require.ErrorIs(t, err, reqsync.ErrInvalidInput)
}

func TestRateLimit(t *testing.T) {
	g := newTestGateway(t, func(c *Config) {
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 2
	})
	tok := g.token(t, customer)
	for i := 0; i < 2; i++ {
		resp, _ := g.do(t, http.MethodPost, "/api/conversations/req-1/messages", tok, strings.NewReader(`{"content":"hi"}`))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, res := g.do(t, http.MethodPost, "/api/conversations/req-1/messages", tok, strings.NewReader(`{"content":"hi"}`))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "RATE_LIMITED", res.Error.Code)

	// other actors have their own budget
	resp, _ = g.do(t, http.MethodPost, "/api/conversations/req-1/messages", g.token(t, operator), strings.NewReader(`{"content":"hi"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUploadAndAttach(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cust := g.client(t, customer)

	msg, err := cust.Insert(ctx, reqsync.Message{ConversationID: "req-3", Content: "see file"})
	require.NoError(t, err)

	var mu sync.Mutex
	var progress []int
	up, err := cust.Upload(ctx, reqsync.NewFileFromBytes("notes.txt", "", []byte("acceptance criteria")), func(pct int, _ string) {
		mu.Lock()
		progress = append(progress, pct)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, "notes.txt", up.Name)
	require.Equal(t, int64(len("acceptance criteria")), up.Size)
	require.Equal(t, "text/plain", up.MimeType)
	require.True(t, strings.HasPrefix(up.URL, g.http.URL+"/files/"))
	mu.Lock()
	require.Equal(t, 0, progress[0])
	require.Equal(t, 100, progress[len(progress)-1])
	mu.Unlock()

	resp, err := http.Get(up.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "acceptance criteria", string(body))

	att, err := cust.InsertAttachment(ctx, reqsync.Attachment{
		MessageID: msg.ID, URL: up.URL, Name: up.Name, Size: up.Size, MimeType: up.MimeType,
	})
	require.NoError(t, err)
	require.NotEmpty(t, att.ID)
	require.Equal(t, msg.ID, att.MessageID)

	byMsg, err := cust.ListAttachments(ctx, []string{msg.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, byMsg[msg.ID], 1)
	require.Empty(t, byMsg["missing"])

	_, err = cust.InsertAttachment(ctx, reqsync.Attachment{MessageID: "nope", URL: up.URL, Name: "x"})
	require.ErrorIs(t, err, reqsync.ErrInvalidInput)
}

func TestUploadRejectsOversize(t *testing.T) {
	g := newTestGateway(t, func(c *Config) { c.Uploads.MaxBytes = 8 })

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	_, _ = part.Write(bytes.Repeat([]byte("x"), 64))
	require.NoError(t, w.Close())

	req, _ := http.NewRequest(http.MethodPost, g.http.URL+"/api/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+g.token(t, customer))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := os.ReadDir(g.server.cfg.Uploads.Dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestServeFileRejectsTraversal(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(g.server.cfg.Uploads.Dir, "secret"), []byte("x"), 0o600))

	resp, err := http.Get(g.http.URL + "/files/not-a-uuid/secret")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveDelivery(t *testing.T) {
	for _, transport := range []reqsync.Transport{reqsync.TransportWebSocket, reqsync.TransportSSE} {
		t.Run(string(transport), func(t *testing.T) {
			g := newTestGateway(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			conv := reqsync.ConversationID("req-live")

			op := g.client(t, operator, reqsync.WithTransport(transport))
			got := make(chan reqsync.Message, 4)
			sub, err := op.Subscribe(ctx, conv, func(m reqsync.Message) { got <- m })
			require.NoError(t, err)
			defer sub.Close()

			cust := g.client(t, customer)
			_, err = cust.Insert(ctx, reqsync.Message{ConversationID: "other", Content: "elsewhere"})
			require.NoError(t, err)
			sent, err := cust.Insert(ctx, reqsync.Message{ConversationID: conv, Content: "ping"})
			require.NoError(t, err)

			select {
			case m := <-got:
				require.Equal(t, sent.ID, m.ID)
				require.Equal(t, "ping", m.Content)
			case <-ctx.Done():
				t.Fatal("no live message")
			}

			require.NoError(t, sub.Close())
			<-sub.Done()
			require.NoError(t, sub.Err())
		})
	}
}

func TestLiveRejectsBadToken(t *testing.T) {
	g := newTestGateway(t)
	for _, transport := range []reqsync.Transport{reqsync.TransportWebSocket, reqsync.TransportSSE} {
		rs := reqsync.NewRemoteStore("garbage", reqsync.WithBaseURL(g.http.URL), reqsync.WithTransport(transport))
		_, err := rs.Subscribe(context.Background(), "req-1", func(reqsync.Message) {})
		require.ErrorIs(t, err, reqsync.ErrUnauthorized, string(transport))
	}
}

func TestHubOverGateway(t *testing.T) {
	g := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conv := reqsync.ConversationID("req-hub")

	cust := g.client(t, customer)
	_, err := cust.Insert(ctx, reqsync.Message{ConversationID: conv, Content: "first"})
	require.NoError(t, err)

	op := g.client(t, operator)
	hub := reqsync.NewHub(op, reqsync.WithAuthenticator(op), reqsync.WithAttachmentUploader(op),
		reqsync.WithDwellDelay(time.Hour))
	defer hub.Close()

	c, err := hub.Open(ctx, conv)
	require.NoError(t, err)
	require.Len(t, c.Messages(), 1)
	require.Equal(t, 1, hub.Tracker().UnreadCount(conv))

	require.Eventually(t, func() bool {
		return c.Status().State == reqsync.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	_, err = cust.Insert(ctx, reqsync.Message{ConversationID: conv, Content: "second"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Messages()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, hub.Tracker().UnreadCount(conv))

	res, err := c.Send(ctx, "reply", reqsync.NewFileFromBytes("spec.pdf", "", []byte("%PDF")))
	require.NoError(t, err)
	require.NoError(t, res.Warning)
	require.NotNil(t, res.Attachment)
	require.Eventually(t, func() bool { return len(c.Messages()) == 3 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.SetActive(ctx, conv))
	require.Equal(t, 0, hub.Tracker().UnreadCount(conv))
	counts, err := op.UnreadCounts(ctx, operator.ID)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestHubPagesLargeHistory(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	conv := reqsync.ConversationID("req-long")
	history := make([]reqsync.Message, 300)
	for i := range history {
		history[i] = reqsync.Message{ConversationID: conv, SenderID: customer.ID, Content: "line"}
	}
	g.store.Seed(history...)

	op := g.client(t, operator)
	hub := reqsync.NewHub(op, reqsync.WithAuthenticator(op), reqsync.WithPageSize(250),
		reqsync.WithDwellDelay(time.Hour))
	defer hub.Close()

	c, err := hub.Open(ctx, conv)
	require.NoError(t, err)
	require.Len(t, c.Messages(), reqsync.MaxPageSize)
	require.True(t, c.HasMore())

	more, err := c.LoadOlder(ctx)
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, c.Messages(), 300)
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.do(t, http.MethodGet, "/healthz", "", nil)

	resp, err := http.Get(g.http.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), "reqsync_gateway_http_requests_total")
}
