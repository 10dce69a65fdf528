package reqsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec-test"

func signedPayload(t *testing.T, m Message) (string, string) {
	t.Helper()
	body, err := json.Marshal(NewWebhookPayload(m, t0))
	require.NoError(t, err)
	return string(body), SignWebhookBody(body, testWebhookSecret)
}

func TestWebhookSignature(t *testing.T) {
	body := `{"source":"reqsync"}`
	sig := SignWebhookBody([]byte(body), testWebhookSecret)
	require.True(t, strings.HasPrefix(sig, "sha256="))

	require.True(t, VerifyWebhookSignature(body, sig, testWebhookSecret))
	require.True(t, VerifyWebhookSignature(body, strings.TrimPrefix(sig, "sha256="), testWebhookSecret))
	require.False(t, VerifyWebhookSignature(body+" ", sig, testWebhookSecret))
	require.False(t, VerifyWebhookSignature(body, sig, "other-secret"))
	require.False(t, VerifyWebhookSignature(body, "sha256=", testWebhookSecret))
	require.False(t, VerifyWebhookSignature(body, "sha256=abc", testWebhookSecret))
	require.False(t, VerifyWebhookSignature("", sig, testWebhookSecret))
}

func TestParseWebhookPayload(t *testing.T) {
	body, _ := signedPayload(t, msgAt("m1", "req-1", 1))
	p, err := ParseWebhookPayload(body)
	require.NoError(t, err)
	require.Equal(t, EventMessageNew, p.Event)
	require.Equal(t, t0.Unix(), p.Timestamp)
	require.Equal(t, "m1", p.Message.ID)
	require.Equal(t, ConversationID("req-1"), p.Message.ConversationID)

	general, _ := signedPayload(t, msgAt("g1", General, 1))
	require.Contains(t, general, `"conversationId":null`)
	p, err = ParseWebhookPayload(general)
	require.NoError(t, err)
	require.True(t, p.Message.ConversationID.IsGeneral())

	for name, body := range map[string]string{
		"not json":       "{",
		"foreign source": `{"source":"other","event":"message.new","message":{"id":"m1","senderId":"a"}}`,
		"no event":       `{"source":"reqsync","message":{"id":"m1","senderId":"a"}}`,
		"no sender":      `{"source":"reqsync","event":"message.new","message":{"id":"m1"}}`,
	} {
		_, err := ParseWebhookPayload(body)
		require.Error(t, err, name)
	}
}

func TestWebhookReceiverHandle(t *testing.T) {
	_, err := NewWebhookReceiver("", nil)
	require.Error(t, err)

	var got []*WebhookPayload
	r, err := NewWebhookReceiver(testWebhookSecret, func(p *WebhookPayload) error {
		if p.Message.Content == "reject me" {
			return errors.New("handler refused")
		}
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)

	body, sig := signedPayload(t, msgAt("m1", "req-1", 1))
	code, _ := r.Handle(body, sig)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, got, 1)

	code, _ = r.Handle(body, "sha256=deadbeef")
	require.Equal(t, http.StatusUnauthorized, code)

	bad := `{"source":"reqsync","event":"message.new","message":{"id":""}}`
	code, _ = r.Handle(bad, SignWebhookBody([]byte(bad), testWebhookSecret))
	require.Equal(t, http.StatusBadRequest, code)

	refused := msgAt("m2", "req-1", 2)
	refused.Content = "reject me"
	body, sig = signedPayload(t, refused)
	code, _ = r.Handle(body, sig)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Len(t, got, 1)
}

func TestWebhookReceiverServeHTTP(t *testing.T) {
	r, err := NewWebhookReceiver(testWebhookSecret, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(r)
	defer ts.Close()

	body, sig := signedPayload(t, msgAt("m1", "req-1", 1))
	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set(WebhookSignatureHeader, sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp, err = http.Post(ts.URL, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebhookReceiverAsLiveSource(t *testing.T) {
	r, err := NewWebhookReceiver(testWebhookSecret, nil)
	require.NoError(t, err)

	got := make(chan Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := r.Subscribe(ctx, "req-1", func(m Message) { got <- m })
	require.NoError(t, err)

	body, sig := signedPayload(t, msgAt("other", "req-2", 1))
	code, _ := r.Handle(body, sig)
	require.Equal(t, http.StatusOK, code)
	body, sig = signedPayload(t, msgAt("m1", "req-1", 1))
	code, _ = r.Handle(body, sig)
	require.Equal(t, http.StatusOK, code)

	select {
	case m := <-got:
		require.Equal(t, "m1", m.ID)
	case <-time.After(time.Second):
		t.Fatal("webhook message not delivered")
	}
	require.Empty(t, got)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
	code, _ = r.Handle(body, sig)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, got)
}

func TestWebhookReceiverFeedsHub(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r, err := NewWebhookReceiver(testWebhookSecret, nil)
	require.NoError(t, err)
	h := newTestHub(t, st, WithLiveSource(r))

	c, err := h.Open(ctx, "req-1")
	require.NoError(t, err)
	require.Zero(t, st.Subscribers("req-1"))

	m := msgAt("m1", "req-1", 1)
	m.SenderID = "op-1"
	body, sig := signedPayload(t, m)
	code, _ := r.Handle(body, sig)
	require.Equal(t, http.StatusOK, code)

	require.Equal(t, []string{"m1"}, ids(c.Messages()))
	require.Equal(t, 1, h.Tracker().UnreadCount("req-1"))
}
