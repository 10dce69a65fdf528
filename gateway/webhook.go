package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reqdesk/reqsync"
)

const dispatchQueue = 1024

// Dispatcher POSTs signed message.new payloads to the configured URLs.
// Deliveries run on a background worker and are retried with backoff.
type Dispatcher struct {
	urls    []string
	secret  string
	client  *http.Client
	retries int
	backoff reqsync.Backoff
	logger  *slog.Logger
	metrics *serverMetrics
	now     func() time.Time

	queue chan reqsync.Message
	wg    sync.WaitGroup
	once  sync.Once
	mu    sync.Mutex
	stop  context.CancelFunc
}

type DispatchOption func(*Dispatcher)

func WithDispatchTimeout(d time.Duration) DispatchOption {
	return func(w *Dispatcher) {
		if d > 0 {
			w.client.Timeout = d
		}
	}
}

func WithDispatchRetries(n int) DispatchOption {
	return func(w *Dispatcher) {
		if n >= 0 {
			w.retries = n
		}
	}
}

// WithDispatchBackoff sets the delay between attempts.
func WithDispatchBackoff(b reqsync.Backoff) DispatchOption {
	return func(w *Dispatcher) { w.backoff = b }
}

func WithDispatchHTTPClient(c *http.Client) DispatchOption {
	return func(w *Dispatcher) { w.client = c }
}

func WithDispatchLogger(l *slog.Logger) DispatchOption {
	return func(w *Dispatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithDispatchMetrics(m *serverMetrics) DispatchOption {
	return func(w *Dispatcher) { w.metrics = m }
}

// NewDispatcher creates a dispatcher. With no URLs it is a no-op.
func NewDispatcher(urls []string, secret string, opts ...DispatchOption) *Dispatcher {
	w := &Dispatcher{
		urls:    urls,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		backoff: reqsync.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, MaxAttempts: 3},
		logger:  slog.Default(),
		now:     time.Now,
		queue:   make(chan reqsync.Message, dispatchQueue),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enabled reports whether any URL is configured.
func (w *Dispatcher) Enabled() bool { return len(w.urls) > 0 }

// Start runs the delivery worker until ctx is cancelled or Close is called.
func (w *Dispatcher) Start(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	w.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.stop = cancel
		w.mu.Unlock()
		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Close stops the worker and waits for the in-flight delivery.
func (w *Dispatcher) Close() {
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.wg.Wait()
}

// Dispatch queues m for delivery. A full queue drops the event.
func (w *Dispatcher) Dispatch(m reqsync.Message) {
	if !w.Enabled() {
		return
	}
	select {
	case w.queue <- m:
	default:
		w.metrics.webhook("dropped")
		w.logger.Warn("webhook queue full, dropping", "message", m.ID)
	}
}

func (w *Dispatcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-w.queue:
			body, err := json.Marshal(reqsync.NewWebhookPayload(m, w.now()))
			if err != nil {
				w.logger.Error("encode webhook", "error", err)
				continue
			}
			for _, u := range w.urls {
				w.deliver(ctx, u, body)
			}
		}
	}
}

// deliver posts body to url, retrying failures and 5xx responses.
func (w *Dispatcher) deliver(ctx context.Context, url string, body []byte) {
	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff.Delay(attempt - 1)):
			}
		}
		retry, err := w.post(ctx, url, body)
		if err == nil {
			w.metrics.webhook("delivered")
			return
		}
		lastErr = err
		if !retry {
			break
		}
	}
	w.metrics.webhook("failed")
	w.logger.Warn("webhook delivery failed", "url", url, "error", lastErr)
}

func (w *Dispatcher) post(ctx context.Context, url string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reqsync.WebhookSignatureHeader, reqsync.SignWebhookBody(body, w.secret))
	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	}
	return false, nil
}
