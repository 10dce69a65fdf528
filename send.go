package reqsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendHooks are optional callbacks for the view layer.
type SendHooks struct {
	// OnProvisional runs right after the optimistic entry is inserted; views
	// scroll to it.
	OnProvisional func(Message)
	// OnProgress receives attachment upload progress.
	OnProgress ProgressFunc
}

// SendResult is the outcome of a send whose message became durable.
type SendResult struct {
	Message    Message
	Attachment *Attachment
	// Warning is an ATTACHMENT_ERROR when the message was sent but its file
	// was not.
	Warning error
}

// SendCoordinator turns user input into an optimistic entry and reconciles it
// with the durable write.
type SendCoordinator struct {
	store    *MessageStore
	writer   Writer
	auth     Authenticator
	uploader AttachmentUploader
	hooks    SendHooks
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastErr error
}

// SendOption configures a SendCoordinator.
type SendOption func(*SendCoordinator)

// WithUploader sets the attachment uploader.
func WithUploader(u AttachmentUploader) SendOption {
	return func(s *SendCoordinator) { s.uploader = u }
}

// WithSendHooks sets view callbacks.
func WithSendHooks(h SendHooks) SendOption {
	return func(s *SendCoordinator) { s.hooks = h }
}

// WithSendMetrics records send outcomes.
func WithSendMetrics(m *Metrics) SendOption {
	return func(s *SendCoordinator) { s.metrics = m }
}

// WithSendLogger sets the logger.
func WithSendLogger(l *slog.Logger) SendOption {
	return func(s *SendCoordinator) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSendCoordinator creates a coordinator writing into store's conversation.
func NewSendCoordinator(store *MessageStore, writer Writer, auth Authenticator, opts ...SendOption) *SendCoordinator {
	s := &SendCoordinator{
		store:  store,
		writer: writer,
		auth:   auth,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastError returns the most recent failure or attachment warning.
func (s *SendCoordinator) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Send publishes content, and file when non-nil, to the conversation. The
// message is visible immediately as a provisional entry; it is replaced by
// the durable message on success and removed on failure. A failed upload
// does not roll the message back; it is reported as SendResult.Warning.
func (s *SendCoordinator) Send(ctx context.Context, content string, file *File) (*SendResult, error) {
	conv := s.store.Conversation()

	if s.auth == nil {
		return nil, s.fail(newError(KindUnauthorized, "send", conv, errors.New("no authenticator")), sendUnauthorized)
	}
	actor, err := s.auth.Actor(ctx)
	if err == nil && actor.ID == "" {
		err = errors.New("empty actor")
	}
	if err != nil {
		return nil, s.fail(newError(KindUnauthorized, "send", conv, err), sendUnauthorized)
	}

	if strings.TrimSpace(content) == "" {
		if file == nil {
			return nil, s.fail(newError(KindInvalidInput, "send", conv, errors.New("message content is required")), "")
		}
		content = file.Name
	}

	provisional := Message{
		ID:             provisionalPrefix + uuid.NewString(),
		ConversationID: conv,
		SenderID:       actor.ID,
		IsFromOperator: actor.IsOperator,
		Content:        content,
		CreatedAt:      s.now(),
	}
	pending, err := s.store.BeginProvisional(provisional)
	if err != nil {
		return nil, s.fail(err, "")
	}
	if s.hooks.OnProvisional != nil {
		provisional.Provisional = true
		s.hooks.OnProvisional(provisional)
	}

	durable, err := s.writer.Insert(ctx, Message{
		ConversationID: conv,
		SenderID:       actor.ID,
		IsFromOperator: actor.IsOperator,
		Content:        content,
	})
	if err == nil && (durable == nil || durable.ID == "" || IsProvisionalID(durable.ID)) {
		err = fmt.Errorf("durable store returned an invalid message")
	}
	if err != nil {
		pending.Abort()
		e := newError(KindDurableWrite, "send", conv, err)
		e.Draft = &Draft{Conversation: conv, Content: content, File: file}
		return nil, s.fail(e, sendRolledBack)
	}
	pending.Commit(*durable)
	s.metrics.send(sendCommitted)

	res := &SendResult{Message: durable.Clone()}
	if file == nil {
		return res, nil
	}

	att, err := s.attach(ctx, durable.ID, file)
	if err != nil {
		warn := newError(KindAttachment, "attach", conv, err)
		res.Warning = warn
		s.setLastErr(warn)
		s.metrics.send(sendAttachmentFail)
		s.logger.Warn("message sent, attachment failed", "conversation", conv.String(), "message", durable.ID, "error", err)
		return res, nil
	}
	s.store.AttachFileTo(durable.ID, *att)
	res.Attachment = att
	res.Message.Attachments = appendAttachment(res.Message.Attachments, *att)
	return res, nil
}

func (s *SendCoordinator) attach(ctx context.Context, messageID string, file *File) (*Attachment, error) {
	if s.uploader == nil {
		return nil, errors.New("no attachment uploader configured")
	}
	up, err := s.uploader.Upload(ctx, file, s.hooks.OnProgress)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	name := up.Name
	if name == "" {
		name = file.Name
	}
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = file.MimeType
	}
	size := up.Size
	if size == 0 {
		size = file.Size
	}
	saved, err := s.writer.InsertAttachment(ctx, Attachment{
		MessageID: messageID,
		URL:       up.URL,
		Name:      name,
		Size:      size,
		MimeType:  mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("save attachment: %w", err)
	}
	return saved, nil
}

func (s *SendCoordinator) fail(err error, outcome string) error {
	s.setLastErr(err)
	if outcome != "" {
		s.metrics.send(outcome)
	}
	return err
}

func (s *SendCoordinator) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
