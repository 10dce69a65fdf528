package reqsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// flakyWriter is a MemoryStore whose writes can be made to fail.
type flakyWriter struct {
	*MemoryStore

	mu        sync.Mutex
	insertErr error
	attachErr error
}

func (w *flakyWriter) Insert(ctx context.Context, draft Message) (*Message, error) {
	w.mu.Lock()
	err := w.insertErr
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.MemoryStore.Insert(ctx, draft)
}

func (w *flakyWriter) InsertAttachment(ctx context.Context, att Attachment) (*Attachment, error) {
	w.mu.Lock()
	err := w.attachErr
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.MemoryStore.InsertAttachment(ctx, att)
}

// fakeUploader returns a fixed location and reports progress.
type fakeUploader struct {
	err   error
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, file *File, onProgress ProgressFunc) (*UploadResult, error) {
	u.calls++
	if u.err != nil {
		return nil, u.err
	}
	report(onProgress, 0, "uploading")
	report(onProgress, 100, "done")
	return &UploadResult{URL: "https://files.example/" + file.Name}, nil
}

var customer = StaticActor{ID: "cust-1"}

func newSender(w Writer, opts ...SendOption) (*SendCoordinator, *MessageStore) {
	ms := NewMessageStore("req-1")
	return NewSendCoordinator(ms, w, customer, opts...), ms
}

func TestSendCommits(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	var seen []Message
	s, ms := newSender(w, WithSendHooks(SendHooks{OnProvisional: func(m Message) { seen = append(seen, m) }}))

	res, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.False(t, IsProvisionalID(res.Message.ID))
	require.Equal(t, "hello", res.Message.Content)
	require.Equal(t, "cust-1", res.Message.SenderID)
	require.Nil(t, res.Warning)
	require.Nil(t, res.Attachment)

	require.Len(t, seen, 1)
	require.True(t, seen[0].Provisional)
	require.True(t, IsProvisionalID(seen[0].ID))

	msgs := ms.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, res.Message.ID, msgs[0].ID)
	require.False(t, msgs[0].Provisional)
	require.Equal(t, 1, w.Count("req-1"))
	require.NoError(t, s.LastError())
}

func TestSendDurableFailureRollsBack(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore(), insertErr: errors.New("connection refused")}
	s, ms := newSender(w)
	ms.Append(msgAt("m1", "req-1", 1))

	res, err := s.Send(context.Background(), "  draft text ", nil)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrDurableWrite)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	require.NotNil(t, rerr.Draft)
	require.Equal(t, "  draft text ", rerr.Draft.Content)
	require.Equal(t, ConversationID("req-1"), rerr.Draft.Conversation)

	require.Equal(t, []string{"m1"}, ids(ms.Messages()))
	require.ErrorIs(t, s.LastError(), ErrDurableWrite)
}

func TestSendWithAttachment(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	up := &fakeUploader{}
	var progress []int
	s, ms := newSender(w, WithUploader(up), WithSendHooks(SendHooks{
		OnProgress: func(pct int, _ string) { progress = append(progress, pct) },
	}))

	file := NewFileFromBytes("brief.pdf", "", []byte("%PDF-1.7"))
	res, err := s.Send(context.Background(), "see attached", file)
	require.NoError(t, err)
	require.Nil(t, res.Warning)
	require.NotNil(t, res.Attachment)
	require.Equal(t, "brief.pdf", res.Attachment.Name)
	require.Equal(t, "application/pdf", res.Attachment.MimeType)
	require.Equal(t, int64(8), res.Attachment.Size)
	require.Equal(t, res.Message.ID, res.Attachment.MessageID)
	require.Len(t, res.Message.Attachments, 1)
	require.Equal(t, []int{0, 100}, progress)

	got, ok := ms.Get(res.Message.ID)
	require.True(t, ok)
	require.Len(t, got.Attachments, 1)

	stored, ok := w.Get(res.Message.ID)
	require.True(t, ok)
	require.Len(t, stored.Attachments, 1)
}

func TestSendAttachmentFailureKeepsMessage(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	up := &fakeUploader{err: errors.New("bucket unavailable")}
	s, ms := newSender(w, WithUploader(up))

	res, err := s.Send(context.Background(), "hello", NewFileFromBytes("a.png", "", []byte{1, 2, 3}))
	require.NoError(t, err)
	require.Equal(t, "hello", res.Message.Content)
	require.ErrorIs(t, res.Warning, ErrAttachment)
	require.Nil(t, res.Attachment)
	require.Equal(t, []string{res.Message.ID}, ids(ms.Messages()))
	require.ErrorIs(t, s.LastError(), ErrAttachment)

	// a failure to link the uploaded file is reported the same way
	w.attachErr = errors.New("fk violation")
	up.err = nil
	res, err = s.Send(context.Background(), "again", NewFileFromBytes("a.png", "", []byte{1}))
	require.NoError(t, err)
	require.ErrorIs(t, res.Warning, ErrAttachment)
	require.Equal(t, 2, ms.Len())
}

func TestSendWithoutUploaderWarns(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	s, _ := newSender(w)
	res, err := s.Send(context.Background(), "hello", NewFileFromBytes("a.txt", "", []byte("x")))
	require.NoError(t, err)
	require.ErrorIs(t, res.Warning, ErrAttachment)
}

func TestSendFileOnlyUsesFileName(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	s, _ := newSender(w, WithUploader(&fakeUploader{}))

	res, err := s.Send(context.Background(), "   ", NewFileFromBytes("diagram.png", "", []byte{1}))
	require.NoError(t, err)
	require.Equal(t, "diagram.png", res.Message.Content)
	require.NotNil(t, res.Attachment)
}

func TestSendRejectsEmpty(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	s, ms := newSender(w)

	_, err := s.Send(context.Background(), " \n\t", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, ms.Len())
	require.Zero(t, w.Count("req-1"))
}

func TestSendRequiresActor(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}

	noAuth := NewSendCoordinator(NewMessageStore("req-1"), w, nil)
	_, err := noAuth.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, ErrUnauthorized)

	empty := NewSendCoordinator(NewMessageStore("req-1"), w, StaticActor{})
	_, err = empty.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, w.Count("req-1"))
}

func TestSendToClosedStore(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	s, ms := newSender(w)
	ms.Close()

	_, err := s.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, w.Count("req-1"))
}

func TestSendOperatorFlag(t *testing.T) {
	w := &flakyWriter{MemoryStore: NewMemoryStore()}
	s := NewSendCoordinator(NewMessageStore(General), w, StaticActor{ID: "op-1", IsOperator: true})

	res, err := s.Send(context.Background(), "announcement", nil)
	require.NoError(t, err)
	require.True(t, res.Message.IsFromOperator)
	require.True(t, res.Message.ConversationID.IsGeneral())
}
