package reqsync

import "context"

// Querier reads history from the durable store.
type Querier interface {
	// Query returns up to limit messages of conv, newest first, skipping offset.
	Query(ctx context.Context, conv ConversationID, offset, limit int) ([]Message, error)
	// ListAttachments returns the attachments of the given messages keyed by message id.
	ListAttachments(ctx context.Context, messageIDs []string) (map[string][]Attachment, error)
}

// Subscription is a live feed of inserts for one conversation.
type Subscription interface {
	// Done is closed when the feed ends for any reason.
	Done() <-chan struct{}
	// Err reports why the feed ended; nil after a clean Close.
	Err() error
	Close() error
}

// Subscriber opens live feeds. ctx bounds the subscription's lifetime.
// onInsert may be called from any goroutine but never concurrently for the
// same subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error)
}

// Writer appends to the durable store. The store assigns ids and timestamps.
type Writer interface {
	Insert(ctx context.Context, draft Message) (*Message, error)
	InsertAttachment(ctx context.Context, att Attachment) (*Attachment, error)
}

// UnreadCounter exposes the server-computed unread ledger.
type UnreadCounter interface {
	UnreadCounts(ctx context.Context, actorID string) ([]UnreadCount, error)
}

// ReadMarker is implemented by stores that persist read positions.
type ReadMarker interface {
	MarkRead(ctx context.Context, actorID string, conv ConversationID) error
}

// DurableStore is the full contract the engine consumes.
type DurableStore interface {
	Querier
	Subscriber
	Writer
	UnreadCounter
}

// AttachmentUploader stores a file and returns where it lives.
type AttachmentUploader interface {
	Upload(ctx context.Context, file *File, onProgress ProgressFunc) (*UploadResult, error)
}

// Authenticator resolves the local actor.
type Authenticator interface {
	Actor(ctx context.Context) (Actor, error)
}

// StaticActor is an Authenticator for a fixed, already verified actor.
type StaticActor Actor

// Actor implements Authenticator. An empty id is unauthorized.
func (a StaticActor) Actor(context.Context) (Actor, error) {
	if a.ID == "" {
		return Actor{}, ErrUnauthorized
	}
	return Actor(a), nil
}
