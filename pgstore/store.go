// Package pgstore is a PostgreSQL reqsync.DurableStore. Live subscriptions
// ride on LISTEN/NOTIFY: every insert notifies a single channel and one
// listener connection per Store fans the rows out to subscribers.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/reqdesk/reqsync"
)

const DefaultChannel = "reqsync_messages"

//go:embed schema.sql
var schema string

// Store implements reqsync.DurableStore and reqsync.ReadMarker.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	dsn     string
	channel string
	logger  *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration

	mu       sync.Mutex
	listener *pq.Listener
	subs     map[reqsync.ConversationID]map[*subscription]struct{}
	stop     chan struct{}
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChannel sets the NOTIFY channel name.
func WithChannel(name string) Option {
	return func(s *Store) { s.channel = name }
}

// WithListenerBackoff sets how the listener connection reconnects.
func WithListenerBackoff(min, max time.Duration) Option {
	return func(s *Store) {
		s.minReconnect, s.maxReconnect = min, max
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := New(db, dsn, opts...)
	s.ownsDB = true
	return s, nil
}

// New wraps an existing pool. dsn is used for the dedicated listener
// connection; without it Subscribe fails.
func New(db *sql.DB, dsn string, opts ...Option) *Store {
	s := &Store{
		db:           db,
		dsn:          dsn,
		channel:      DefaultChannel,
		logger:       slog.Default(),
		minReconnect: time.Second,
		maxReconnect: 30 * time.Second,
		subs:         make(map[reqsync.ConversationID]map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("could not apply schema: %w", err)
	}
	return nil
}

// Close stops the listener, ends every subscription and, when the pool was
// opened by Open, closes it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.listener = nil
	stop := s.stop
	subs := s.takeAllLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.finish(reqsync.ErrClosed)
	}
	if stop != nil {
		close(stop)
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	if s.ownsDB {
		if dbErr := s.db.Close(); err == nil {
			err = dbErr
		}
	}
	return err
}

// ── Messages ─────────────────────────────────────────────

const messageColumns = `id, conversation_id, sender_id, is_from_operator, content, created_at`

func scanMessage(row interface{ Scan(...any) error }) (reqsync.Message, error) {
	var (
		m    reqsync.Message
		conv string
	)
	if err := row.Scan(&m.ID, &conv, &m.SenderID, &m.IsFromOperator, &m.Content, &m.CreatedAt); err != nil {
		return reqsync.Message{}, err
	}
	m.ConversationID = reqsync.ConversationID(conv)
	return m, nil
}

// Query returns up to limit messages of conv, newest first, skipping offset.
func (s *Store) Query(ctx context.Context, conv reqsync.ConversationID, offset, limit int) ([]reqsync.Message, error) {
	const q = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, q, string(conv), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]reqsync.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns one message.
func (s *Store) Get(ctx context.Context, id string) (*reqsync.Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Insert stores draft and notifies listeners when the transaction commits.
func (s *Store) Insert(ctx context.Context, draft reqsync.Message) (*reqsync.Message, error) {
	if draft.SenderID == "" || draft.Content == "" {
		return nil, &reqsync.Error{Kind: reqsync.KindInvalidInput, Op: "insert", Conversation: draft.ConversationID,
			Err: errors.New("sender and content are required")}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO messages (id, conversation_id, sender_id, is_from_operator, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + messageColumns
	m, err := scanMessage(tx.QueryRowContext(ctx, q,
		uuid.NewString(), string(draft.ConversationID), draft.SenderID, draft.IsFromOperator, draft.Content))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	payload, err := encodeNotification(m)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel, payload); err != nil {
		return nil, fmt.Errorf("notify insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return &m, nil
}

// ── Attachments ──────────────────────────────────────────

func (s *Store) ListAttachments(ctx context.Context, messageIDs []string) (map[string][]reqsync.Attachment, error) {
	out := make(map[string][]reqsync.Attachment)
	if len(messageIDs) == 0 {
		return out, nil
	}
	const q = `
		SELECT id, message_id, url, name, size, mime_type
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, q, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a reqsync.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.URL, &a.Name, &a.Size, &a.MimeType); err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

func (s *Store) InsertAttachment(ctx context.Context, att reqsync.Attachment) (*reqsync.Attachment, error) {
	const q = `
		INSERT INTO attachments (id, message_id, url, name, size, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	att.ID = uuid.NewString()
	if att.MimeType == "" {
		att.MimeType = "application/octet-stream"
	}
	if _, err := s.db.ExecContext(ctx, q, att.ID, att.MessageID, att.URL, att.Name, att.Size, att.MimeType); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return nil, &reqsync.Error{Kind: reqsync.KindInvalidInput, Op: "insert attachment", Err: err}
		}
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return &att, nil
}

// ── Unread ───────────────────────────────────────────────

func (s *Store) UnreadCounts(ctx context.Context, actorID string) ([]reqsync.UnreadCount, error) {
	const q = `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		LEFT JOIN read_marks r
		       ON r.actor_id = $1 AND r.conversation_id = m.conversation_id
		WHERE m.sender_id <> $1
		  AND m.seq > COALESCE(r.last_seq, 0)
		GROUP BY m.conversation_id
		ORDER BY m.conversation_id
	`
	rows, err := s.db.QueryContext(ctx, q, actorID)
	if err != nil {
		return nil, fmt.Errorf("query unread: %w", err)
	}
	defer rows.Close()
	var out []reqsync.UnreadCount
	for rows.Next() {
		var (
			conv string
			n    int
		)
		if err := rows.Scan(&conv, &n); err != nil {
			return nil, err
		}
		out = append(out, reqsync.UnreadCount{ConversationID: reqsync.ConversationID(conv), Count: n})
	}
	return out, rows.Err()
}

// MarkRead moves actorID's read position in conv to its newest message.
func (s *Store) MarkRead(ctx context.Context, actorID string, conv reqsync.ConversationID) error {
	const q = `
		INSERT INTO read_marks (actor_id, conversation_id, last_seq)
		SELECT $1, $2, COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $2
		ON CONFLICT (actor_id, conversation_id)
		DO UPDATE SET last_seq = GREATEST(read_marks.last_seq, EXCLUDED.last_seq)
	`
	if _, err := s.db.ExecContext(ctx, q, actorID, string(conv)); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
