package reqsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryStore
// ============================================================================

const memSubscriberBuffer = 256

var errSlowSubscriber = errors.New("subscriber fell behind")

// MemoryStore is a goroutine-safe in-memory DurableStore. It also implements
// ReadMarker. Ids are UUIDs and timestamps strictly increase.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string]*storedMessage
	order       map[ConversationID][]string
	attachments map[string][]Attachment
	readSeq     map[readKey]int64
	subs        map[ConversationID]map[*memSub]struct{}
	seq         int64
	last        time.Time
	now         func() time.Time
}

type storedMessage struct {
	msg Message
	seq int64
}

type readKey struct {
	actor string
	conv  ConversationID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string]*storedMessage),
		order:       make(map[ConversationID][]string),
		attachments: make(map[string][]Attachment),
		readSeq:     make(map[readKey]int64),
		subs:        make(map[ConversationID]map[*memSub]struct{}),
		now:         time.Now,
	}
}

// ── Messages ─────────────────────────────────────────────

// Query returns up to limit messages of conv, newest first, skipping offset.
func (s *MemoryStore) Query(ctx context.Context, conv ConversationID, offset, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || limit <= 0 {
		return nil, newError(KindInvalidInput, "query", conv, errors.New("invalid page"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[conv]
	out := make([]Message, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.messages[ids[i]].msg.Clone())
	}
	return out, nil
}

// Insert stores draft under a new id and timestamp and fans it out to the
// conversation's subscribers.
func (s *MemoryStore) Insert(ctx context.Context, draft Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if draft.SenderID == "" {
		return nil, newError(KindInvalidInput, "insert", draft.ConversationID, errors.New("sender is required"))
	}
	if draft.Content == "" {
		return nil, newError(KindInvalidInput, "insert", draft.ConversationID, errors.New("content is required"))
	}

	s.mu.Lock()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		IsFromOperator: draft.IsFromOperator,
		Content:        draft.Content,
		CreatedAt:      s.nextTimeLocked(),
	}
	s.putLocked(m)
	subs := s.subscribersLocked(m.ConversationID)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(m)
	}
	out := m.Clone()
	return &out, nil
}

// Seed stores messages as they are, without notifying subscribers. Messages
// without an id or timestamp get one.
func (s *MemoryStore) Seed(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.nextTimeLocked()
		} else if m.CreatedAt.After(s.last) {
			s.last = m.CreatedAt
		}
		if _, ok := s.messages[m.ID]; ok {
			continue
		}
		s.putLocked(m)
		for _, a := range m.Attachments {
			s.attachments[m.ID] = append(s.attachments[m.ID], a)
		}
	}
}

func (s *MemoryStore) putLocked(m Message) {
	s.seq++
	m.Attachments = nil
	m.Provisional = false
	s.messages[m.ID] = &storedMessage{msg: m, seq: s.seq}
	s.order[m.ConversationID] = append(s.order[m.ConversationID], m.ID)
}

func (s *MemoryStore) nextTimeLocked() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Get returns a stored message with its attachments.
func (s *MemoryStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	m := sm.msg.Clone()
	m.Attachments = append([]Attachment(nil), s.attachments[id]...)
	return m, true
}

// Count returns how many messages conv holds.
func (s *MemoryStore) Count(conv ConversationID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order[conv])
}

// ── Attachments ──────────────────────────────────────────

func (s *MemoryStore) ListAttachments(ctx context.Context, messageIDs []string) (map[string][]Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Attachment)
	for _, id := range messageIDs {
		if atts := s.attachments[id]; len(atts) > 0 {
			out[id] = append([]Attachment(nil), atts...)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertAttachment(ctx context.Context, att Attachment) (*Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[att.MessageID]; !ok {
		return nil, newError(KindInvalidInput, "insert attachment", General, errors.New("unknown message "+att.MessageID))
	}
	att.ID = uuid.NewString()
	s.attachments[att.MessageID] = append(s.attachments[att.MessageID], att)
	return &att, nil
}

// ── Unread ───────────────────────────────────────────────

// UnreadCounts counts, per conversation, the messages from other actors after
// actorID's read position.
func (s *MemoryStore) UnreadCounts(ctx context.Context, actorID string) ([]UnreadCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UnreadCount
	for conv, ids := range s.order {
		after := s.readSeq[readKey{actorID, conv}]
		n := 0
		for i := len(ids) - 1; i >= 0; i-- {
			sm := s.messages[ids[i]]
			if sm.seq <= after {
				break
			}
			if sm.msg.SenderID != actorID {
				n++
			}
		}
		if n > 0 {
			out = append(out, UnreadCount{ConversationID: conv, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// MarkRead moves actorID's read position in conv to the newest message.
func (s *MemoryStore) MarkRead(ctx context.Context, actorID string, conv ConversationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids := s.order[conv]; len(ids) > 0 {
		s.readSeq[readKey{actorID, conv}] = s.messages[ids[len(ids)-1]].seq
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe delivers every later insert into conv, in order, on a dedicated
// goroutine.
func (s *MemoryStore) Subscribe(ctx context.Context, conv ConversationID, onInsert func(Message)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memSub{
		stream: newStream(cancel),
		ch:     make(chan Message, memSubscriberBuffer),
	}
	sub.stream.closer = func() error {
		s.unsubscribe(conv, sub)
		return nil
	}

	s.mu.Lock()
	if s.subs[conv] == nil {
		s.subs[conv] = make(map[*memSub]struct{})
	}
	s.subs[conv][sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(subCtx, onInsert)
	go func() {
		<-sub.stream.Done()
		s.unsubscribe(conv, sub)
	}()
	return sub.stream, nil
}

// Subscribers returns the number of live subscriptions on conv.
func (s *MemoryStore) Subscribers(conv ConversationID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[conv])
}

// Disconnect ends every subscription on conv with err, as a dropped network
// connection would.
func (s *MemoryStore) Disconnect(conv ConversationID, err error) {
	if err == nil {
		err = ErrNetwork
	}
	s.mu.Lock()
	subs := s.subscribersLocked(conv)
	delete(s.subs, conv)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stream.finish(err)
	}
}

func (s *MemoryStore) subscribersLocked(conv ConversationID) []*memSub {
	out := make([]*memSub, 0, len(s.subs[conv]))
	for sub := range s.subs[conv] {
		out = append(out, sub)
	}
	return out
}

func (s *MemoryStore) unsubscribe(conv ConversationID, sub *memSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[conv]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, conv)
		}
	}
}

type memSub struct {
	stream *stream
	ch     chan Message
}

func (m *memSub) push(msg Message) {
	select {
	case <-m.stream.Done():
	case m.ch <- msg.Clone():
	default:
		m.stream.finish(errSlowSubscriber)
	}
}

func (m *memSub) run(ctx context.Context, onInsert func(Message)) {
	for {
		select {
		case <-ctx.Done():
			m.stream.finish(ctx.Err())
			return
		case msg := <-m.ch:
			onInsert(msg)
		}
	}
}
