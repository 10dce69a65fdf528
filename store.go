package reqsync

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the ordered, deduplicated view of one conversation.
// Historical pages keep the order the durable store returned them in; live
// events keep arrival order. All methods are goroutine-safe.
type MessageStore struct {
	conv ConversationID

	mu       sync.Mutex
	messages []Message
	ids      map[string]struct{}
	pending  map[string]*PendingMessage
	hasMore  bool
	closed   bool
}

// NewMessageStore creates an empty store for conv.
func NewMessageStore(conv ConversationID) *MessageStore {
	return &MessageStore{
		conv:    conv,
		ids:     make(map[string]struct{}),
		pending: make(map[string]*PendingMessage),
	}
}

// Conversation returns the conversation this store holds.
func (s *MessageStore) Conversation() ConversationID { return s.conv }

// Load fetches one page and merges it into the sequence: offset 0 replaces the
// history, a positive offset prepends older messages. It reports whether more
// history may exist. A failed load leaves the sequence untouched.
func (s *MessageStore) Load(ctx context.Context, q Querier, offset, limit int) (bool, error) {
	if limit <= 0 || offset < 0 {
		return false, newError(KindInvalidInput, "load", s.conv,
			fmt.Errorf("invalid page offset=%d limit=%d", offset, limit))
	}
	if s.isClosed() {
		return false, newError(KindClosed, "load", s.conv, nil)
	}

	page, err := q.Query(ctx, s.conv, offset, limit)
	if err != nil {
		return false, classify("load", s.conv, err)
	}

	var atts map[string][]Attachment
	if len(page) > 0 {
		ids := make([]string, 0, len(page))
		for _, m := range page {
			ids = append(ids, m.ID)
		}
		atts, err = q.ListAttachments(ctx, ids)
		if err != nil {
			return false, classify("load attachments", s.conv, err)
		}
	}

	// page is newest first
	chrono := make([]Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i].Clone()
		m.Provisional = false
		for _, a := range atts[m.ID] {
			m.Attachments = appendAttachment(m.Attachments, a)
		}
		chrono = append(chrono, m)
	}
	hasMore := len(page) == limit

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, newError(KindClosed, "load", s.conv, nil)
	}
	if offset == 0 {
		s.replaceLocked(chrono)
	} else {
		s.prependLocked(chrono)
	}
	s.hasMore = hasMore
	return hasMore, nil
}

// replaceLocked swaps the history for page. Uncommitted provisional entries
// stay at the tail.
func (s *MessageStore) replaceLocked(page []Message) {
	var provisional []Message
	for _, m := range s.messages {
		if _, ok := s.pending[m.ID]; ok {
			provisional = append(provisional, m)
		}
	}
	s.messages = s.messages[:0:0]
	s.ids = make(map[string]struct{}, len(page)+len(provisional))
	for _, m := range page {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}
	for _, m := range provisional {
		s.ids[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}
}

func (s *MessageStore) prependLocked(page []Message) {
	older := make([]Message, 0, len(page)+len(s.messages))
	for _, m := range page {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		older = append(older, m)
	}
	s.messages = append(older, s.messages...)
}

// Append adds a live message at the tail. Already present ids are ignored.
func (s *MessageStore) Append(m Message) bool {
	if m.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	m = m.Clone()
	m.Provisional = IsProvisionalID(m.ID)
	s.ids[m.ID] = struct{}{}
	s.messages = append(s.messages, m)
	return true
}

// Merge inserts messages missing from the sequence at their chronological
// position and returns the ones it added, in input order. Used to fill gaps
// after a reconnect.
func (s *MessageStore) Merge(msgs []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var added []Message
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := s.ids[m.ID]; ok {
			continue
		}
		m = m.Clone()
		m.Provisional = false
		pos := len(s.messages)
		for pos > 0 && s.messages[pos-1].CreatedAt.After(m.CreatedAt) {
			pos--
		}
		s.messages = append(s.messages, Message{})
		copy(s.messages[pos+1:], s.messages[pos:])
		s.messages[pos] = m
		s.ids[m.ID] = struct{}{}
		added = append(added, m.Clone())
	}
	return added
}

// ReplaceProvisional swaps the provisional entry tempID for its durable
// counterpart in place. If the durable id is already present, the provisional
// entry is dropped instead.
func (s *MessageStore) ReplaceProvisional(tempID string, durable Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[tempID]; ok {
		p.state = pendingCommitted
	}
	return s.replaceProvisionalLocked(tempID, durable)
}

func (s *MessageStore) replaceProvisionalLocked(tempID string, durable Message) bool {
	delete(s.pending, tempID)
	if s.closed {
		return false
	}
	idx := s.indexLocked(tempID)
	if idx < 0 {
		return false
	}
	delete(s.ids, tempID)
	if _, exists := s.ids[durable.ID]; exists || durable.ID == "" {
		s.removeAtLocked(idx)
		return true
	}
	durable = durable.Clone()
	durable.Provisional = false
	s.messages[idx] = durable
	s.ids[durable.ID] = struct{}{}
	return true
}

// AttachFileTo appends att to a message in the sequence. Attachments for
// messages that are not loaded are dropped.
func (s *MessageStore) AttachFileTo(messageID string, att Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	idx := s.indexLocked(messageID)
	if idx < 0 {
		return false
	}
	before := len(s.messages[idx].Attachments)
	s.messages[idx].Attachments = appendAttachment(s.messages[idx].Attachments, att)
	return len(s.messages[idx].Attachments) != before
}

// Remove deletes a message from the sequence.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	delete(s.ids, id)
	delete(s.pending, id)
	s.removeAtLocked(idx)
	return true
}

// Messages returns a copy of the sequence.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Get returns the message with id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Message{}, false
	}
	return s.messages[idx].Clone(), true
}

// Len returns the number of messages, provisional ones included.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// DurableLen returns the number of durable messages, which is the offset of
// the next older page.
func (s *MessageStore) DurableLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages) - len(s.pending)
}

// CatchUp queries the newest page, merges what the sequence is missing and
// returns the merged messages oldest first.
func (s *MessageStore) CatchUp(ctx context.Context, q Querier, limit int) ([]Message, error) {
	page, err := q.Query(ctx, s.conv, 0, limit)
	if err != nil {
		return nil, classify("catch up", s.conv, err)
	}
	if len(page) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(page))
	for _, m := range page {
		ids = append(ids, m.ID)
	}
	atts, err := q.ListAttachments(ctx, ids)
	if err != nil {
		return nil, classify("catch up attachments", s.conv, err)
	}
	chrono := make([]Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i].Clone()
		for _, a := range atts[m.ID] {
			m.Attachments = appendAttachment(m.Attachments, a)
		}
		chrono = append(chrono, m)
	}
	return s.Merge(chrono), nil
}

// HasMore reports whether the last load returned a full page.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Close makes every later mutation a no-op.
func (s *MessageStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *MessageStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MessageStore) indexLocked(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeAtLocked(idx int) {
	copy(s.messages[idx:], s.messages[idx+1:])
	s.messages[len(s.messages)-1] = Message{}
	s.messages = s.messages[:len(s.messages)-1]
}

func appendAttachment(list []Attachment, att Attachment) []Attachment {
	for _, a := range list {
		if att.ID != "" && a.ID == att.ID {
			return list
		}
	}
	return append(list, att)
}

// ============================================================================
// Provisional two-phase commit
// ============================================================================

type pendingState int

const (
	pendingOpen pendingState = iota
	pendingCommitted
	pendingAborted
)

// PendingMessage is an optimistic entry awaiting its durable write. Exactly
// one of Commit or Abort takes effect.
type PendingMessage struct {
	store *MessageStore
	id    string
	state pendingState
}

// BeginProvisional inserts msg at the tail as a provisional entry. msg.ID must
// be a locally generated id.
func (s *MessageStore) BeginProvisional(msg Message) (*PendingMessage, error) {
	if !IsProvisionalID(msg.ID) {
		return nil, newError(KindInvalidInput, "provisional insert", s.conv,
			fmt.Errorf("id %q is not a local id", msg.ID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, newError(KindClosed, "provisional insert", s.conv, nil)
	}
	if _, ok := s.ids[msg.ID]; ok {
		return nil, newError(KindInvalidInput, "provisional insert", s.conv,
			fmt.Errorf("id %q already present", msg.ID))
	}
	msg = msg.Clone()
	msg.Provisional = true
	p := &PendingMessage{store: s, id: msg.ID}
	s.ids[msg.ID] = struct{}{}
	s.pending[msg.ID] = p
	s.messages = append(s.messages, msg)
	return p, nil
}

// ID returns the temporary id.
func (p *PendingMessage) ID() string { return p.id }

// Commit replaces the provisional entry with durable. It reports whether the
// sequence changed.
func (p *PendingMessage) Commit(durable Message) bool {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != pendingOpen {
		return false
	}
	p.state = pendingCommitted
	return s.replaceProvisionalLocked(p.id, durable)
}

// Abort removes the provisional entry.
func (p *PendingMessage) Abort() bool {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != pendingOpen {
		return false
	}
	p.state = pendingAborted
	delete(s.pending, p.id)
	if s.closed {
		return false
	}
	idx := s.indexLocked(p.id)
	if idx < 0 {
		return false
	}
	delete(s.ids, p.id)
	s.removeAtLocked(idx)
	return true
}
