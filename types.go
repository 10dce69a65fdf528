package reqsync

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationID identifies a requirement thread. The zero value is the
// general channel.
type ConversationID string

// General is the sentinel general channel shared by all requirements.
const General ConversationID = ""

// generalSegment is how the general channel travels in URL paths.
const generalSegment = "general"

// IsGeneral reports whether id is the general channel.
func (id ConversationID) IsGeneral() bool { return id == General }

// String returns the id, or "general" for the general channel.
func (id ConversationID) String() string {
	if id == General {
		return generalSegment
	}
	return string(id)
}

// PathSegment returns the id as used in gateway URLs.
func (id ConversationID) PathSegment() string { return id.String() }

// ParseConversationID is the inverse of PathSegment.
func ParseConversationID(segment string) ConversationID {
	segment = strings.TrimSpace(segment)
	if segment == "" || segment == generalSegment {
		return General
	}
	return ConversationID(segment)
}

// MarshalJSON encodes the general channel as null.
func (id ConversationID) MarshalJSON() ([]byte, error) {
	if id == General {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts null for the general channel.
func (id *ConversationID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*id = General
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ConversationID(s)
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// provisionalPrefix marks locally generated ids. Durable stores never issue it.
const provisionalPrefix = "local-"

// Message is one chat entry of a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	IsFromOperator bool           `json:"isFromOperator"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
	Attachments    []Attachment   `json:"attachments,omitempty"`

	// Provisional is set on optimistic entries that are not durable yet.
	Provisional bool `json:"-"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Attachment is a file linked to a durable message.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
}

// UnreadCount is one row of the unread ledger.
type UnreadCount struct {
	ConversationID ConversationID `json:"conversationId"`
	Count          int            `json:"count"`
}

// Actor is the authenticated local user.
type Actor struct {
	ID         string `json:"id"`
	IsOperator bool   `json:"isOperator"`
}

// ============================================================================
// Uploads
// ============================================================================

// File is an attachment waiting to be uploaded.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.Reader
}

// NewFileFromBytes wraps an in-memory payload.
func NewFileFromBytes(name, mimeType string, data []byte) *File {
	if mimeType == "" {
		mimeType = GuessMimeType(name)
	}
	return &File{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Reader:   bytes.NewReader(data),
	}
}

// UploadResult is the terminal value of a successful upload.
type UploadResult struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// ProgressFunc receives upload progress in percent with a short status label.
type ProgressFunc func(percent int, status string)

// ============================================================================
// Wire envelope
// ============================================================================

// APIError is the error object of the gateway envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// APIResult is the JSON envelope used by every gateway endpoint.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
