package reqsync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the SDK.
type ErrorKind string

const (
	KindUnauthorized          ErrorKind = "UNAUTHORIZED"
	KindNetwork               ErrorKind = "NETWORK_ERROR"
	KindDurableWrite          ErrorKind = "DURABLE_WRITE_ERROR"
	KindAttachment            ErrorKind = "ATTACHMENT_ERROR"
	KindConnectivityExhausted ErrorKind = "CONNECTIVITY_EXHAUSTED"
	KindInvalidInput          ErrorKind = "INVALID_INPUT"
	KindClosed                ErrorKind = "CLOSED"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrNetwork               = &Error{Kind: KindNetwork}
	ErrDurableWrite          = &Error{Kind: KindDurableWrite}
	ErrAttachment            = &Error{Kind: KindAttachment}
	ErrConnectivityExhausted = &Error{Kind: KindConnectivityExhausted}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrClosed                = &Error{Kind: KindClosed}
)

// Draft is the user-authored content of a send, kept so a failed send can be
// submitted again.
type Draft struct {
	Conversation ConversationID
	Content      string
	File         *File
}

// Error is the error type returned across the SDK surface.
type Error struct {
	Kind         ErrorKind
	Op           string
	Conversation ConversationID
	// Draft is set on DURABLE_WRITE_ERROR.
	Draft *Draft
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "reqsync: " + string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("reqsync: %s %s (%s)", e.Op, e.Conversation, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind ErrorKind, op string, conv ConversationID, err error) *Error {
	return &Error{Kind: kind, Op: op, Conversation: conv, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classify wraps a collaborator failure. Errors that already carry a kind keep
// it; anything else is treated as a transient network failure.
func classify(op string, conv ConversationID, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Conversation: conv, Err: err}
	}
	return newError(KindNetwork, op, conv, err)
}

// retryable reports whether a subscription failure may be retried automatically.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindUnauthorized, KindInvalidInput, KindClosed:
		return false
	}
	return true
}
