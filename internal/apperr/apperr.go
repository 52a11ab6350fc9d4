// Package apperr classifies failures so callers can tell a retryable transport
// drop from a rejected request without matching on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers wireless disconnects and dropped sockets.
	KindTransport
	// KindProtocol covers malformed packets and unknown status codes.
	KindProtocol
	// KindBackend covers recognition backend startup failures.
	KindBackend
	// KindTimeout covers operations aborted by a deadline.
	KindTimeout
	// KindLogical covers requests rejected because of the current state.
	KindLogical
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindBackend:
		return "backend"
	case KindTimeout:
		return "timeout"
	case KindLogical:
		return "logical"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel. Compare with errors.Is.
type Error struct {
	Kind Kind
	Msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string { return e.Msg }

// Wrap attaches a classification to an arbitrary error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

type wrapped struct {
	kind Kind
	msg  string
	err  error
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

// KindOf reports the outermost classification found in the chain.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case *wrapped:
			return e.kind
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// Retryable reports whether repeating the operation may succeed. Device state
// is left untouched by transport and timeout failures.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
