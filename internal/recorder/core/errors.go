package core

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies recording failures.
type ErrorKind int

const (
	// KindConfiguration marks a configuration rejected before anything was started.
	KindConfiguration ErrorKind = iota + 1
	// KindDevice marks a microphone or encoder that could not be opened or driven.
	KindDevice
	// KindProtocolViolation marks a broken pipeline invariant. It is a bug, never retried.
	KindProtocolViolation
	// KindFinalize marks a container that could not be completed.
	KindFinalize
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindDevice:
		return "device error"
	case KindProtocolViolation:
		return "protocol violation"
	case KindFinalize:
		return "finalize error"
	default:
		return "unknown error"
	}
}

// Error is a classified recording error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error from a message.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err, adding context. A nil err yields nil.
func Wrap(kind ErrorKind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrap(err, message)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

var (
	// ErrAlreadyRecording is returned by start while a session is active.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrTryAgainLater is returned by an encoder with no output ready yet.
	ErrTryAgainLater = errors.New("encoder output not ready")
	// ErrEndOfStream is returned by an encoder asked for output after its
	// end-of-stream unit was delivered.
	ErrEndOfStream = errors.New("encoder reached end of stream")
)
