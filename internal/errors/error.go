package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure by how the scheduler reacts to it.
type Kind int

const (
	// KindInternal is anything not classified below. Never shown verbatim.
	KindInternal Kind = iota
	// KindAdmission covers rate limiting and duplicate submissions.
	KindAdmission
	// KindSelection covers entry-file resolution failures.
	KindSelection
	// KindBackend covers container start, copy and dependency install failures.
	KindBackend
	// KindTimeout is a run that outlived its deadline.
	KindTimeout
	// KindRelay ends a relay task silently.
	KindRelay
	// KindTerminated is a run stopped on the requester's behalf.
	KindTerminated
	// KindNotFound is a lookup that matched nothing.
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:   "internal",
	KindAdmission:  "admission",
	KindSelection:  "selection",
	KindBackend:    "backend",
	KindTimeout:    "timeout",
	KindRelay:      "relay",
	KindTerminated: "terminated",
	KindNotFound:   "not_found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error whose Message is safe to show to a requester.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error (for errors.Is and errors.As)
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and message, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// New creates an Error with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. An existing *Error keeps its message.
func Wrap(err error, kind Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return &Error{Kind: kind, Message: e.Message, Err: e.Err}
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf wraps err with a kind and a requester-facing message.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the text to show a requester for err.
// Internal errors collapse to fallback so their details never leak.
func UserMessage(err error, fallback string) string {
	var e *Error
	if !stderrors.As(err, &e) || e.Kind == KindInternal || e.Message == "" {
		return fallback
	}
	return e.Message
}
