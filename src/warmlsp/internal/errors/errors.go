package errors

import (
	stderr "errors"
	"fmt"
)

// Kind is the machine-readable category of a failure, reported to clients as the error frame code.
type Kind string

const (
	// KindProtocol reports malformed request or response framing.
	KindProtocol Kind = "PROTOCOL_ERROR"
	// KindSessionCrashed reports that the language server exited while requests were pending.
	KindSessionCrashed Kind = "SESSION_CRASHED"
	// KindSessionStopping reports an operation attempted while its session is tearing down.
	KindSessionStopping Kind = "SESSION_STOPPING"
	// KindRequestTimeout reports that the language server did not answer within the request timeout.
	KindRequestTimeout Kind = "REQUEST_TIMEOUT"
	// KindSpawnFailure reports that the language server process could not be started or initialized.
	KindSpawnFailure Kind = "SPAWN_FAILURE"
	// KindNoResult reports a well-formed query with an empty answer. It is not a failure.
	KindNoResult Kind = "NO_RESULT"
	// KindConnectionUnavailable reports that a client cannot reach the daemon.
	KindConnectionUnavailable Kind = "CONNECTION_UNAVAILABLE"
	// KindProjectNotFound reports a project root that is missing or has no project marker.
	KindProjectNotFound Kind = "PROJECT_NOT_FOUND"
	// KindInvalidRequest reports a well-framed request whose arguments cannot be served.
	KindInvalidRequest Kind = "INVALID_REQUEST"
	// KindInternal is used for anything that was not classified.
	KindInternal Kind = "INTERNAL_ERROR"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error is an implementation of the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that sentinel values below match wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderr.As(err, &e) {
		return e.Kind
	}
	var sizeErr *DocumentSizeLimitError
	if stderr.As(err, &sizeErr) {
		return KindInvalidRequest
	}
	var notFound *DocumentNotFoundError
	if stderr.As(err, &notFound) {
		return KindInvalidRequest
	}
	return KindInternal
}

// Is and As are re-exported so callers do not need to import both error packages.
var (
	Is = stderr.Is
	As = stderr.As
)

var (
	// ErrSessionStopping is returned for operations on a session that is shutting down.
	ErrSessionStopping = &Error{Kind: KindSessionStopping, Message: "session is stopping"}
	// ErrSessionCrashed is returned to every request pending on a session whose server exited.
	ErrSessionCrashed = &Error{Kind: KindSessionCrashed, Message: "language server exited unexpectedly"}
	// ErrRequestTimeout is returned when the language server does not answer in time.
	ErrRequestTimeout = &Error{Kind: KindRequestTimeout, Message: "language server request timed out"}
	// ErrNoResult indicates an empty answer.
	ErrNoResult = &Error{Kind: KindNoResult, Message: "no result"}
)
