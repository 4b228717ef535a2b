package kvs

import "errors"

// Error kinds. Errors returned by this module match one of these with errors.Is
// while still carrying their underlying cause.
var (
	// ErrIO is a file or socket failure.
	ErrIO = errors.New("io error")
	// ErrParse is malformed structured data, either a log record or a wire message.
	ErrParse = errors.New("parse error")
	// ErrRead is a low level read failure.
	ErrRead = errors.New("read error")
	// ErrWrite is a low level write failure.
	ErrWrite = errors.New("write error")
	// ErrKeyNotFound is returned when removing a key that is not present.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConnection is a client side socket failure.
	ErrConnection = errors.New("connection error")
	// ErrOperation is a failed operation reported by a server.
	ErrOperation = errors.New("operation error")
	// ErrBind is returned when the server cannot listen on its address.
	ErrBind = errors.New("bind error")
	// ErrCorruption means the log or the index no longer agree with each other.
	// It is never retried; an engine that returned it refuses further operations.
	ErrCorruption = errors.New("storage corruption")
	// ErrEngineMismatch is returned when a data directory was initialized by another engine.
	ErrEngineMismatch = errors.New("engine mismatch")
)

type kindError struct {
	kind error
	err  error
}

// WithKind annotates err with kind. The result matches both kind and err with errors.Is.
// It returns nil if err is nil.
func WithKind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
