package icebox

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a named thing (source, box, backend object)
// does not exist. It is informational, not fatal: no state was changed.
type NotFoundError struct {
	Kind string // "source", "box", "object"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// DuplicateError reports a name collision on put. The operation was aborted
// before any backend or local write.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("source already exists: %s", e.Name)
}

// TransientError wraps a backend failure that is safe to retry: network
// trouble, rate limiting, 5xx responses. Local state is unchanged.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps a backend failure that retrying will not fix:
// authentication, permissions, corrupted remote state. Local state is
// unchanged.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// DecodeError reports that the codec could not decrypt or unpack a blob.
// Treated as a data-integrity problem and always surfaced.
type DecodeError struct {
	Name string // source name or backend key
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
