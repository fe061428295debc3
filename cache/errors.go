package cache

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound reports a missing or expired key at API boundaries that cannot
	// return a found flag, such as the HTTP client.
	ErrNotFound = errors.New("cache: key not found")

	ErrSpaceNotFound = errors.New("cache: space not found")
	ErrClosed        = errors.New("cache: backend closed")
	ErrInvalidKind   = errors.New("cache: invalid value kind")
)

// StorageError wraps an I/O or query failure raised by a Backend together with
// the operation and the space/key it was attempted on.
type StorageError struct {
	Backend string
	Op      string
	Space   string
	Key     string
	Err     error
}

func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(": ")
	b.WriteString(e.Op)
	if e.Space != "" {
		b.WriteString(" space=")
		b.WriteString(e.Space)
	}
	if e.Key != "" {
		b.WriteString(" key=")
		b.WriteString(e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError returns nil when err is nil so callers can wrap unconditionally.
func NewStorageError(backend, op, space, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Backend: backend, Op: op, Space: space, Key: key, Err: err}
}

// ConfigurationError reports a storage configuration that cannot be used.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	msg := "cache: invalid configuration"
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Value != "" {
		msg += " " + `"` + e.Value + `"`
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsStorageError reports whether err carries a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
