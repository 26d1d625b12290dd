package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can branch without parsing text.
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindDependencyMissing ErrorKind = "dependency_missing"
	KindClientUnavailable ErrorKind = "client_unavailable"
	KindNotLoggedIn       ErrorKind = "not_logged_in"
	KindNetwork           ErrorKind = "network"
	KindTLS               ErrorKind = "tls"
	KindFilesystem        ErrorKind = "filesystem"
	KindFileLocked        ErrorKind = "file_locked"
	KindDelivery          ErrorKind = "delivery"
	KindTimeout           ErrorKind = "timeout"
	KindBusy              ErrorKind = "busy"
	KindInterrupted       ErrorKind = "interrupted"
	KindInternal          ErrorKind = "internal"
)

// Error is a failure tagged with its kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a tagged error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Context cancellation and deadlines map to interrupted and timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindInterrupted
	}
	return KindInternal
}
