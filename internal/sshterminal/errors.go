package sshterminal

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a session could not be established or was lost.
type FailureKind string

const (
	KindInvalidRequest FailureKind = "invalid_request"
	KindAuthentication FailureKind = "authentication"
	KindTransport      FailureKind = "transport"
	KindTimeout        FailureKind = "timeout"
	KindChannel        FailureKind = "channel"
	// KindCanceled means the caller abandoned the connect; it says nothing
	// about the remote host.
	KindCanceled FailureKind = "canceled"
)

// ErrClosed is returned by Write and Resize after the handle is closed.
var ErrClosed = errors.New("session closed")

// ErrInputBacklog fails a handle whose remote stopped reading stdin.
var ErrInputBacklog = errors.New("input backlog exceeded")

// Failure is the error type returned by Open.
type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the failure kind carried by err, or "" if err is not a Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

func newFailure(kind FailureKind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}
