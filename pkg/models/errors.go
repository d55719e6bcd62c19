package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures of the ingestion and retrieval paths.
type ErrorKind string

const (
	KindOriginUnavailable   ErrorKind = "origin_unavailable"
	KindFingerprintConflict ErrorKind = "fingerprint_conflict"
	KindEmbeddingFailure    ErrorKind = "embedding_failure"
	KindIndexWriteFailure   ErrorKind = "index_write_failure"
	KindRetrievalFailure    ErrorKind = "retrieval_failure"
	KindCompletionFailure   ErrorKind = "completion_failure"
	KindMalformedTaskOutput ErrorKind = "malformed_task_output"
	KindTimeout             ErrorKind = "timeout"
	KindInvalidRequest      ErrorKind = "invalid_request"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrOriginUnavailable   = &Error{Kind: KindOriginUnavailable}
	ErrFingerprintConflict = &Error{Kind: KindFingerprintConflict}
	ErrEmbeddingFailure    = &Error{Kind: KindEmbeddingFailure}
	ErrIndexWriteFailure   = &Error{Kind: KindIndexWriteFailure}
	ErrRetrievalFailure    = &Error{Kind: KindRetrievalFailure}
	ErrCompletionFailure   = &Error{Kind: KindCompletionFailure}
	ErrMalformedTaskOutput = &Error{Kind: KindMalformedTaskOutput}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
)

// Error is a classified failure carrying enough identity to retry the work.
type Error struct {
	Kind        ErrorKind
	Op          string
	SourceID    string
	Fingerprint string
	Err         error
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.SourceID != "" {
		fmt.Fprintf(&b, " (source %s", e.SourceID)
		if e.Fingerprint != "" {
			fmt.Fprintf(&b, " @ %s", ShortFingerprint(e.Fingerprint))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindInvalidRequest, KindMalformedTaskOutput:
		return false
	default:
		return true
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
