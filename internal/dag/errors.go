package dag

import (
	"errors"
	"fmt"

	"github.com/roach88/evgraph/internal/event"
)

// Error represents an event rejected by the graph, or a graph operation that
// could not run.
//
// Error includes structured fields for diagnostics and recovery.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ID is the id of the affected event, if any.
	ID event.Hash

	// Missing lists parent ids not present locally (UNKNOWN_PARENT only).
	Missing []event.Hash

	// Err is the underlying cause (STORAGE only).
	Err error
}

// ErrorCode categorizes graph errors.
type ErrorCode string

const (
	// CodeInvalidParentCount indicates a structurally malformed parent list.
	// Permanent rejection.
	CodeInvalidParentCount ErrorCode = "INVALID_PARENT_COUNT"

	// CodeUnknownParent indicates a parent is not stored locally yet.
	// Recoverable: drives sync.
	CodeUnknownParent ErrorCode = "UNKNOWN_PARENT"

	// CodeTimestampOutOfRange indicates a timestamp outside the drift window.
	// Permanent rejection.
	CodeTimestampOutOfRange ErrorCode = "TIMESTAMP_OUT_OF_RANGE"

	// CodeMalformedContent indicates oversized content or an inconsistent layer.
	// Permanent rejection.
	CodeMalformedContent ErrorCode = "MALFORMED_CONTENT"

	// CodeStorage indicates the event store failed. Never retried internally.
	CodeStorage ErrorCode = "STORAGE"

	// CodePruneInProgress indicates a rotation is executing. Retryable.
	CodePruneInProgress ErrorCode = "PRUNE_IN_PROGRESS"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case !e.ID.IsNull():
		return fmt.Sprintf("%s: %s (event=%s)", e.Code, e.Message, e.ID.Short())
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, id event.Hash, format string, args ...any) *Error {
	return &Error{Code: code, ID: id, Message: fmt.Sprintf(format, args...)}
}

func storageError(op string, err error) *Error {
	return &Error{Code: CodeStorage, Message: op, Err: err}
}

// CodeOf returns the code of a graph error, or "" for other errors.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// MissingParents returns the unknown parent ids carried by an
// UNKNOWN_PARENT error, or nil.
func MissingParents(err error) []event.Hash {
	var ge *Error
	if errors.As(err, &ge) && ge.Code == CodeUnknownParent {
		return ge.Missing
	}
	return nil
}

// IsUnknownParent reports whether err is an UNKNOWN_PARENT error.
func IsUnknownParent(err error) bool {
	return CodeOf(err) == CodeUnknownParent
}

// IsValidation reports whether err is a permanent validation rejection.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidParentCount, CodeTimestampOutOfRange, CodeMalformedContent:
		return true
	}
	return false
}

// IsRetryable reports whether the operation may succeed if retried later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnknownParent, CodePruneInProgress:
		return true
	}
	return false
}
