// Package errors provides the error taxonomy shared by the store, the command
// gateway and the window sync clients.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeValidationFailure  ErrorCode = "VALIDATION_FAILURE"
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
)

// Kind classifies an error independently of where it was raised.
type Kind uint8

const (
	KindOther Kind = iota
	KindInvalid
	KindPersistence
	KindTransport
	KindNotFound
	KindClosed
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindPersistence:
		return "persistence"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindClosed:
		return "closed"
	case KindInternal:
		return "internal"
	default:
		return "other"
	}
}

// code maps a kind onto the public error code, if it has one.
func (k Kind) code() ErrorCode {
	switch k {
	case KindInvalid:
		return ErrCodeValidationFailure
	case KindPersistence:
		return ErrCodePersistenceFailure
	case KindTransport:
		return ErrCodeTransportFailure
	}
	return ""
}

// Operation names the operation during which an error occurred,
// e.g. "store.Update" or "gateway.Invoke".
type Operation string

const (
	OpUpdate    Operation = "update"
	OpSnapshot  Operation = "snapshot"
	OpPersist   Operation = "persist"
	OpRestore   Operation = "restore"
	OpInvoke    Operation = "invoke"
	OpSubscribe Operation = "subscribe"
	OpDecode    Operation = "decode"
	OpClose     Operation = "close"
)

// Op is a convenience conversion for use with E.
func Op(s string) Operation { return Operation(s) }

type component string

// Component tags an error with the component that raised it when passed to E.
func Component(s string) component { return component(s) }

// SyncError represents an error raised anywhere in the state sync core.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g. "store", "gateway")
	Component string

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a *SyncError from its arguments. Recognised argument types are
// Operation, the value returned by Component, Kind, error, string (a message
// wrapped around the error) and map[string]interface{} (metadata).
// The innermost SyncError's kind is inherited when none is given.
func E(args ...interface{}) error {
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case map[string]interface{}:
			e.Metadata = a
		}
	}

	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		} else {
			e.Err = errors.New(msg)
		}
	}

	if e.Kind == KindOther {
		var inner *SyncError
		if errors.As(e.Err, &inner) {
			e.Kind = inner.Kind
		}
	}
	e.Code = e.Kind.code()
	e.Retryable = e.Kind == KindPersistence || e.Kind == KindTransport
	return e
}

// NewValidationError creates a rejected-mutation error. Not retryable.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Kind:      KindInvalid,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewPersistenceError creates a durable-write failure error.
func NewPersistenceError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodePersistenceFailure,
		Kind:      KindPersistence,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewTransportError creates an error for a gateway call or bus subscription
// that could not reach the store.
func NewTransportError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransportFailure,
		Kind:      KindTransport,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// KindOf returns the kind of the outermost SyncError in err's chain,
// or KindOther.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindOther
}

// Is reports whether err carries the given kind.
func Is(kind Kind, err error) bool {
	return err != nil && KindOf(err) == kind
}

func IsValidation(err error) bool  { return Is(KindInvalid, err) }
func IsPersistence(err error) bool { return Is(KindPersistence, err) }
func IsTransport(err error) bool   { return Is(KindTransport, err) }
func IsNotFound(err error) bool    { return Is(KindNotFound, err) }
func IsClosed(err error) bool      { return Is(KindClosed, err) }

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}
