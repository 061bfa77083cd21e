package api

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// FlowError is the serializable, wire-transmissible form of a user-visible
// flow failure (§3 ErrorState.PropagatingErrors, §7 "User-visible" class).
// It is what crosses the session boundary to a counterparty, so it carries
// a string message rather than an arbitrary Go error value.
type FlowError struct {
	ErrorType string // e.g. "FlowException", "FlowPermissionException"
	Message   string
}

func (e FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
}

// FlowException is the base class of user-thrown, counterparty-visible
// flow errors (§7). Custom flow errors should wrap or embed it.
type FlowException struct {
	Message string
}

func (e *FlowException) Error() string { return e.Message }

// NewFlowException constructs a FlowException with the given message.
func NewFlowException(message string) error {
	return &FlowException{Message: message}
}

// FlowPermissionException is raised by FlowContext.CheckFlowPermission
// when the invoking principal lacks the required permission (§7).
type FlowPermissionException struct {
	Permission string
}

func (e *FlowPermissionException) Error() string {
	return fmt.Sprintf("missing flow permission: %s", e.Permission)
}

// CancellationRequested is delivered as Event.Error when the flow is
// cancelled from the outside (§5 "Cancellation & timeouts").
type CancellationRequested struct{}

func (CancellationRequested) Error() string { return "flow cancellation requested" }

// ErrorClass classifies an error for the purposes of §7's taxonomy. The
// Transition Function is the only place that calls Classify; workers
// never classify errors locally — the worker never recovers locally.
type ErrorClass int

const (
	// ClassUnrecoverable: process-wide halt. Internal-VM-level memory
	// errors excluding stack overflow. Go has no equivalent of a checked
	// OutOfMemoryError, so this class is reserved for errors explicitly
	// wrapped in Unrecoverable below (e.g. corruption detected in the
	// Checkpoint Codec).
	ClassUnrecoverable ErrorClass = iota
	// ClassFatal: Hospital admission, checkpoint retained in Errored.
	ClassFatal
	// ClassRetryable: automatic RetryFlowFromSafePoint with backoff.
	ClassRetryable
	// ClassUserVisible: propagates to counterparty sessions and the
	// initiator's result future.
	ClassUserVisible
)

// unrecoverableError marks an error as process-fatal per §7.
type unrecoverableError struct{ cause error }

func (e *unrecoverableError) Error() string { return "unrecoverable: " + e.cause.Error() }
func (e *unrecoverableError) Unwrap() error { return e.cause }

// Unrecoverable wraps cause so Classify reports ClassUnrecoverable for it.
func Unrecoverable(cause error) error {
	return &unrecoverableError{cause: cause}
}

// retryableError marks an error as transient per §7.
type retryableError struct{ cause error }

func (e *retryableError) Error() string { return "retryable: " + e.cause.Error() }
func (e *retryableError) Unwrap() error { return e.cause }

// Retryable wraps cause so Classify reports ClassRetryable for it.
func Retryable(cause error) error {
	return &retryableError{cause: cause}
}

// Classify implements the §7 error taxonomy.
//
//   - *unrecoverableError          -> ClassUnrecoverable
//   - *retryableError              -> ClassRetryable
//   - *FlowException, *FlowPermissionException, FlowError -> ClassUserVisible
//   - everything else              -> ClassFatal
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	switch err.(type) {
	case *unrecoverableError:
		return ClassUnrecoverable
	case *retryableError:
		return ClassRetryable
	case *FlowException, *FlowPermissionException:
		return ClassUserVisible
	case FlowError:
		return ClassUserVisible
	default:
		return ClassFatal
	}
}

// EncodeFlowError serializes e for transmission on a MessageReject
// envelope (§4.2 PropagateErrors).
func EncodeFlowError(e FlowError) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFlowError reverses EncodeFlowError.
func DecodeFlowError(data []byte) (FlowError, error) {
	var e FlowError
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return FlowError{}, err
	}
	return e, nil
}

// ToFlowError converts any error into its wire-transmissible FlowError
// form, used by Action PropagateErrors (§4.2, §7).
func ToFlowError(err error) FlowError {
	switch e := err.(type) {
	case *FlowException:
		return FlowError{ErrorType: "FlowException", Message: e.Message}
	case *FlowPermissionException:
		return FlowError{ErrorType: "FlowPermissionException", Message: e.Error()}
	case FlowError:
		return e
	default:
		return FlowError{ErrorType: "FlowException", Message: err.Error()}
	}
}
