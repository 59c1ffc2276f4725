package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling. The API layer
// maps kinds onto HTTP status codes; retry logic keys off Retryable.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuthorization    Kind = "authorization"
	KindBackpressure     Kind = "backpressure"
	KindSignatureInvalid Kind = "signature_invalid"
	KindNodeApplyFailed  Kind = "node_apply_failed"
	KindHealthDegraded   Kind = "health_degraded"
	KindApprovalRejected Kind = "approval_rejected"
	KindApprovalExpired  Kind = "approval_expired"
	KindTimeout          Kind = "timeout"
	KindInconsistent     Kind = "inconsistent"
	KindLockContention   Kind = "lock_contention"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error is a classified error, optionally wrapping a cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf classifies an existing error with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the outermost classified error in err's
// chain, or KindInternal for unclassified errors. A nil error has no
// kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is transient and the operation
// safe to resubmit. Only backpressure and lock contention qualify.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindBackpressure || k == KindLockContention
}

func IsValidation(err error) bool       { return Is(err, KindValidation) }
func IsAuthorization(err error) bool    { return Is(err, KindAuthorization) }
func IsBackpressure(err error) bool     { return Is(err, KindBackpressure) }
func IsSignatureInvalid(err error) bool { return Is(err, KindSignatureInvalid) }
func IsNodeApplyFailed(err error) bool  { return Is(err, KindNodeApplyFailed) }
func IsHealthDegraded(err error) bool   { return Is(err, KindHealthDegraded) }
func IsApprovalRejected(err error) bool { return Is(err, KindApprovalRejected) }
func IsApprovalExpired(err error) bool  { return Is(err, KindApprovalExpired) }
func IsTimeout(err error) bool          { return Is(err, KindTimeout) }
func IsInconsistent(err error) bool     { return Is(err, KindInconsistent) }
func IsLockContention(err error) bool   { return Is(err, KindLockContention) }
func IsNotFound(err error) bool         { return Is(err, KindNotFound) }
func IsConflict(err error) bool         { return Is(err, KindConflict) }
