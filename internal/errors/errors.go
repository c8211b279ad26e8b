package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification. Every error
// crossing the pipeline boundary carries exactly one Kind; callers render
// the message directly to the end user and branch on the Kind, never on
// message text.
type Kind int

const (
	KindInternal Kind = iota
	KindParameterValidation
	KindUnknownToken
	KindMetadataFetch
	KindZeroAmount
	KindInsufficientBalance
	KindApprovalFailed
	KindPinRequired
	KindPinIncorrect
	KindWalletLocked
	KindNodeRejected
	KindTimeoutIndeterminate
	KindExpiredTransaction
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:             "internal",
	KindParameterValidation:  "parameter_validation",
	KindUnknownToken:         "unknown_token",
	KindMetadataFetch:        "metadata_fetch",
	KindZeroAmount:           "zero_amount",
	KindInsufficientBalance:  "insufficient_balance",
	KindApprovalFailed:       "approval_failed",
	KindPinRequired:          "pin_required",
	KindPinIncorrect:         "pin_incorrect",
	KindWalletLocked:         "wallet_locked",
	KindNodeRejected:         "node_rejected",
	KindTimeoutIndeterminate: "timeout_indeterminate",
	KindExpiredTransaction:   "expired_transaction",
	KindUnavailable:          "unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal"
}

// Retryable reports whether the caller may retry the failed step after
// re-deriving fresh state. Node rejections are fatal: a blind resubmission
// could double-spend against a stale nonce.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnavailable, KindMetadataFetch:
		return true
	default:
		return false
	}
}

// Error is a typed pipeline error. Param names the offending parameter for
// validation-class failures and is empty otherwise.
type Error struct {
	Kind    Kind
	Message string
	Param   string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Param != "" {
		msg = fmt.Sprintf("%s (parameter %q)", msg, e.Param)
	}
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage is the renderable form: the message without wrapped cause
// text, so internal RPC detail never crosses the user boundary.
func (e *Error) UserMessage() string {
	if e.Param != "" {
		return fmt.Sprintf("%s (parameter %q)", e.Message, e.Param)
	}
	return e.Message
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Param builds a parameter-validation error naming the offending field.
func Param(name, reason string) *Error {
	return &Error{Kind: KindParameterValidation, Message: reason, Param: name}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if typed, ok := As(err); ok {
		return typed.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	typed, ok := As(err)
	return ok && typed.Kind == kind
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindParameterValidation, KindUnknownToken, KindZeroAmount, KindExpiredTransaction:
		return 2
	case KindPinRequired, KindPinIncorrect, KindWalletLocked:
		return 3
	case KindUnavailable, KindMetadataFetch, KindTimeoutIndeterminate:
		return 4
	default:
		return 1
	}
}
