// Package vaulterr classifies protocol rejections so callers can decide whether
// to retry, alert a human, or abandon a request.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind is the machine-distinguishable category of a rejection.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindInsufficientLiquidity
	KindExternalDependency
	KindReplay
	KindEmergency
	KindState
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindInsufficientLiquidity:
		return "insufficient_liquidity"
	case KindExternalDependency:
		return "external_dependency"
	case KindReplay:
		return "replay"
	case KindEmergency:
		return "emergency"
	case KindState:
		return "state"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error for op.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a validation failure.
func Validation(op string, err error) error { return New(KindValidation, op, err) }

// Authorization wraps err as an authorization failure.
func Authorization(op string, err error) error { return New(KindAuthorization, op, err) }

// Liquidity wraps err as an insufficient-liquidity failure.
func Liquidity(op string, err error) error { return New(KindInsufficientLiquidity, op, err) }

// External wraps err as an external-dependency failure.
func External(op string, err error) error { return New(KindExternalDependency, op, err) }

// Replay wraps err as a duplicate submission.
func Replay(op string, err error) error { return New(KindReplay, op, err) }

// State wraps err as a state-machine violation.
func State(op string, err error) error { return New(KindState, op, err) }

// RateLimited wraps err as a rejection that clears once a cooldown elapses.
func RateLimited(op string, err error) error { return New(KindRateLimited, op, err) }

// KindOf returns the outermost kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var r *RestrictedError
	if errors.As(err, &r) {
		return KindEmergency
	}
	return KindUnknown
}

// Retryable reports whether retrying the same request later may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindEmergency, KindExternalDependency, KindRateLimited:
		return true
	default:
		return false
	}
}

// RestrictedError is returned when an emergency level or capability pause
// blocks an operation.
type RestrictedError struct {
	Op         string
	Capability string
	Level      string
}

func (e *RestrictedError) Error() string {
	if e.Level == "" || e.Level == "NONE" {
		return fmt.Sprintf("%s: %s paused by guardian", e.Op, e.Capability)
	}
	return fmt.Sprintf("%s: %s restricted by emergency level %s", e.Op, e.Capability, e.Level)
}

var (
	ErrZeroAmount        = errors.New("amount must be greater than zero")
	ErrNullAddress       = errors.New("address must not be zero")
	ErrReentrant         = errors.New("reentrant call")
	ErrUnauthorized      = errors.New("caller not authorized")
	ErrInsufficientCash  = errors.New("insufficient liquid balance")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrAllowance         = errors.New("insufficient allowance")
	ErrOverflow          = errors.New("arithmetic overflow")
)
