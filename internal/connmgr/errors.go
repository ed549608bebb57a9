package connmgr

import (
	"context"
	"errors"
	"fmt"

	"connq/internal/transport"
)

var (
	ErrCancelled            = errors.New("operation cancelled")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnknownKey           = errors.New("unknown key")
	ErrAlreadyAdmitted      = errors.New("operation already admitted")
	ErrInvalidGroup         = errors.New("invalid group")
	ErrClosed               = errors.New("connection manager closed")
)

// TransportError wraps any non-authentication failure reported by the transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport failed: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError carries the challenge that could not be resolved.
// errors.Is(err, ErrAuthenticationFailed) holds for every AuthError.
type AuthError struct {
	Challenge transport.Challenge
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s", e.Challenge.Space)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthenticationFailed }

// OutcomeKind classifies a terminal result.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeAuthFailed
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Kind maps a completion error to its outcome.
func Kind(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, ErrAuthenticationFailed):
		return OutcomeAuthFailed
	default:
		return OutcomeFailed
	}
}
