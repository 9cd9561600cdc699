package escrow

import (
	"errors"
	"fmt"
)

// Error kinds. Every rejection returned by the engine wraps exactly one of
// these so transports can map them without string matching.
var (
	ErrAuthorization = errors.New("escrow: unauthorized")
	ErrState         = errors.New("escrow: invalid state")
	ErrDeadline      = errors.New("escrow: deadline not satisfied")
	ErrValidation    = errors.New("escrow: invalid input")
	ErrPaused        = errors.New("escrow: paused")

	ErrNotFound = fmt.Errorf("%w: not found", ErrValidation)
)

func authError(format string, args ...any) error {
	return kindError(ErrAuthorization, format, args...)
}

func stateError(format string, args ...any) error {
	return kindError(ErrState, format, args...)
}

func deadlineError(format string, args ...any) error {
	return kindError(ErrDeadline, format, args...)
}

func validationError(format string, args ...any) error {
	return kindError(ErrValidation, format, args...)
}

func notFound(what string, id uint64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}

func kindError(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind classifies err into a stable label. Errors that do not carry one of the
// engine's kinds are reported as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrDeadline):
		return "deadline"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
