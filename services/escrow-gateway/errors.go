package escrowgateway

import (
	"errors"
	"net/http"

	"valyra/native/escrow"
)

// statusForError maps engine error kinds onto HTTP status codes.
func statusForError(err error) int {
	if errors.Is(err, escrow.ErrNotFound) {
		return http.StatusNotFound
	}
	var bad *requestError
	if errors.As(err, &bad) {
		return http.StatusBadRequest
	}
	switch escrow.Kind(err) {
	case "authorization":
		return http.StatusForbidden
	case "state":
		return http.StatusConflict
	case "deadline":
		return http.StatusUnprocessableEntity
	case "validation":
		return http.StatusBadRequest
	case "paused":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requestError marks malformed requests rejected before reaching the engine.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// errorKind labels err for API clients.
func errorKind(err error) string {
	var bad *requestError
	if errors.As(err, &bad) {
		return "validation"
	}
	if errors.Is(err, escrow.ErrNotFound) {
		return "not_found"
	}
	return escrow.Kind(err)
}
