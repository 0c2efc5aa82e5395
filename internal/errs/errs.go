package errs

import (
	"errors"
	"fmt"
)

// Доменные сентинель-ошибки для маппинга в HTTP коды и WS error-события.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSessionFull     = errors.New("session is full")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("persistence unavailable")

	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrPlayerNotFound  = fmt.Errorf("player %w", ErrNotFound)
	ErrAlreadyMember   = fmt.Errorf("%w: already a member of this session", ErrConflict)

	// Transport level, never leave the process.
	ErrBackpressure = errors.New("outbound queue full")
	ErrConnClosed   = errors.New("connection closed")
)

// Unavailable marks a gateway failure so callers can tell it apart from domain errors.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Invalid wraps a human readable reason into ErrInvalidArgument.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Code returns the reason code rendered to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, ErrSessionFull):
		return "full"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
