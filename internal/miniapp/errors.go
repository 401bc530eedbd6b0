package miniapp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is the root of every "launch the app again" failure.
var ErrNotFound = errors.New("not found")

var (
	ErrSessionNotFound   = fmt.Errorf("session %w", ErrNotFound)
	ErrSessionExpired    = fmt.Errorf("session expired: %w", ErrNotFound)
	ErrUnsupportedAction = fmt.Errorf("unsupported action: %w", ErrNotFound)
	ErrAppNotFound       = fmt.Errorf("mini-app %w", ErrNotFound)
	ErrNoHandler         = errors.New("no handler registered for mini-app")
	ErrRateLimited       = errors.New("too many actions, slow down")
)

// ValidationError is a recoverable input problem. The dispatcher reports it
// in Response.Errors instead of failing the call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// validationMessages flattens one or many joined validation errors.
func validationMessages(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		out := make([]string, 0)
		for _, e := range joined.Unwrap() {
			out = append(out, validationMessages(e)...)
		}
		return out
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return nil
	}
	return []string{msg}
}
