// Package errs holds the error taxonomy shared by the store, the services and the
// realtime channel. Callers wrap these with fmt.Errorf("%w: ...") and match with errors.Is.
package errs

import "errors"

var (
	// ErrValidation marks malformed or missing fields on send/append.
	ErrValidation = errors.New("validation failed")
	// ErrUserNotFound means a participant id does not resolve in the user directory.
	ErrUserNotFound = errors.New("user not found")
	// ErrStoreUnavailable wraps I/O failures of the conversation store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTransport marks a realtime connection that could not be written to.
	ErrTransport = errors.New("transport error")
)

// Code returns the short machine-readable code used in realtime error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
