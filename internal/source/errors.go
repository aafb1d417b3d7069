package source

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid provider configuration. Fatal at startup.
	ErrConfiguration = errors.New("source configuration error")
	// ErrAuthentication marks credential, terms-of-use or patient-link failures.
	// Not retryable without operator action.
	ErrAuthentication = errors.New("source authentication failed")
	// ErrUpstreamUnavailable marks network, HTTP status and payload failures. Retryable.
	ErrUpstreamUnavailable = errors.New("source upstream unavailable")
	// ErrRedirectLoop is returned when LibreLinkUp redirects the login more than once.
	ErrRedirectLoop = fmt.Errorf("%w: region redirect loop", ErrUpstreamUnavailable)
)

// Error describes a failed adapter operation. It matches its Kind with errors.Is.
type Error struct {
	Provider string
	Op       string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusError carries a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
