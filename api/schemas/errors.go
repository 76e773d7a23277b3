package schemas

import (
	"context"
	"errors"
)

// Transient DOM errors. These are handled at strategy boundaries and never abort a scan.
var (
	ErrStaleElement           = errors.New("stale element reference")
	ErrElementNotInteractable = errors.New("element not interactable")
	ErrClickIntercepted       = errors.New("click intercepted by another element")
)

// Session-fatal errors. The current scan cannot continue after these.
var (
	ErrNoSuchWindow = errors.New("no such window")
	ErrSessionLost  = errors.New("browser session not responding")
)

// Configuration and input errors.
var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidCatalog = errors.New("invalid pattern catalog")
)

// IsSessionFatal reports whether err ends the scan.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrNoSuchWindow) || errors.Is(err, ErrSessionLost)
}

// IsTransient reports whether err is a recoverable per-element or per-operation failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStaleElement) ||
		errors.Is(err, ErrElementNotInteractable) ||
		errors.Is(err, ErrClickIntercepted) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ReasonFor maps an error onto the FailureReason recorded on a result.
func ReasonFor(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrStaleElement):
		return ReasonStaleElement
	case errors.Is(err, ErrElementNotInteractable):
		return ReasonNotInteractable
	case errors.Is(err, ErrClickIntercepted):
		return ReasonClickIntercepted
	case IsSessionFatal(err):
		return ReasonSessionLost
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonUnexpectedFailure
	}
}
