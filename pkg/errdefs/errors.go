package errdefs

import "errors"

// The push core's error taxonomy (pkg/pusherr) wraps every Kind in exactly
// one of these sentinels, and the registry's HTTP error translation
// (pkg/util/xhttp) wraps ErrNotFound around a 404 response, so errors.Is
// against a sentinel keeps working regardless of how many pusherr.Errors
// a failure passed through. Only the sentinels those two call sites
// actually reach for are declared here.
var (
	// ErrNotFound signals that the requested object doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals that some internal state conflicts with the requested action
	// and can't be performed. A change in state should be able to clear this error.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized is used to signify that the user is not authorized to perform a
	// specific action
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable signals that the requested action/subsystem is not available.
	ErrUnavailable = errors.New("unavailable")

	// ErrSystem signals that some internal error occurred.
	ErrSystem = errors.New("system error")

	// ErrCanceled signals that the action was canceled.
	ErrCanceled = errors.New("canceled")
)
