// Package pusherr defines the error taxonomy for the push orchestration core.
package pusherr

import (
	"errors"
	"fmt"

	"github.com/ocibuild/pushcore/pkg/errdefs"
)

// Kind classifies a push failure so callers can branch on it without string
// matching. A Kind always wraps one of the sentinel errors below, so
// errors.Is against the sentinel keeps working across step boundaries.
type Kind string

const (
	// AuthRequired means the registry requires credentials that were not
	// supplied.
	AuthRequired Kind = "AUTH_REQUIRED"
	// AuthInsufficient means the credentials were accepted but the granted
	// scope does not cover the action attempted.
	AuthInsufficient Kind = "AUTH_INSUFFICIENT"
	// NetworkExhausted means a transient network error persisted through
	// every retry attempt.
	NetworkExhausted Kind = "NETWORK_EXHAUSTED"
	// RegistryRefused means the registry returned a non-retryable 4xx.
	RegistryRefused Kind = "REGISTRY_REFUSED"
	// DigestMismatch means computed and declared (or server-reported)
	// digests disagreed.
	DigestMismatch Kind = "DIGEST_MISMATCH"
	// ManifestUnsupported means the registry rejected the manifest's media
	// type.
	ManifestUnsupported Kind = "MANIFEST_UNSUPPORTED"
	// Cancelled means the push's cancellation signal fired.
	Cancelled Kind = "CANCELLED"
	// Internal means an invariant inside the core was violated; it is
	// always a bug.
	Internal Kind = "INTERNAL"
)

var (
	// ErrDigestMismatch is the sentinel wrapped by every DigestMismatch error.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrManifestUnsupported is the sentinel wrapped by every ManifestUnsupported error.
	ErrManifestUnsupported = errors.New("manifest format unsupported by registry")
)

func sentinelFor(kind Kind) error {
	switch kind {
	case AuthRequired, AuthInsufficient:
		return errdefs.ErrUnauthorized
	case NetworkExhausted:
		return errdefs.ErrUnavailable
	case RegistryRefused:
		return errdefs.ErrConflict
	case DigestMismatch:
		return ErrDigestMismatch
	case ManifestUnsupported:
		return ErrManifestUnsupported
	case Cancelled:
		return errdefs.ErrCanceled
	default:
		return errdefs.ErrSystem
	}
}

// Error is a tagged push failure. It is never stripped of its Kind as it
// propagates across step boundaries (spec requirement: no wrapping that
// loses the kind).
type Error struct {
	Kind   Kind
	Host   string
	Scope  string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Host != "" {
		msg += " host=" + e.Host
	}
	if e.Scope != "" {
		msg += " scope=" + e.Scope
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += " body=" + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error {
	return errdefs.NewE(sentinelFor(e.Kind), e.Err)
}

// Is reports whether target is a *Error with the same Kind. Matching against
// a sentinel is left to errors.Is walking through Unwrap.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates a tagged Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates a tagged Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithHost sets the Host field and returns the receiver for chaining.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithScope sets the Scope field and returns the receiver for chaining.
func (e *Error) WithScope(scope string) *Error {
	e.Scope = scope
	return e
}

// WithResponse sets the Status and a truncated Body snippet and returns the
// receiver for chaining.
func (e *Error) WithResponse(status int, body string) *Error {
	e.Status = status
	const maxBodySnippet = 512
	if len(body) > maxBodySnippet {
		body = body[:maxBodySnippet]
	}
	e.Body = body
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, else
// Internal. A nil err yields the empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// IsCancelled reports whether err is a Cancelled push error.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}
