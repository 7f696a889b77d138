// Package xio holds the one io.Closer helper the push core's registry and
// auth transports share: swallowing a response body's close error, which
// would otherwise mask whatever real error the call already returned.
package xio

import "io"

// CloseAndSkipError closes c and discards any error. Every push-core caller
// already has a more specific error to report (the request's own failure,
// or nothing at all on the success path), so a close failure on a response
// body we're done reading is never worth surfacing.
func CloseAndSkipError(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
