package authn

import "errors"

// ErrNoToken is returned if a request is successful but the body does not
// contain an authorization token.
var ErrNoToken = errors.New("authorization server did not include a token in the response")
