// Package auth runs the push's single authentication handshake: one
// reusable Authorization handed to every blob and manifest step.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ocibuild/pushcore/pkg/ocispec/authn"
	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
	"github.com/ocibuild/pushcore/pkg/util/xhttp"
	"github.com/ocibuild/pushcore/pkg/util/xio"
)

// Authorization is the outcome of the authenticate step: an authorizer
// usable on every subsequent request, plus the scope it was actually
// granted (which may be narrower than what was requested).
type Authorization struct {
	Authorizer     authn.Authorizer
	GrantedActions []string
}

// CredentialProvider resolves basic credentials for a registry host.
type CredentialProvider interface {
	Credentials(ctx context.Context, host string) (username, password string, ok bool)
}

// Target names what the authenticate step is probing and what scope it
// should request.
type Target struct {
	// Host is the registry host, e.g. "registry.example.com".
	Host string
	// Scheme is "https" or "http"; defaults to "https".
	Scheme string
	// Repository is the target repository, e.g. "my/app".
	Repository string
	// ProbeDigest is an arbitrary digest used only to trigger the
	// WWW-Authenticate challenge via a HEAD request; it need not exist.
	ProbeDigest string
}

func (t Target) scheme() string {
	if t.Scheme != "" {
		return t.Scheme
	}
	return "https"
}

// AuthenticateStep performs the probe/challenge/token-exchange flow exactly
// once per push and returns a Step whose value every uploader depends on.
func AuthenticateStep(ctx context.Context, pool *step.Pool, client xhttp.Client, target Target, creds CredentialProvider) *step.Step[Authorization] {
	return step.New(ctx, pool, nil, func(ctx context.Context) (Authorization, error) {
		return authenticate(ctx, client, target, creds)
	})
}

func authenticate(ctx context.Context, client xhttp.Client, target Target, creds CredentialProvider) (Authorization, error) {
	probeURL := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", target.scheme(), target.Host, target.Repository, target.ProbeDigest)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return Authorization{}, pusherr.New(pusherr.Internal, err).WithHost(target.Host)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Authorization{}, pusherr.New(pusherr.NetworkExhausted, err).WithHost(target.Host)
	}
	defer xio.CloseAndSkipError(resp.Body)

	if resp.StatusCode != http.StatusUnauthorized {
		// Anonymous registry, or credentials already accepted (direct Basic
		// endpoints set WWW-Authenticate on any request they care to gate,
		// so any non-401 means no bearer exchange is required).
		if user, pass, ok := creds.Credentials(ctx, target.Host); ok {
			return Authorization{Authorizer: authn.NewBasic(user, pass), GrantedActions: []string{"pull", "push"}}, nil
		}
		return Authorization{Authorizer: authn.NewAnonymous()}, nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	challenge := authn.ParseChallenge(header)

	switch challenge.Scheme {
	case authn.SchemeBasic:
		user, pass, ok := creds.Credentials(ctx, target.Host)
		if !ok {
			return Authorization{}, pusherr.Newf(pusherr.AuthRequired, "registry %s requires basic credentials", target.Host).WithHost(target.Host)
		}
		return Authorization{Authorizer: authn.NewBasic(user, pass), GrantedActions: []string{"pull", "push"}}, nil

	case authn.SchemeBearer:
		return authenticateBearer(ctx, client, target, challenge, creds)

	default:
		return Authorization{}, pusherr.Newf(pusherr.AuthRequired, "registry %s sent unsupported WWW-Authenticate scheme %q", target.Host, challenge.Scheme).WithHost(target.Host)
	}
}

func authenticateBearer(ctx context.Context, client xhttp.Client, target Target, challenge authn.Challenge, creds CredentialProvider) (Authorization, error) {
	realm := challenge.Parameters["realm"]
	if realm == "" {
		return Authorization{}, pusherr.Newf(pusherr.AuthRequired, "registry %s bearer challenge missing realm", target.Host).WithHost(target.Host)
	}
	service := challenge.Parameters["service"]
	scope := fmt.Sprintf("repository:%s:push,pull", target.Repository)

	q := url.Values{}
	if service != "" {
		q.Set("service", service)
	}
	q.Set("scope", scope)

	tokenURL := realm
	if strings.Contains(realm, "?") {
		tokenURL += "&" + q.Encode()
	} else {
		tokenURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return Authorization{}, pusherr.New(pusherr.Internal, err).WithHost(target.Host).WithScope(scope)
	}
	if user, pass, ok := creds.Credentials(ctx, target.Host); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Authorization{}, pusherr.New(pusherr.NetworkExhausted, err).WithHost(target.Host).WithScope(scope)
	}
	defer xio.CloseAndSkipError(resp.Body)

	if err := xhttp.Success(resp, http.StatusOK); err != nil {
		return Authorization{}, pusherr.New(pusherr.AuthRequired, err).WithHost(target.Host).WithScope(scope).WithResponse(resp.StatusCode, "")
	}

	var tok authn.Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Authorization{}, pusherr.New(pusherr.AuthRequired, err).WithHost(target.Host).WithScope(scope)
	}

	granted := effectiveScope(resp, scope)
	return Authorization{Authorizer: tok, GrantedActions: granted}, nil
}

// effectiveScope reports what actions the server actually granted, read
// from the comma-separated X-Granted-Scope response header if present, else
// assuming the full requested scope was granted.
func effectiveScope(resp *http.Response, requestedScope string) []string {
	granted := resp.Header.Get("X-Granted-Scope")
	if granted == "" {
		parts := strings.SplitN(requestedScope, ":", 3)
		if len(parts) == 3 {
			return strings.Split(parts[2], ",")
		}
		return nil
	}
	return strings.Split(granted, ",")
}

