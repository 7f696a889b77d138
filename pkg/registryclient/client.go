// Package registryclient implements the subset of the OCI distribution wire
// protocol the push core needs: blob existence checks, cross-repository
// mount, chunkless streamed upload, and manifest PUT.
package registryclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"

	"github.com/opencontainers/go-digest"

	"github.com/ocibuild/pushcore/pkg/ocispec/authn"
	"github.com/ocibuild/pushcore/pkg/pusherr"
	"github.com/ocibuild/pushcore/pkg/util/xhttp"
	"github.com/ocibuild/pushcore/pkg/util/xio"
)

// Client talks to one registry host over HTTP, authorizing every request
// with the Authorizer obtained from the push's authenticate step.
type Client struct {
	HTTP       xhttp.Client
	Host       string
	Scheme     string
	Authorizer authn.Authorizer
}

// SetAuthorizer installs the Authorizer obtained from the push's
// authenticate step. Callers must not invoke any other Client method
// concurrently with SetAuthorizer; the push core calls it once, after the
// authenticate step resolves and before any dependent step starts.
func (c *Client) SetAuthorizer(authorizer authn.Authorizer) {
	c.Authorizer = authorizer
}

func (c *Client) scheme() string {
	if c.Scheme != "" {
		return c.Scheme
	}
	return "https"
}

func (c *Client) endpoint(format string, args ...any) string {
	path := fmt.Sprintf(format, args...)
	return fmt.Sprintf("%s://%s%s", c.scheme(), c.Host, path)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Authorizer != nil {
		if err := c.Authorizer.Authorize(req); err != nil {
			return nil, pusherr.New(pusherr.Internal, err).WithHost(c.Host)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err).WithHost(c.Host)
	}
	return resp, nil
}

func classifyTransportError(err error) *pusherr.Error {
	return pusherr.New(pusherr.NetworkExhausted, err)
}

// classifyStatus maps a non-2xx HTTP status into the appropriate pusherr
// Kind per the push core's error taxonomy.
func classifyStatus(status int, host string, body string) *pusherr.Error {
	switch {
	case status == http.StatusUnauthorized:
		return pusherr.New(pusherr.AuthRequired, fmt.Errorf("registry returned 401")).WithHost(host).WithResponse(status, body)
	case status == http.StatusForbidden:
		return pusherr.New(pusherr.AuthInsufficient, fmt.Errorf("registry returned 403")).WithHost(host).WithResponse(status, body)
	case status == http.StatusUnsupportedMediaType:
		return pusherr.New(pusherr.ManifestUnsupported, fmt.Errorf("registry returned 415")).WithHost(host).WithResponse(status, body)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return pusherr.New(pusherr.NetworkExhausted, fmt.Errorf("transient registry error %d", status)).WithHost(host).WithResponse(status, body)
	default:
		return pusherr.New(pusherr.RegistryRefused, fmt.Errorf("registry returned %d", status)).WithHost(host).WithResponse(status, body)
	}
}

func readErrorBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	const maxRead = 2048
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxRead))
	return string(b)
}

// HeadBlob implements RegistryClient.
func (c *Client) HeadBlob(ctx context.Context, repo string, d digest.Digest) (bool, error) {
	url := c.endpoint("/v2/%s/blobs/%s", repo, d)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer xio.CloseAndSkipError(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, classifyStatus(resp.StatusCode, c.Host, readErrorBody(resp))
	}
}

// MountBlob implements RegistryClient.
func (c *Client) MountBlob(ctx context.Context, repo, from string, d digest.Digest) (bool, string, error) {
	url := c.endpoint("/v2/%s/blobs/uploads/?mount=%s&from=%s", repo, neturl.QueryEscape(d.String()), neturl.QueryEscape(from))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	resp, err := c.do(req)
	if err != nil {
		return false, "", err
	}
	defer xio.CloseAndSkipError(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, "", nil
	case http.StatusAccepted:
		loc, err := resp.Location()
		if err != nil {
			return false, "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
		}
		return false, loc.String(), nil
	default:
		return false, "", classifyStatus(resp.StatusCode, c.Host, readErrorBody(resp))
	}
}

// StartUpload implements RegistryClient.
func (c *Client) StartUpload(ctx context.Context, repo string) (string, error) {
	url := c.endpoint("/v2/%s/blobs/uploads/", repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer xio.CloseAndSkipError(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", classifyStatus(resp.StatusCode, c.Host, readErrorBody(resp))
	}
	loc, err := resp.Location()
	if err != nil {
		return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	return loc.String(), nil
}

// PatchUpload implements RegistryClient.
func (c *Client) PatchUpload(ctx context.Context, uploadURL string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, body)
	if err != nil {
		return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer xio.CloseAndSkipError(resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return "", classifyStatus(resp.StatusCode, c.Host, readErrorBody(resp))
	}
	loc, err := resp.Location()
	if err != nil {
		return uploadURL, nil
	}
	return loc.String(), nil
}

// PutUpload implements RegistryClient.
func (c *Client) PutUpload(ctx context.Context, uploadURL string, d digest.Digest, body io.Reader, size int64) (digest.Digest, error) {
	finalizeURL := uploadURL
	if sep := "?"; !containsQuery(uploadURL) {
		finalizeURL += sep + "digest=" + d.String()
	} else {
		finalizeURL += "&digest=" + d.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, finalizeURL, body)
	if err != nil {
		return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer xio.CloseAndSkipError(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", classifyStatus(resp.StatusCode, c.Host, readErrorBody(resp))
	}

	if header := resp.Header.Get("Docker-Content-Digest"); header != "" {
		serverDigest, err := digest.Parse(header)
		if err != nil {
			return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
		}
		return serverDigest, nil
	}
	return d, nil
}

// PutManifest implements RegistryClient.
func (c *Client) PutManifest(ctx context.Context, repo, tag string, mediaType string, body []byte) (digest.Digest, error) {
	url := c.endpoint("/v2/%s/manifests/%s", repo, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", mediaType)

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer xio.CloseAndSkipError(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", classifyStatus(resp.StatusCode, c.Host, readErrorBody(resp))
	}

	if header := resp.Header.Get("Docker-Content-Digest"); header != "" {
		serverDigest, err := digest.Parse(header)
		if err != nil {
			return "", pusherr.New(pusherr.Internal, err).WithHost(c.Host)
		}
		return serverDigest, nil
	}
	return digest.FromBytes(body), nil
}

func containsQuery(rawURL string) bool {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == '?' {
			return true
		}
	}
	return false
}
