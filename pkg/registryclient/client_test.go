package registryclient_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocibuild/pushcore/pkg/pusherr"
	"github.com/ocibuild/pushcore/pkg/registryclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*registryclient.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := &registryclient.Client{
		HTTP:   srv.Client(),
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Scheme: "http",
	}
	return c, srv.Close
}

func TestHeadBlob_Exists(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/v2/my/app/blobs/sha256:aa", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	exists, err := c.HeadBlob(context.Background(), "my/app", digest.Digest("sha256:aa"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHeadBlob_NotFound(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer closeFn()

	exists, err := c.HeadBlob(context.Background(), "my/app", digest.Digest("sha256:aa"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMountBlob_Mounted(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "mount=sha256%3Aaa")
		assert.Contains(t, r.URL.RawQuery, "from=library%2Fbase")
		w.WriteHeader(http.StatusCreated)
	})
	defer closeFn()

	mounted, loc, err := c.MountBlob(context.Background(), "my/app", "library/base", digest.Digest("sha256:aa"))
	require.NoError(t, err)
	assert.True(t, mounted)
	assert.Empty(t, loc)
}

func TestMountBlob_FallsBackToUpload(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/my/app/blobs/uploads/xyz")
		w.WriteHeader(http.StatusAccepted)
	})
	defer closeFn()

	mounted, loc, err := c.MountBlob(context.Background(), "my/app", "library/base", digest.Digest("sha256:aa"))
	require.NoError(t, err)
	assert.False(t, mounted)
	assert.NotEmpty(t, loc)
}

func TestUploadLifecycle(t *testing.T) {
	content := []byte("hello world")
	d := digest.FromBytes(content)

	var patched bool
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "/v2/my/app/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, content, body)
			patched = true
			w.Header().Set("Location", "/v2/my/app/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			assert.Equal(t, d.String(), r.URL.Query().Get("digest"))
			w.Header().Set("Docker-Content-Digest", d.String())
			w.WriteHeader(http.StatusCreated)
		}
	})
	defer closeFn()

	ctx := context.Background()
	uploadURL, err := c.StartUpload(ctx, "my/app")
	require.NoError(t, err)

	next, err := c.PatchUpload(ctx, uploadURL, strings.NewReader(string(content)), int64(len(content)))
	require.NoError(t, err)
	assert.True(t, patched)

	serverDigest, err := c.PutUpload(ctx, next, d, strings.NewReader(string(content)), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, d, serverDigest)
}

func TestPutManifest_ReturnsServerReportedDigest(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2}`)
	other := digest.FromBytes([]byte("different"))

	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.docker.distribution.manifest.v2+json", r.Header.Get("Content-Type"))
		w.Header().Set("Docker-Content-Digest", other.String())
		w.WriteHeader(http.StatusCreated)
	})
	defer closeFn()

	serverDigest, err := c.PutManifest(context.Background(), "my/app", "latest", "application/vnd.docker.distribution.manifest.v2+json", manifest)
	require.NoError(t, err)
	assert.Equal(t, other, serverDigest)
	assert.NotEqual(t, digest.FromBytes(manifest), serverDigest)
}

func TestPutUpload_NonRetryableStatusClassified(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	defer closeFn()

	_, err := c.PutUpload(context.Background(), "http://"+c.Host+"/v2/my/app/blobs/uploads/abc", digest.Digest("sha256:aa"), strings.NewReader(""), 0)
	require.Error(t, err)
	assert.Equal(t, pusherr.RegistryRefused, pusherr.KindOf(err))
}
