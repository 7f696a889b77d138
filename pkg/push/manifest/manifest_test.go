package manifest_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocibuild/pushcore/pkg/push/event"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/manifest"
	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
)

type recordingSink struct {
	mu   sync.Mutex
	logs []string
}

func (s *recordingSink) Log(_ slog.Level, msg string, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, msg)
}
func (s *recordingSink) Progress(string, int64, int64)          {}
func (s *recordingSink) TimerSpan(string, time.Time, time.Time) {}

func (s *recordingSink) Logged(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l == msg {
			return true
		}
	}
	return false
}

type recordingClient struct {
	mu        sync.Mutex
	puts      []string
	mismatch  map[string]bool
	fail      map[string]bool
	reportsAs digest.Digest // if set, every tag reports this digest instead of what was computed
}

func (c *recordingClient) PutManifest(_ context.Context, repo, tag, mediaType string, body []byte) (digest.Digest, error) {
	c.mu.Lock()
	c.puts = append(c.puts, repo+":"+tag)
	c.mu.Unlock()

	if c.fail != nil && c.fail[tag] {
		return "", pusherr.New(pusherr.RegistryRefused, assert.AnError)
	}
	if c.mismatch != nil && c.mismatch[tag] {
		return digest.FromBytes([]byte("not-the-same-bytes")), nil
	}
	if c.reportsAs != "" {
		return c.reportsAs, nil
	}
	return digest.FromBytes(body), nil
}

func testImage() image.Image {
	base := image.Layer{Descriptor: image.BlobDescriptor{Digest: digest.FromBytes([]byte("aa")), Size: 100, MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip"}}
	app := image.Layer{Descriptor: image.BlobDescriptor{Digest: digest.FromBytes([]byte("bb")), Size: 200, MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip"}}
	cfg := image.BlobDescriptor{Digest: digest.FromBytes([]byte("cc")), Size: 300, MediaType: "application/vnd.docker.container.image.v1+json"}
	return image.BuildImage([]image.Layer{base}, []image.Layer{app}, cfg, image.ConfigTemplate{}, image.ImageMetadata{})
}

func TestStep_ImageDigestEqualsHashOfServedBytes(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(4)
	client := &recordingClient{}
	sink := &recordingSink{}
	img := testImage()

	body, mediaType, err := manifest.Build(manifest.FormatDockerV2Schema2, img)
	require.NoError(t, err)
	wantDigest := digest.FromBytes(body)

	s := manifest.Step(ctx, pool, nil, client, "my/app", []string{"v1", "latest"}, manifest.FormatDockerV2Schema2, sink, clock.New(), img)
	result, err := s.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, result.Digest)
	assert.Equal(t, mediaType, result.MediaType)
	assert.ElementsMatch(t, []string{"my/app:v1", "my/app:latest"}, client.puts)
	assert.True(t, sink.Logged("ImageCreated"))
}

func TestStep_DigestMismatchIsFatalAndSuppressesEvent(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(4)
	client := &recordingClient{mismatch: map[string]bool{"latest": true}}
	sink := &recordingSink{}
	img := testImage()

	s := manifest.Step(ctx, pool, nil, client, "my/app", []string{"v1", "latest"}, manifest.FormatDockerV2Schema2, sink, clock.New(), img)
	_, err := s.Join(ctx)
	require.Error(t, err)
	assert.Equal(t, pusherr.DigestMismatch, pusherr.KindOf(err))
	assert.False(t, sink.Logged("ImageCreated"))
}

func TestStep_HappensBeforeBlobCompletion(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(4)
	client := &recordingClient{}
	sink := &recordingSink{}
	img := testImage()

	var blobDone bool
	blobStep := step.New(ctx, pool, nil, func(context.Context) (struct{}, error) {
		blobDone = true
		return struct{}{}, nil
	})

	s := manifest.Step(ctx, pool, []step.Awaitable{blobStep}, client, "my/app", []string{"v1"}, manifest.FormatDockerV2Schema2, sink, clock.New(), img)
	_, err := s.Join(ctx)
	require.NoError(t, err)
	assert.True(t, blobDone)
}

func TestStep_OCIFormatUsesOCIMediaType(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(2)
	client := &recordingClient{}
	sink := &recordingSink{}
	img := testImage()

	s := manifest.Step(ctx, pool, nil, client, "my/app", []string{"v1"}, manifest.FormatOCI, sink, clock.New(), img)
	result, err := s.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.oci.image.manifest.v1+json", result.MediaType)
}

func TestStep_PoolSizeOneDoesNotDeadlock(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(1)
	client := &recordingClient{}
	sink := &recordingSink{}
	img := testImage()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := manifest.Step(ctx, pool, nil, client, "my/app", []string{"v1", "latest", "edge"}, manifest.FormatDockerV2Schema2, sink, clock.New(), img)
		_, err := s.Join(ctx)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manifest.Step deadlocked with a pool of size one")
	}
	assert.ElementsMatch(t, []string{"my/app:v1", "my/app:latest", "my/app:edge"}, client.puts)
}
