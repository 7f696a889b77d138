// Package blob implements the push-blob step: exists-probe, cross-repository
// mount, streamed upload, digest verification and retry, deduplicated per
// (registry, repository, digest) across the whole push.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/ocibuild/pushcore/pkg/push/event"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
)

// RegistryClient is the subset of the wire protocol the push-blob step
// needs. Any type satisfying the full registry client (pkg/registryclient
// and the top-level push package's RegistryClient) satisfies this too.
type RegistryClient interface {
	HeadBlob(ctx context.Context, repo string, d digest.Digest) (bool, error)
	MountBlob(ctx context.Context, repo, from string, d digest.Digest) (mounted bool, uploadURL string, err error)
	StartUpload(ctx context.Context, repo string) (uploadURL string, err error)
	PatchUpload(ctx context.Context, uploadURL string, body io.Reader, size int64) (nextURL string, err error)
	PutUpload(ctx context.Context, uploadURL string, d digest.Digest, body io.Reader, size int64) (serverDigest digest.Digest, err error)
}

// RetryPolicy configures the exponential backoff applied to transient blob
// upload failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	Clock           clock.Clock
}

// DefaultRetryPolicy matches the push core's fixed policy: initial 500ms,
// cap 8s, max 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		MaxAttempts:     5,
		Clock:           clock.New(),
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Clock = p.Clock
	exp.Reset()

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bounded := backoff.WithMaxRetries(exp, uint64(attempts-1))
	return backoff.WithContext(bounded, ctx)
}

// TaskSet is the push's process-scoped deduplication map: at most one
// uploader runs per (registry, repository, digest).
type TaskSet struct {
	group singleflight.Group
	done  sync.Map // key -> image.BlobDescriptor of a completed push
}

func (ts *TaskSet) key(registryHost, repo string, d digest.Digest) string {
	return registryHost + "|" + repo + "|" + d.String()
}

// Input describes one blob the push core wants present in repo.
type Input struct {
	Descriptor       image.BlobDescriptor
	Content          image.ContentSource
	Repo             string
	SourceRepository string
}

// Step schedules the push-blob protocol for in on pool, after preds resolve,
// deduplicating through taskSet and retrying transient failures per policy.
func Step(ctx context.Context, pool *step.Pool, preds []step.Awaitable, client RegistryClient, registryHost string, taskSet *TaskSet, sink event.Sink, policy RetryPolicy, in Input) *step.Step[image.BlobDescriptor] {
	return step.New(ctx, pool, preds, func(ctx context.Context) (image.BlobDescriptor, error) {
		key := taskSet.key(registryHost, in.Repo, in.Descriptor.Digest)
		v, err, _ := taskSet.group.Do(key, func() (any, error) {
			if desc, ok := taskSet.done.Load(key); ok {
				return desc, nil
			}
			desc, err := pushOnce(ctx, client, sink, policy, in)
			if err == nil {
				taskSet.done.Store(key, desc)
			}
			return desc, err
		})
		if err != nil {
			var zero image.BlobDescriptor
			return zero, err
		}
		return v.(image.BlobDescriptor), nil
	})
}

func pushOnce(ctx context.Context, client RegistryClient, sink event.Sink, policy RetryPolicy, in Input) (image.BlobDescriptor, error) {
	var zero image.BlobDescriptor

	exists, err := client.HeadBlob(ctx, in.Repo, in.Descriptor.Digest)
	if err != nil {
		return zero, err
	}
	if exists {
		return in.Descriptor, nil
	}

	uploadURL := ""
	if in.SourceRepository != "" && in.SourceRepository != in.Repo {
		mounted, loc, err := client.MountBlob(ctx, in.Repo, in.SourceRepository, in.Descriptor.Digest)
		if err != nil {
			return zero, err
		}
		if mounted {
			return in.Descriptor, nil
		}
		uploadURL = loc
	}

	if uploadURL == "" {
		var err error
		uploadURL, err = client.StartUpload(ctx, in.Repo)
		if err != nil {
			return zero, err
		}
	}

	return uploadWithRetry(ctx, client, sink, policy, in, uploadURL)
}

func uploadWithRetry(ctx context.Context, client RegistryClient, sink event.Sink, policy RetryPolicy, in Input, uploadURL string) (image.BlobDescriptor, error) {
	var zero image.BlobDescriptor
	attempt := 0

	operation := func() error {
		attempt++
		name := fmt.Sprintf("push-blob %s attempt=%d", in.Descriptor.Digest, attempt)
		err := event.Span(ctx, policy.clockOrDefault(), sink, name, func(ctx context.Context) error {
			return doUpload(ctx, client, sink, in, uploadURL)
		})

		if err == nil {
			return nil
		}
		if pusherr.KindOf(err) == pusherr.NetworkExhausted {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, policy.backOff(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, pusherr.New(pusherr.Cancelled, ctxErr).WithScope(in.Repo)
		}
		// backoff.Retry unwraps backoff.Permanent errors to their cause
		// before returning, and surfaces the last operation error as-is
		// once retries are exhausted; both cases already carry a pusherr
		// Kind from doUpload, so no reclassification is needed here.
		if pusherr.KindOf(err) == pusherr.NetworkExhausted {
			return zero, pusherr.Newf(pusherr.NetworkExhausted, "push blob %s: retries exhausted: %w", in.Descriptor.Digest, err).WithScope(in.Repo)
		}
		return zero, err
	}
	return in.Descriptor, nil
}

func (p RetryPolicy) clockOrDefault() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.New()
}

// countingReader wraps an io.Reader to total the bytes read through it, so
// doUpload can report Progress once the registry has acknowledged the body
// without a second pass over it.
type countingReader struct {
	io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.n += int64(n)
	return n, err
}

func doUpload(ctx context.Context, client RegistryClient, sink event.Sink, in Input, uploadURL string) error {
	rc, err := in.Content()
	if err != nil {
		return pusherr.New(pusherr.Internal, err)
	}
	defer rc.Close()

	hasher := sha256.New()
	counted := &countingReader{Reader: io.TeeReader(rc, hasher)}

	nextURL, err := client.PatchUpload(ctx, uploadURL, counted, in.Descriptor.Size)
	if err != nil {
		return err
	}
	sink.Progress("bytes", in.Descriptor.Size, counted.n)

	sum := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if sum != in.Descriptor.Digest.String() {
		return pusherr.Newf(pusherr.DigestMismatch, "computed digest %s does not match declared digest %s", sum, in.Descriptor.Digest).WithScope(in.Repo)
	}

	serverDigest, err := client.PutUpload(ctx, nextURL, in.Descriptor.Digest, http.NoBody, 0)
	if err != nil {
		return err
	}
	if serverDigest != in.Descriptor.Digest {
		return pusherr.Newf(pusherr.DigestMismatch, "registry reported digest %s for declared digest %s", serverDigest, in.Descriptor.Digest).WithScope(in.Repo)
	}
	return nil
}
