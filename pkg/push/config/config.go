// Package config implements the push-config step: takes the caller-supplied
// serialized container configuration, verifies its declared digest, and
// delegates the upload to a push-blob step.
package config

import (
	"bytes"
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocibuild/pushcore/pkg/push/blob"
	"github.com/ocibuild/pushcore/pkg/push/event"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
)

// Source produces the already-serialized container configuration JSON and
// the digest of those exact bytes. Serialization happens once, at the
// boundary that owns the config's field order; this step never
// re-marshals it.
type Source interface {
	ConfigBlob(ctx context.Context) ([]byte, digest.Digest, error)
}

// verified is the outcome of fetching source and checking its declared
// digest, carried from the verify step into the upload step without a
// second read of source.
type verified struct {
	content []byte
	desc    image.BlobDescriptor
}

// Step reads the configuration from source, verifies the declared digest
// against the actual bytes, and pushes it as a blob. The verify and upload
// phases are two sibling steps chained by step.Then rather than one step
// nesting the other's construction, so the upload step never has to fight
// the verify step for the same Pool slot.
func Step(ctx context.Context, pool *step.Pool, preds []step.Awaitable, client blob.RegistryClient, registryHost, repo string, taskSet *blob.TaskSet, sink event.Sink, clk clock.Clock, source Source) *step.Step[image.BlobDescriptor] {
	verify := step.New(ctx, pool, preds, func(ctx context.Context) (verified, error) {
		content, declared, err := source.ConfigBlob(ctx)
		if err != nil {
			return verified{}, pusherr.New(pusherr.Internal, err)
		}

		actual := digest.FromBytes(content)
		if actual != declared {
			return verified{}, pusherr.Newf(pusherr.DigestMismatch, "config source declared digest %s but bytes hash to %s", declared, actual)
		}

		return verified{
			content: content,
			desc: image.BlobDescriptor{
				Digest:    actual,
				Size:      int64(len(content)),
				MediaType: imgspecv1.MediaTypeImageConfig,
			},
		}, nil
	})

	policy := blob.DefaultRetryPolicy()
	policy.Clock = clk

	return step.Then(ctx, verify, func(ctx context.Context, v verified) *step.Step[image.BlobDescriptor] {
		in := blob.Input{
			Descriptor: v.desc,
			Content: func() (image.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(v.content)), nil
			},
			Repo: repo,
		}
		return blob.Step(ctx, pool, nil, client, registryHost, taskSet, sink, policy, in)
	})
}
