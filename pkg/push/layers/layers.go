// Package layers fans one push-blob step per layer of an image, preserving
// declared order, and joins them into a single step.
package layers

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/ocibuild/pushcore/pkg/push/blob"
	"github.com/ocibuild/pushcore/pkg/push/event"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/step"
)

// Step launches one push-blob step per layer in order. Base layers carry
// their SourceRepository so cross-repository mount is attempted; application
// layers do not. The returned Awaitable completes when every child blob
// step completes, failing fast on the first failure. The per-layer handles
// are returned alongside in the same order so downstream manifest building
// can read back their descriptors.
func Step(ctx context.Context, pool *step.Pool, preds []step.Awaitable, client blob.RegistryClient, registryHost, repo string, taskSet *blob.TaskSet, sink event.Sink, clk clock.Clock, layerList []image.Layer) ([]*step.Step[image.BlobDescriptor], step.Awaitable) {
	policy := blob.DefaultRetryPolicy()
	policy.Clock = clk

	handles := make([]*step.Step[image.BlobDescriptor], len(layerList))
	awaitables := make([]step.Awaitable, len(layerList))

	for i, l := range layerList {
		in := blob.Input{
			Descriptor:       l.Descriptor,
			Content:          l.Content,
			Repo:             repo,
			SourceRepository: l.SourceRepository,
		}
		h := blob.Step(ctx, pool, preds, client, registryHost, taskSet, sink, policy, in)
		handles[i] = h
		awaitables[i] = h
	}

	return handles, step.AllOf(ctx, awaitables...)
}
