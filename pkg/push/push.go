// Package push assembles the authenticate/push-blob/push-layers/push-config/
// build-image/push-manifest steps into the fixed DAG a container image push
// follows, and exposes the single entry point, Push, that runs it.
package push

import (
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"

	"github.com/ocibuild/pushcore/pkg/ocispec/authn"
	"github.com/ocibuild/pushcore/pkg/push/auth"
	"github.com/ocibuild/pushcore/pkg/push/blob"
	"github.com/ocibuild/pushcore/pkg/push/config"
	"github.com/ocibuild/pushcore/pkg/push/event"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/layers"
	"github.com/ocibuild/pushcore/pkg/push/manifest"
	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
	"github.com/ocibuild/pushcore/pkg/util/xhttp"
)

// LayerSource produces the base and application layer lists of the image
// being pushed. Implementations are expected to be cheap and side-effect
// free; the actual bytes are read lazily through each Layer's ContentSource.
type LayerSource interface {
	BaseLayers(ctx context.Context) ([]image.Layer, error)
	AppLayers(ctx context.Context) ([]image.Layer, error)
}

// ConfigSource produces the already-serialized container configuration.
type ConfigSource = config.Source

// CredentialProvider resolves basic credentials for a registry host.
type CredentialProvider = auth.CredentialProvider

// EventSink receives progress, timing, and terminal events from the push.
type EventSink = event.Sink

// RegistryClient is the full set of registry wire operations the push core
// depends on, plus the ability to install the Authorizer the authenticate
// step produces.
type RegistryClient interface {
	HeadBlob(ctx context.Context, repo string, d digest.Digest) (bool, error)
	MountBlob(ctx context.Context, repo, from string, d digest.Digest) (mounted bool, uploadURL string, err error)
	StartUpload(ctx context.Context, repo string) (uploadURL string, err error)
	PatchUpload(ctx context.Context, uploadURL string, body io.Reader, size int64) (nextURL string, err error)
	PutUpload(ctx context.Context, uploadURL string, d digest.Digest, body io.Reader, size int64) (serverDigest digest.Digest, err error)
	PutManifest(ctx context.Context, repo, tag string, mediaType string, body []byte) (serverDigest digest.Digest, err error)
	SetAuthorizer(authorizer authn.Authorizer)
}

// Reference names the push destination: a registry host/repository and the
// tags the resulting manifest should be published under.
type Reference struct {
	Host       string
	Scheme     string
	Repository string
	Tags       []string
}

// Options configures one push invocation. Zero values pick sane defaults:
// a CPU-sized worker pool, the default blob retry policy, Docker V2.2
// Schema 2 manifests, and a real clock.
type Options struct {
	PoolSize       int
	ManifestFormat manifest.Format
	Clock          clock.Clock
	Sink           event.Sink
}

func (o Options) clock() clock.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clock.New()
}

func (o Options) sink() event.Sink {
	if o.Sink != nil {
		return o.Sink
	}
	return event.NopSink{}
}

// Result is what a completed push resolves to.
type Result struct {
	ImageDigest digest.Digest
	ConfigBlob  image.BlobDescriptor
	MediaType   string
}

// Push runs the full authenticate -> push-layers/push-config -> build-image
// -> push-manifest DAG for one image and blocks until it completes, fails,
// or ctx is cancelled. The returned error, when non-nil, carries a
// pusherr.Kind identifying which class of failure occurred; the first
// non-cancelled failure wins over a later cancellation.
func Push(ctx context.Context, httpClient xhttp.Client, registry RegistryClient, creds CredentialProvider, layerSource LayerSource, configSource ConfigSource, cfgTemplate image.ConfigTemplate, meta image.ImageMetadata, ref Reference, opts Options) (Result, error) {
	var zero Result
	if len(ref.Tags) == 0 {
		return zero, pusherr.Newf(pusherr.Internal, "push reference %s/%s has no tags", ref.Host, ref.Repository)
	}
	pool := step.NewPool(opts.PoolSize)
	sink := opts.sink()
	clk := opts.clock()

	base, err := layerSource.BaseLayers(ctx)
	if err != nil {
		return zero, pusherr.New(pusherr.Internal, err)
	}
	app, err := layerSource.AppLayers(ctx)
	if err != nil {
		return zero, pusherr.New(pusherr.Internal, err)
	}

	target := auth.Target{Host: ref.Host, Scheme: ref.Scheme, Repository: ref.Repository, ProbeDigest: probeDigest(base, app)}
	authStep := auth.AuthenticateStep(ctx, pool, httpClient, target, creds)

	authorization, err := authStep.Join(ctx)
	if err != nil {
		return zero, err
	}
	registry.SetAuthorizer(authorization.Authorizer)

	preds := []step.Awaitable{authStep}
	taskSet := &blob.TaskSet{}

	baseHandles, baseJoin := layers.Step(ctx, pool, preds, registry, ref.Host, ref.Repository, taskSet, sink, clk, base)
	appHandles, appJoin := layers.Step(ctx, pool, preds, registry, ref.Host, ref.Repository, taskSet, sink, clk, app)
	configHandle := config.Step(ctx, pool, preds, registry, ref.Host, ref.Repository, taskSet, sink, clk, configSource)

	if err := step.AllOf(ctx, baseJoin, appJoin, configHandle).Await(ctx); err != nil {
		return zero, err
	}

	resolvedBase, err := resolveLayers(ctx, base, baseHandles)
	if err != nil {
		return zero, err
	}
	resolvedApp, err := resolveLayers(ctx, app, appHandles)
	if err != nil {
		return zero, err
	}
	configDesc, err := configHandle.Join(ctx)
	if err != nil {
		return zero, err
	}

	img := image.BuildImage(resolvedBase, resolvedApp, configDesc, cfgTemplate, meta)

	manifestStep := manifest.Step(ctx, pool, nil, registry, ref.Repository, ref.Tags, opts.ManifestFormat, sink, clk, img)
	result, err := manifestStep.Join(ctx)
	if err != nil {
		return zero, err
	}

	return Result{ImageDigest: result.Digest, ConfigBlob: configDesc, MediaType: result.MediaType}, nil
}

// resolveLayers rebuilds the layer list with each descriptor confirmed by
// its push-blob step, preserving declared order.
func resolveLayers(ctx context.Context, original []image.Layer, handles []*step.Step[image.BlobDescriptor]) ([]image.Layer, error) {
	resolved := make([]image.Layer, len(original))
	for i, h := range handles {
		desc, err := h.Join(ctx)
		if err != nil {
			return nil, err
		}
		resolved[i] = original[i]
		resolved[i].Descriptor = desc
	}
	return resolved, nil
}

// probeDigest picks an arbitrary digest to HEAD during the authenticate
// probe; any plausible digest works since the probe only exists to elicit
// a WWW-Authenticate challenge.
func probeDigest(base, app []image.Layer) string {
	if len(base) > 0 {
		return base[0].Descriptor.Digest.String()
	}
	if len(app) > 0 {
		return app[0].Descriptor.Digest.String()
	}
	return digest.FromBytes(nil).String()
}
