// Package manifest implements the push-manifest step: it translates an
// assembled Image into one canonical serialized manifest, computes its
// digest from those exact bytes, and PUTs it under every target tag in
// parallel.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocibuild/pushcore/pkg/push/event"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
)

// Format selects the wire shape of the manifest document. The bytes
// produced for either format are the same bytes hashed for the digest and
// streamed in the PUT body; there is no second serialization path.
type Format int

const (
	// FormatDockerV2Schema2 produces application/vnd.docker.distribution.manifest.v2+json.
	FormatDockerV2Schema2 Format = iota
	// FormatOCI produces application/vnd.oci.image.manifest.v1+json.
	FormatOCI
)

const (
	mediaTypeDockerV2S2Manifest = "application/vnd.docker.distribution.manifest.v2+json"
)

// schema2Manifest mirrors the reference tree's dockerschema2.Manifest shape.
type schema2Manifest struct {
	SchemaVersion int                    `json:"schemaVersion"`
	MediaType     string                 `json:"mediaType"`
	Config        imgspecv1.Descriptor   `json:"config"`
	Layers        []imgspecv1.Descriptor `json:"layers"`
}

// RegistryClient is the subset of the registry wire protocol the
// push-manifest step depends on.
type RegistryClient interface {
	PutManifest(ctx context.Context, repo, tag string, mediaType string, body []byte) (digest.Digest, error)
}

// Result is what a successful push-manifest step resolves to.
type Result struct {
	Digest    digest.Digest
	MediaType string
	Bytes     []byte
}

func descriptorOf(d image.BlobDescriptor) imgspecv1.Descriptor {
	return imgspecv1.Descriptor{
		MediaType: d.MediaType,
		Digest:    d.Digest,
		Size:      d.Size,
	}
}

// Build translates img into the canonical serialized bytes of the chosen
// format. It is a pure function: the same Image always serializes to the
// same bytes.
func Build(format Format, img image.Image) (body []byte, mediaType string, err error) {
	layerDescs := make([]imgspecv1.Descriptor, len(img.Layers))
	for i, l := range img.Layers {
		layerDescs[i] = descriptorOf(l.Descriptor)
	}
	configDesc := descriptorOf(img.ConfigBlob)

	switch format {
	case FormatOCI:
		m := imgspecv1.Manifest{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: imgspecv1.MediaTypeImageManifest,
			Config:    configDesc,
			Layers:    layerDescs,
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, "", err
		}
		return b, imgspecv1.MediaTypeImageManifest, nil
	default:
		m := schema2Manifest{
			SchemaVersion: 2,
			MediaType:     mediaTypeDockerV2S2Manifest,
			Config:        configDesc,
			Layers:        layerDescs,
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, "", err
		}
		return b, mediaTypeDockerV2S2Manifest, nil
	}
}

// Step serializes img once, PUTs the resulting bytes to every tag in
// parallel, and resolves once all tag PUTs have succeeded. The image digest
// returned is computed from the serialized bytes before any network call,
// and each tag's server-reported digest is checked against it; any
// disagreement is a fatal DigestMismatch and no tag PUT result is trusted.
//
// The per-tag PUTs are built as sibling steps directly against pool, never
// nested inside another step's body, so a pool of size one can still run
// them one after another instead of deadlocking against an outer step that
// is itself occupying the only slot.
func Step(ctx context.Context, pool *step.Pool, preds []step.Awaitable, client RegistryClient, repo string, tags []string, format Format, sink event.Sink, clk clock.Clock, img image.Image) *step.Step[Result] {
	body, mediaType, err := Build(format, img)
	if err != nil {
		return step.New(ctx, pool, preds, func(context.Context) (Result, error) {
			var zero Result
			return zero, pusherr.New(pusherr.Internal, err)
		})
	}
	imageDigest := digest.FromBytes(body)

	awaitables := make([]step.Awaitable, len(tags))
	for i, tag := range tags {
		tag := tag
		awaitables[i] = step.New(ctx, pool, preds, func(ctx context.Context) (digest.Digest, error) {
			var serverDigest digest.Digest
			err := event.Span(ctx, clk, sink, fmt.Sprintf("push-manifest tag=%s", tag), func(ctx context.Context) error {
				d, err := client.PutManifest(ctx, repo, tag, mediaType, body)
				if err != nil {
					return err
				}
				serverDigest = d
				return nil
			})
			if err != nil {
				return "", err
			}
			if serverDigest != imageDigest {
				return "", pusherr.Newf(pusherr.DigestMismatch, "registry reported manifest digest %s for tag %s but locally computed %s", serverDigest, tag, imageDigest)
			}
			return serverDigest, nil
		})
	}

	allPuts := step.AllOf(ctx, awaitables...)
	return step.New(ctx, pool, []step.Awaitable{allPuts}, func(context.Context) (Result, error) {
		sink.Log(slog.LevelInfo, "ImageCreated",
			"image_digest", imageDigest.String(),
			"config_digest", img.ConfigBlob.Digest.String(),
			"tags", tags,
		)
		return Result{Digest: imageDigest, MediaType: mediaType, Bytes: body}, nil
	})
}
