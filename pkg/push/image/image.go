// Package image holds the push core's data model (blob descriptors, layers,
// images) and the pure function that assembles them into an Image.
package image

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// BlobDescriptor identifies a blob by content. Size must equal the number of
// bytes the digest was computed over.
type BlobDescriptor struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// ContentSource produces the compressed bytes of a layer or config blob. It
// may be called any number of times and must produce identical bytes every
// time.
type ContentSource func() (ReadCloser, error)

// ReadCloser is the minimal streaming interface a ContentSource yields.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// Origin classifies a Layer as inherited from a base image (mount-eligible)
// or produced locally (must be uploaded).
type Origin int

const (
	// OriginBase marks a layer inherited from the source image.
	OriginBase Origin = iota
	// OriginApplication marks a layer produced locally.
	OriginApplication
)

// Layer is one entry of an Image's layer list.
type Layer struct {
	Descriptor BlobDescriptor
	Content    ContentSource
	Origin     Origin
	// SourceRepository names the repository a base layer can be mounted
	// from; empty for application layers.
	SourceRepository string
}

// ConfigTemplate carries the container runtime configuration fields that
// feed the config blob, independent of image metadata such as timestamps.
type ConfigTemplate struct {
	Entrypoint   []string
	Cmd          []string
	Env          []string
	Labels       map[string]string
	ExposedPorts map[string]struct{}
	Volumes      map[string]struct{}
	WorkingDir   string
	User         string
}

// ImageMetadata carries the remaining fields needed to build an Image that
// are not part of the config template: architecture/OS selection and the
// creation timestamp, which must be supplied verbatim (no clock read inside
// the core).
type ImageMetadata struct {
	Architecture string
	OS           string
	Created      time.Time
}

// Image is the ordered layer list plus container configuration from which a
// manifest is derived. Layer order is significant: it is the runtime
// filesystem stacking order.
type Image struct {
	Layers   []Layer
	Config   ConfigTemplate
	Metadata ImageMetadata
	// ConfigBlob is the descriptor of the serialized config blob, set by
	// BuildImage from the config push step's result.
	ConfigBlob BlobDescriptor
}

// BuildImage assembles base and application layers, in that order, with the
// given config template and metadata, into a deterministic Image. It
// performs no I/O and reads no clock: Created comes verbatim from meta.
func BuildImage(base, app []Layer, configBlob BlobDescriptor, cfg ConfigTemplate, meta ImageMetadata) Image {
	layers := make([]Layer, 0, len(base)+len(app))
	layers = append(layers, base...)
	layers = append(layers, app...)
	return Image{
		Layers:     layers,
		Config:     cfg,
		Metadata:   meta,
		ConfigBlob: configBlob,
	}
}
