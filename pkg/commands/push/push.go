// Package push implements the "push" CLI command: it assembles a local-file
// LayerSource/ConfigSource and drives pkg/push.Push against a real registry.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/urfave/cli/v3"

	"github.com/ocibuild/pushcore/pkg/cmdhelper"
	"github.com/ocibuild/pushcore/pkg/push"
	"github.com/ocibuild/pushcore/pkg/push/image"
	"github.com/ocibuild/pushcore/pkg/push/manifest"
	"github.com/ocibuild/pushcore/pkg/registryclient"
	"github.com/ocibuild/pushcore/pkg/xlog"
)

// NewCommand returns a push command with default values.
func NewCommand() *Command {
	return &Command{
		Format:   "docker",
		PoolSize: 0,
	}
}

// Command pushes an image assembled from local blob files to a registry.
type Command struct {
	Host       string
	Insecure   bool
	Repository string
	Tags       []string
	BaseLayers []string
	AppLayers  []string
	ConfigFile string
	Arch       string
	OS         string
	Format     string
	Username   string
	Password   string
	PoolSize   int
}

// ToCLI transforms to a *cli.Command.
func (c *Command) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "Push an image assembled from local blob files to a remote registry",
		UsageText: `pushcore push [OPTIONS]

# Push an image with one base layer and one application layer. Each blob
# file must have a sidecar "<path>.json" holding its pre-computed
# {"digest", "size"} (and optional "mediaType").
$ pushcore push --host registry.example.com --repository my/app --tag v1 \
    --base-layer base.tar.gz:library/base --app-layer app.tar.gz \
    --config config.json
`,
		Flags:  c.Flags(),
		Action: c.Run,
	}
}

// Flags returns the flags of the command.
func (c *Command) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "host",
			Usage:       "registry host, e.g. registry.example.com",
			Required:    true,
			Destination: &c.Host,
		},
		&cli.BoolFlag{
			Name:        "insecure",
			Usage:       "use http instead of https to talk to the registry",
			Sources:     cli.EnvVars("PUSHCORE_REGISTRY_INSECURE"),
			Destination: &c.Insecure,
		},
		&cli.StringFlag{
			Name:        "repository",
			Usage:       "target repository, e.g. my/app",
			Required:    true,
			Destination: &c.Repository,
		},
		&cli.StringSliceFlag{
			Name:        "tag",
			Usage:       "tag to publish the manifest under; may be repeated",
			Required:    true,
			Destination: &c.Tags,
		},
		&cli.StringSliceFlag{
			Name:        "base-layer",
			Usage:       "base layer as path[:source-repository]; may be repeated",
			Destination: &c.BaseLayers,
		},
		&cli.StringSliceFlag{
			Name:        "app-layer",
			Usage:       "application layer file path; may be repeated",
			Destination: &c.AppLayers,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to the serialized container configuration JSON",
			Required:    true,
			Destination: &c.ConfigFile,
		},
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "image architecture",
			Value:       "amd64",
			Destination: &c.Arch,
		},
		&cli.StringFlag{
			Name:        "os",
			Usage:       "image operating system",
			Value:       "linux",
			Destination: &c.OS,
		},
		&cli.StringFlag{
			Name:        "format",
			Usage:       `manifest format, oneof ["docker", "oci"]`,
			Value:       c.Format,
			Destination: &c.Format,
		},
		&cli.StringFlag{
			Name:        "username",
			Usage:       "registry basic auth username",
			Sources:     cli.EnvVars("PUSHCORE_REGISTRY_USERNAME"),
			Destination: &c.Username,
		},
		&cli.StringFlag{
			Name:        "password",
			Usage:       "registry basic auth password",
			Sources:     cli.EnvVars("PUSHCORE_REGISTRY_PASSWORD"),
			Destination: &c.Password,
		},
		&cli.IntFlag{
			Name:        "pool-size",
			Usage:       "maximum concurrent network operations, 0 picks a CPU-sized default",
			Destination: &c.PoolSize,
		},
	}
}

// Run is the main function for the command.
func (c *Command) Run(ctx context.Context, cc *cli.Command) error {
	layerSource, err := newLocalLayerSource(c.BaseLayers, c.AppLayers)
	if err != nil {
		return err
	}
	configSource, err := newLocalConfigSource(c.ConfigFile)
	if err != nil {
		return err
	}

	format, err := parseFormat(c.Format)
	if err != nil {
		return err
	}

	scheme := "https"
	if c.Insecure {
		scheme = "http"
	}

	registry := &registryclient.Client{
		HTTP:   http.DefaultClient,
		Host:   c.Host,
		Scheme: scheme,
	}

	result, err := push.Push(
		ctx,
		http.DefaultClient,
		registry,
		envCredentialProvider{username: c.Username, password: c.Password},
		layerSource,
		configSource,
		image.ConfigTemplate{},
		image.ImageMetadata{Architecture: c.Arch, OS: c.OS, Created: time.Now().UTC()},
		push.Reference{Host: c.Host, Scheme: scheme, Repository: c.Repository, Tags: c.Tags},
		push.Options{PoolSize: c.PoolSize, ManifestFormat: format, Sink: xlogSink{}},
	)
	if err != nil {
		return err
	}

	cmdhelper.Fprintf(cc.Writer, `Pushed %s
  - Manifest digest : %s
  - Media type       : %s
  - Tags             : %s
`, c.Repository, result.ImageDigest, result.MediaType, strings.Join(c.Tags, ", "))
	return nil
}

func parseFormat(s string) (manifest.Format, error) {
	switch strings.ToLower(s) {
	case "", "docker", "dockerv2s2":
		return manifest.FormatDockerV2Schema2, nil
	case "oci":
		return manifest.FormatOCI, nil
	default:
		return 0, fmt.Errorf("unsupported manifest format %q, expected one of [docker, oci]", s)
	}
}

// xlogSink adapts the CLI's configured xlog.Logger into an event.Sink, so
// every step's progress and timing reaches the same handler (and, when
// --log-file is set, the same rotated file) as the rest of the CLI's logs.
type xlogSink struct{}

func (xlogSink) Log(level slog.Level, msg string, args ...any) {
	xlog.Default().Log(context.Background(), level, msg, args...)
}

func (xlogSink) Progress(unit string, total, done int64) {
	xlog.Default().Info("progress", "unit", unit, "total", total, "done", done)
}

func (xlogSink) TimerSpan(name string, start, end time.Time) {
	xlog.Default().Debug("span", "name", name, "duration", end.Sub(start))
}

// envCredentialProvider returns the single credential pair supplied on the
// command line for every host; pushcore has no multi-registry credential
// store.
type envCredentialProvider struct {
	username string
	password string
}

func (p envCredentialProvider) Credentials(_ context.Context, _ string) (string, string, bool) {
	if p.username == "" {
		return "", "", false
	}
	return p.username, p.password, true
}

// blobSidecar is the pre-computed digest/size metadata pushcore expects next
// to every blob file, named "<blob>.json". pushcore never hashes the blob
// itself: layer assembly (tar, compression) and the resulting digest are
// the caller's responsibility, per the Non-goal boundary.
type blobSidecar struct {
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	MediaType string        `json:"mediaType,omitempty"`
}

func readSidecar(blobPath, defaultMediaType string) (image.BlobDescriptor, error) {
	raw, err := os.ReadFile(blobPath + ".json")
	if err != nil {
		return image.BlobDescriptor{}, fmt.Errorf("sidecar metadata for %q: %w", blobPath, err)
	}
	var meta blobSidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return image.BlobDescriptor{}, fmt.Errorf("sidecar metadata for %q: %w", blobPath, err)
	}
	if meta.Digest == "" {
		return image.BlobDescriptor{}, fmt.Errorf("sidecar metadata for %q: missing digest", blobPath)
	}
	mediaType := meta.MediaType
	if mediaType == "" {
		mediaType = defaultMediaType
	}
	return image.BlobDescriptor{Digest: meta.Digest, Size: meta.Size, MediaType: mediaType}, nil
}

// localLayerSource reads layer content and sidecar metadata from the local
// filesystem.
type localLayerSource struct {
	base []image.Layer
	app  []image.Layer
}

func newLocalLayerSource(baseSpecs, appSpecs []string) (*localLayerSource, error) {
	base, err := buildLayers(baseSpecs, true)
	if err != nil {
		return nil, err
	}
	app, err := buildLayers(appSpecs, false)
	if err != nil {
		return nil, err
	}
	return &localLayerSource{base: base, app: app}, nil
}

func buildLayers(specs []string, base bool) ([]image.Layer, error) {
	layers := make([]image.Layer, 0, len(specs))
	for _, spec := range specs {
		path, sourceRepo, _ := strings.Cut(spec, ":")
		desc, err := readSidecar(path, imgspecv1.MediaTypeImageLayerGzip)
		if err != nil {
			return nil, err
		}
		origin := image.OriginApplication
		if base {
			origin = image.OriginBase
		}
		layers = append(layers, image.Layer{
			Descriptor:       desc,
			Content:          fileContentSource(path),
			Origin:           origin,
			SourceRepository: sourceRepo,
		})
	}
	return layers, nil
}

func (s *localLayerSource) BaseLayers(_ context.Context) ([]image.Layer, error) { return s.base, nil }
func (s *localLayerSource) AppLayers(_ context.Context) ([]image.Layer, error)  { return s.app, nil }

// localConfigSource reads the already-serialized container configuration and
// its sidecar digest from the local filesystem.
type localConfigSource struct {
	content []byte
	digest  digest.Digest
}

func newLocalConfigSource(path string) (*localConfigSource, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	desc, err := readSidecar(path, imgspecv1.MediaTypeImageConfig)
	if err != nil {
		return nil, err
	}
	return &localConfigSource{content: content, digest: desc.Digest}, nil
}

func (s *localConfigSource) ConfigBlob(_ context.Context) ([]byte, digest.Digest, error) {
	return s.content, s.digest, nil
}

func fileContentSource(path string) image.ContentSource {
	return func() (image.ReadCloser, error) {
		return os.Open(path)
	}
}
