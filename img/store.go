package img

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

const (
	DaemonPrefix  = "docker-daemon:"
	LayoutPrefix  = "layout:"
	TarballPrefix = "tarball:"

	refAnnotation = "org.opencontainers.image.ref.name"
)

type Store interface {
	Ref() name.Reference
	// Location names where the image lives, in the form ParseStore accepts
	// without a tag.
	Location() string
	Digest(ctx context.Context) (v1.Hash, error)
	Image(ctx context.Context) (v1.Image, error)
	Write(ctx context.Context, image v1.Image) error
}

// ParseStore picks a backend from the prefix of ref; plain references
// address a registry.
func ParseStore(ref string, platform *v1.Platform) (Store, error) {
	switch {
	case strings.HasPrefix(ref, DaemonPrefix):
		return NewDaemon(strings.TrimPrefix(ref, DaemonPrefix))
	case strings.HasPrefix(ref, LayoutPrefix):
		path, tag := splitPath(strings.TrimPrefix(ref, LayoutPrefix))
		return NewLayout(path, tag)
	case strings.HasPrefix(ref, TarballPrefix):
		path, tag := splitPath(strings.TrimPrefix(ref, TarballPrefix))
		return NewTarball(path, tag)
	}
	return NewRegistry(ref, platform)
}

// splitPath separates "path:tag" without mistaking a drive or scheme colon.
func splitPath(s string) (string, string) {
	if i := strings.LastIndex(s, ":"); i > 0 && !strings.ContainsAny(s[i+1:], `/\`) {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func NewRegistry(ref string, platform *v1.Platform) (Store, error) {
	r, err := name.ParseReference(ref, name.WeakValidation)
	if err != nil {
		return nil, err
	}
	return &registryStore{ref: r, platform: platform}, nil
}

type registryStore struct {
	ref      name.Reference
	platform *v1.Platform
	cache    v1.Image
}

func (r *registryStore) options(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
	if r.platform != nil {
		opts = append(opts, remote.WithPlatform(*r.platform))
	}
	return opts
}

func (r *registryStore) Ref() name.Reference {
	return r.ref
}

func (r *registryStore) Location() string {
	return r.ref.Context().Name()
}

func (r *registryStore) Digest(ctx context.Context) (v1.Hash, error) {
	image, err := r.Image(ctx)
	if err != nil {
		return v1.Hash{}, err
	}
	return image.Digest()
}

func (r *registryStore) Image(ctx context.Context) (v1.Image, error) {
	if r.cache != nil {
		return r.cache, nil
	}
	image, err := remote.Image(r.ref, r.options(ctx)...)
	if err != nil {
		return nil, err
	}
	r.cache = image
	return image, nil
}

// Write pushes image; layers pulled from the same registry are mounted
// instead of uploaded.
func (r *registryStore) Write(ctx context.Context, image v1.Image) error {
	if err := remote.Write(r.ref, image, r.options(ctx)...); err != nil {
		return err
	}
	r.cache = image
	return nil
}

func NewDaemon(tag string) (Store, error) {
	t, err := name.NewTag(tag, name.WeakValidation)
	if err != nil {
		return nil, err
	}
	return &daemonStore{tag: t}, nil
}

type daemonStore struct {
	tag name.Tag
}

func (d *daemonStore) Ref() name.Reference {
	return d.tag
}

func (d *daemonStore) Location() string {
	return DaemonPrefix + d.tag.Context().Name()
}

func (d *daemonStore) Digest(ctx context.Context) (v1.Hash, error) {
	image, err := d.Image(ctx)
	if err != nil {
		return v1.Hash{}, err
	}
	return image.Digest()
}

func (d *daemonStore) Image(ctx context.Context) (v1.Image, error) {
	return daemon.Image(d.tag, daemon.WithContext(ctx))
}

func (d *daemonStore) Write(ctx context.Context, image v1.Image) error {
	_, err := daemon.Write(d.tag, image, daemon.WithContext(ctx))
	return err
}

// NewLayout addresses an image in an OCI image layout directory. The image
// is selected by its ref.name annotation, or is the only image in the layout
// when tag is empty.
func NewLayout(path, tag string) (Store, error) {
	ref, err := localRef(tag)
	if err != nil {
		return nil, err
	}
	return &layoutStore{path: path, tag: tag, ref: ref}, nil
}

type layoutStore struct {
	path string
	tag  string
	ref  name.Tag
}

func (l *layoutStore) annotation() string {
	if l.tag == "" {
		return "latest"
	}
	return l.tag
}

func (l *layoutStore) Ref() name.Reference {
	return l.ref
}

func (l *layoutStore) Location() string {
	return LayoutPrefix + l.path
}

func (l *layoutStore) Digest(ctx context.Context) (v1.Hash, error) {
	image, err := l.Image(ctx)
	if err != nil {
		return v1.Hash{}, err
	}
	return image.Digest()
}

func (l *layoutStore) Image(_ context.Context) (v1.Image, error) {
	p, err := layout.FromPath(l.path)
	if err != nil {
		return nil, err
	}
	index, err := p.ImageIndex()
	if err != nil {
		return nil, err
	}
	manifest, err := index.IndexManifest()
	if err != nil {
		return nil, err
	}
	if l.tag == "" && len(manifest.Manifests) == 1 {
		return p.Image(manifest.Manifests[0].Digest)
	}
	for _, desc := range manifest.Manifests {
		if desc.Annotations[refAnnotation] == l.annotation() {
			return p.Image(desc.Digest)
		}
	}
	return nil, fmt.Errorf("no image %q in layout %s", l.tag, l.path)
}

func (l *layoutStore) Write(_ context.Context, image v1.Image) error {
	p, err := layout.FromPath(l.path)
	if errors.Is(err, os.ErrNotExist) {
		p, err = layout.Write(l.path, empty.Index)
	}
	if err != nil {
		return err
	}
	return p.ReplaceImage(image, match.Annotation(refAnnotation, l.annotation()),
		layout.WithAnnotations(map[string]string{refAnnotation: l.annotation()}))
}

// NewTarball addresses a `docker save` style tarball on disk.
func NewTarball(path, tag string) (Store, error) {
	ref, err := localRef(tag)
	if err != nil {
		return nil, err
	}
	return &tarballStore{path: path, ref: ref}, nil
}

type tarballStore struct {
	path string
	ref  name.Tag
}

func (t *tarballStore) Ref() name.Reference {
	return t.ref
}

func (t *tarballStore) Location() string {
	return TarballPrefix + t.path
}

func (t *tarballStore) Digest(ctx context.Context) (v1.Hash, error) {
	image, err := t.Image(ctx)
	if err != nil {
		return v1.Hash{}, err
	}
	return image.Digest()
}

func (t *tarballStore) Image(_ context.Context) (v1.Image, error) {
	return tarball.ImageFromPath(t.path, nil)
}

func (t *tarballStore) Write(_ context.Context, image v1.Image) error {
	return tarball.WriteToFile(t.path, t.ref, image)
}

func localRef(tag string) (name.Tag, error) {
	if tag == "" {
		tag = "latest"
	}
	if !strings.ContainsAny(tag, ":/") {
		tag = "fnpack/local:" + tag
	}
	return name.NewTag(tag, name.WeakValidation)
}
