// Package build turns a recipe into a runnable function image.
//
// The steps run in a fixed order: the artifact is located first, then the
// base image is resolved, then dependencies are installed into their own
// layer, and only then is the artifact layer added. Keeping the dependency
// layer below the artifact lets it be reused across builds that only change
// application code.
package build

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	log "github.com/sirupsen/logrus"

	"github.com/buildpack/fnpack"
	"github.com/buildpack/fnpack/cache"
	"github.com/buildpack/fnpack/img"
	"github.com/buildpack/fnpack/install"
	"github.com/buildpack/fnpack/manifest"
	"github.com/buildpack/fnpack/recipe"
)

const artifactMode = 0644

type Resolver func(ref string, platform *v1.Platform) (img.Store, error)

type Builder struct {
	Installer install.Installer
	Cache     cache.Cache
	Resolve   Resolver
	Logger    log.FieldLogger

	// ScratchDir holds installer staging directories; empty means os.TempDir.
	ScratchDir string
}

type Result struct {
	Image    v1.Image
	Metadata fnpack.BuildMetadata
	CacheHit bool
}

func (b *Builder) logger() log.FieldLogger {
	if b.Logger == nil {
		return log.StandardLogger()
	}
	return b.Logger
}

func (b *Builder) Build(ctx context.Context, r *recipe.Recipe) (*Result, error) {
	logger := b.logger()
	if err := r.Validate(); err != nil {
		return nil, fail(KindInput, "", err)
	}

	artifactPath, err := r.ArtifactPath()
	if err != nil {
		return nil, fail(KindArtifactMissing, r.Artifact, err)
	}

	var platform *v1.Platform
	if r.Platform != "" {
		if platform, err = v1.ParsePlatform(r.Platform); err != nil {
			return nil, fail(KindInput, "platform", err)
		}
	}

	logger.WithField("step", "base").Infof("Resolving %s", r.Base)
	resolve := b.Resolve
	if resolve == nil {
		resolve = img.ParseStore
	}
	store, err := resolve(r.Base, platform)
	if err != nil {
		return nil, fail(KindBaseImage, r.Base, err)
	}
	base, err := store.Image(ctx)
	if err != nil {
		return nil, fail(KindBaseImage, r.Base, err)
	}
	baseDigest, err := store.Digest(ctx)
	if err != nil {
		return nil, fail(KindBaseImage, r.Base, err)
	}

	taskRoot, err := b.taskRoot(r, base)
	if err != nil {
		return nil, fail(KindBaseImage, r.Base, err)
	}

	target, err := targetPlatform(platform, base)
	if err != nil {
		return nil, fail(KindBaseImage, r.Base, err)
	}

	m, err := readManifest(r)
	if err != nil {
		return nil, dependencyFailure(m, err)
	}

	md := fnpack.BuildMetadata{
		Base:       fnpack.BaseMetadata{Name: store.Ref().Context().String(), SHA: baseDigest.String()},
		EntryPoint: r.EntryPoint,
		TaskRoot:   taskRoot,
	}
	var (
		layers []v1.Layer
		hit    bool
	)
	if !m.Empty() {
		if b.Installer == nil {
			return nil, fail(KindDependency, m.Path, errors.New("no installer configured"))
		}
		inputs, err := m.Digest()
		if err != nil {
			return nil, dependencyFailure(m, err)
		}
		fingerprint, err := b.Installer.Fingerprint(ctx, target)
		if err != nil {
			return nil, fail(KindDependency, m.Path, err)
		}
		md.Dependencies.SHA = inputs
		md.Dependencies.Packages = m.Names()

		key := cache.Key([]byte(baseDigest.String()), []byte(target.String()), []byte(taskRoot), []byte(fingerprint), []byte(inputs))
		layer, cached, err := b.dependencyLayer(ctx, key, m, taskRoot, target)
		if err != nil {
			return nil, err
		}
		digest, err := layer.Digest()
		if err != nil {
			return nil, fail(KindLayer, "dependencies", err)
		}
		md.Dependencies.Layer = digest.String()
		layers = append(layers, layer)
		hit = cached
	}

	content, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fail(KindArtifactMissing, artifactPath, err)
	}
	sum := sha256.Sum256(content)
	md.App = fnpack.AppMetadata{Name: filepath.Base(artifactPath), SHA: hex.EncodeToString(sum[:])}
	appLayer, err := img.FileLayer(path.Join(taskRoot, md.App.Name), content, artifactMode)
	if err != nil {
		return nil, fail(KindLayer, artifactPath, err)
	}
	layers = append(layers, appLayer)
	logger.WithField("step", "artifact").Infof("Placing %s in %s", md.App.Name, taskRoot)

	image, err := img.Append(base, layers...)
	if err != nil {
		return nil, fail(KindLayer, "", err)
	}

	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, fail(KindLayer, "metadata", err)
	}
	labels := map[string]string{}
	for k, v := range r.Labels {
		labels[k] = v
	}
	labels[fnpack.BuildLabel] = string(mdJSON)
	image, err = img.Configure(image, img.Settings{
		Cmd:        []string{r.EntryPoint},
		WorkingDir: taskRoot,
		Env:        r.Env,
		Labels:     labels,
	})
	if err != nil {
		return nil, fail(KindLayer, "config", err)
	}
	logger.WithField("step", "config").Infof("Entry point %s", r.EntryPoint)

	return &Result{Image: image, Metadata: md, CacheHit: hit}, nil
}

func (b *Builder) taskRoot(r *recipe.Recipe, base v1.Image) (string, error) {
	if r.TaskRoot != "" {
		return r.TaskRoot, nil
	}
	root, ok, err := img.Env(base, fnpack.TaskRootEnv)
	if err != nil {
		return "", err
	}
	if ok && root != "" {
		return root, nil
	}
	return fnpack.DefaultTaskRoot, nil
}

// targetPlatform is the requested platform, or the one the base image
// declares. Both are zero for images that record neither.
func targetPlatform(requested *v1.Platform, base v1.Image) (v1.Platform, error) {
	if requested != nil {
		return *requested, nil
	}
	config, err := base.ConfigFile()
	if err != nil {
		return v1.Platform{}, err
	}
	return v1.Platform{OS: config.OS, Architecture: config.Architecture, Variant: config.Variant}, nil
}

func (b *Builder) dependencyLayer(ctx context.Context, key string, m *manifest.Manifest, taskRoot string, target v1.Platform) (v1.Layer, bool, error) {
	logger := b.logger().WithFields(log.Fields{"step": "dependencies", "key": key[:12]})
	c := b.Cache
	if c == nil {
		c = cache.None
	}
	layer, ok, err := c.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("Reading dependency cache")
	} else if ok {
		logger.Info("Reusing cached dependency layer")
		return layer, true, nil
	}

	staging, err := os.MkdirTemp(b.ScratchDir, "fnpack.deps")
	if err != nil {
		return nil, false, fail(KindDependency, m.Path, err)
	}
	defer os.RemoveAll(staging)

	logger.Infof("Installing %d dependencies", len(m.Dependencies)+len(m.Editables)+len(m.Includes))
	if err := b.Installer.Install(ctx, m, staging, target); err != nil {
		return nil, false, dependencyFailure(m, err)
	}
	layer, err = img.DirLayer(staging, taskRoot)
	if err != nil {
		return nil, false, fail(KindLayer, "dependencies", err)
	}
	if err := c.Put(ctx, key, layer); err != nil {
		logger.WithError(err).Warn("Writing dependency cache")
	}
	return layer, false, nil
}

func readManifest(r *recipe.Recipe) (*manifest.Manifest, error) {
	p, explicit := r.ManifestPath()
	m, err := manifest.Read(p)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return manifest.Parse(bytes.NewReader(nil))
	}
	if err != nil {
		return &manifest.Manifest{Path: p}, err
	}
	return m, nil
}

func dependencyFailure(m *manifest.Manifest, err error) error {
	var depErr *manifest.DependencyError
	if errors.As(err, &depErr) {
		return fail(KindDependency, depErr.Dependency, err)
	}
	var subject string
	if m != nil {
		subject = m.Path
	}
	return fail(KindDependency, subject, err)
}
