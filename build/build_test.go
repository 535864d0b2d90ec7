package build_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sclevine/spec"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/buildpack/fnpack"
	"github.com/buildpack/fnpack/build"
	"github.com/buildpack/fnpack/cache"
	"github.com/buildpack/fnpack/img"
	"github.com/buildpack/fnpack/manifest"
	"github.com/buildpack/fnpack/recipe"
)

func TestBuild(t *testing.T) {
	spec.Run(t, "Build", testBuild, spec.Parallel())
}

func testBuild(t *testing.T, when spec.G, it spec.S) {
	var (
		ctx       = context.Background()
		dir       string
		baseImage v1.Image
		resolved  int
		installer *fakeInstaller
		builder   *build.Builder
		r         *recipe.Recipe
	)

	writeFile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	it.Before(func() {
		dir = t.TempDir()

		layer, err := random.Layer(128, types.DockerLayer)
		require.NoError(t, err)
		baseImage, err = mutate.AppendLayers(empty.Image, layer)
		require.NoError(t, err)
		baseImage, err = mutate.Config(baseImage, v1.Config{
			Entrypoint: []string{"/lambda-entrypoint.sh"},
			Env:        []string{fnpack.TaskRootEnv + "=/var/task"},
		})
		require.NoError(t, err)

		resolved = 0
		installer = &fakeInstaller{}
		logger := log.New()
		logger.SetOutput(io.Discard)
		builder = &build.Builder{
			Installer: installer,
			Cache:     cache.None,
			Logger:    logger,
			Resolve: func(ref string, _ *v1.Platform) (img.Store, error) {
				resolved++
				if ref != "some-base" {
					return nil, errors.New("manifest unknown")
				}
				return &fakeStore{ref: ref, image: baseImage}, nil
			},
		}
		r = &recipe.Recipe{Base: "some-base", EntryPoint: "app.handler", Context: dir}

		writeFile("app.py", "handler = object()\n")
		writeFile("requirements.txt", "boto3\nmangum>=0.17\n")
	})

	it("installs dependencies below the artifact", func() {
		result, err := builder.Build(ctx, r)
		require.NoError(t, err)

		layers, err := result.Image.Layers()
		require.NoError(t, err)
		require.Len(t, layers, 3)
		require.Equal(t, []string{"var/", "var/task/", "var/task/boto3/", "var/task/boto3/__init__.py"}, layerNames(t, layers[1]))
		require.Equal(t, []string{"var/", "var/task/", "var/task/app.py"}, layerNames(t, layers[2]))

		config, err := result.Image.ConfigFile()
		require.NoError(t, err)
		require.Equal(t, []string{"app.handler"}, config.Config.Cmd)
		require.Equal(t, []string{"/lambda-entrypoint.sh"}, config.Config.Entrypoint)
		require.Equal(t, "/var/task", config.Config.WorkingDir)

		md, err := img.Metadata(result.Image)
		require.NoError(t, err)
		require.Equal(t, result.Metadata, md)
		require.Equal(t, "app.py", md.App.Name)
		require.Equal(t, []string{"boto3", "mangum"}, md.Dependencies.Packages)
		require.Equal(t, 1, installer.calls)
	})

	it("produces the same image from the same inputs", func() {
		first, err := builder.Build(ctx, r)
		require.NoError(t, err)
		second, err := builder.Build(ctx, r)
		require.NoError(t, err)

		require.Equal(t, digest(t, first.Image), digest(t, second.Image))
		require.Equal(t, first.Metadata, second.Metadata)
	})

	it("records an entry point that does not exist in the artifact", func() {
		r.EntryPoint = "app.no_such_handler"
		result, err := builder.Build(ctx, r)
		require.NoError(t, err)

		config, err := result.Image.ConfigFile()
		require.NoError(t, err)
		require.Equal(t, []string{"app.no_such_handler"}, config.Config.Cmd)
	})

	it("applies recipe env and labels", func() {
		r.Env = map[string]string{"S3_REGION": "ap-southeast-2"}
		r.Labels = map[string]string{"team": "media"}
		result, err := builder.Build(ctx, r)
		require.NoError(t, err)

		config, err := result.Image.ConfigFile()
		require.NoError(t, err)
		require.Contains(t, config.Config.Env, "S3_REGION=ap-southeast-2")
		require.Equal(t, "media", config.Config.Labels["team"])
	})

	when("the manifest is empty", func() {
		it("places only the artifact", func() {
			writeFile("requirements.txt", "# nothing yet\n")
			result, err := builder.Build(ctx, r)
			require.NoError(t, err)

			layers, err := result.Image.Layers()
			require.NoError(t, err)
			require.Len(t, layers, 2)
			require.Equal(t, []string{"var/", "var/task/", "var/task/app.py"}, layerNames(t, layers[1]))
			require.Zero(t, installer.calls)
			require.Empty(t, result.Metadata.Dependencies.Layer)
		})

		it("still installs a manifest made only of includes", func() {
			writeFile("requirements.txt", "-r prod.txt\n")
			writeFile("prod.txt", "boto3\n")
			result, err := builder.Build(ctx, r)
			require.NoError(t, err)

			layers, err := result.Image.Layers()
			require.NoError(t, err)
			require.Len(t, layers, 3)
			require.Equal(t, 1, installer.calls)
			require.NotEmpty(t, result.Metadata.Dependencies.Layer)
		})

		it("still installs a manifest made only of editable entries", func() {
			writeFile("requirements.txt", "-e git+https://github.com/x/y.git#egg=y\n")
			_, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.Equal(t, 1, installer.calls)
		})

		it("treats a missing default manifest as empty", func() {
			require.NoError(t, os.Remove(filepath.Join(dir, "requirements.txt")))
			_, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.Zero(t, installer.calls)
		})
	})

	when("the artifact is missing", func() {
		it("fails before resolving or installing anything", func() {
			require.NoError(t, os.Remove(filepath.Join(dir, "app.py")))
			r.Base = "unresolvable-base"
			writeFile("requirements.txt", "not valid at all $$\n")

			_, err := builder.Build(ctx, r)
			kind, ok := build.KindOf(err)
			require.True(t, ok)
			require.Equal(t, build.KindArtifactMissing, kind)
			require.ErrorIs(t, err, recipe.ErrNoArtifact)
			require.Zero(t, resolved)
			require.Zero(t, installer.calls)
		})
	})

	when("the base image cannot be resolved", func() {
		it("fails before installing", func() {
			r.Base = "missing-base"
			_, err := builder.Build(ctx, r)
			kind, ok := build.KindOf(err)
			require.True(t, ok)
			require.Equal(t, build.KindBaseImage, kind)
			require.ErrorContains(t, err, "manifest unknown")
			require.Zero(t, installer.calls)
		})
	})

	when("a dependency cannot be installed", func() {
		it("names the dependency", func() {
			installer.err = &manifest.DependencyError{Dependency: "mangum>=0.17", Line: 2, Err: errors.New("no matching distribution")}
			_, err := builder.Build(ctx, r)

			var buildErr *build.Error
			require.ErrorAs(t, err, &buildErr)
			require.Equal(t, build.KindDependency, buildErr.Kind)
			require.Equal(t, "mangum>=0.17", buildErr.Subject)
			require.EqualError(t, err, `dependency "mangum>=0.17": no matching distribution`)
		})
	})

	when("the manifest is malformed", func() {
		it("names the offending entry", func() {
			writeFile("requirements.txt", "boto3\nmangum 0.17\n")
			_, err := builder.Build(ctx, r)

			var buildErr *build.Error
			require.ErrorAs(t, err, &buildErr)
			require.Equal(t, build.KindDependency, buildErr.Kind)
			require.Equal(t, "mangum 0.17", buildErr.Subject)
			require.Zero(t, installer.calls)
		})
	})

	when("an explicit manifest is missing", func() {
		it("fails", func() {
			r.Override(recipe.Recipe{Manifest: "deps.txt"})
			_, err := builder.Build(ctx, r)
			kind, _ := build.KindOf(err)
			require.Equal(t, build.KindDependency, kind)
			require.ErrorIs(t, err, os.ErrNotExist)
		})
	})

	when("only the artifact changes", func() {
		it("reuses the cached dependency layer", func() {
			c, err := cache.NewDir(t.TempDir())
			require.NoError(t, err)
			builder.Cache = c

			first, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.False(t, first.CacheHit)

			writeFile("app.py", "handler = lambda event, context: event\n")
			second, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.True(t, second.CacheHit)
			require.Equal(t, 1, installer.calls)
			require.Equal(t, first.Metadata.Dependencies.Layer, second.Metadata.Dependencies.Layer)
			require.NotEqual(t, first.Metadata.App.SHA, second.Metadata.App.SHA)
		})

		it("reinstalls when the manifest changes", func() {
			c, err := cache.NewDir(t.TempDir())
			require.NoError(t, err)
			builder.Cache = c

			_, err = builder.Build(ctx, r)
			require.NoError(t, err)
			writeFile("requirements.txt", "boto3==1.34.0\n")
			second, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.False(t, second.CacheHit)
			require.Equal(t, 2, installer.calls)
		})
	})

	when("an included file changes", func() {
		it("reinstalls", func() {
			c, err := cache.NewDir(t.TempDir())
			require.NoError(t, err)
			builder.Cache = c
			writeFile("requirements.txt", "mangum\n-r prod.txt\n")
			writeFile("prod.txt", "boto3==1.0\n")

			_, err = builder.Build(ctx, r)
			require.NoError(t, err)
			writeFile("prod.txt", "boto3==2.0\n")
			second, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.False(t, second.CacheHit)
			require.Equal(t, 2, installer.calls)
		})

		it("fails naming a missing include", func() {
			writeFile("requirements.txt", "mangum\n-r prod.txt\n")
			_, err := builder.Build(ctx, r)

			var buildErr *build.Error
			require.ErrorAs(t, err, &buildErr)
			require.Equal(t, build.KindDependency, buildErr.Kind)
			require.Equal(t, "-r prod.txt", buildErr.Subject)
			require.Zero(t, installer.calls)
		})
	})

	when("the installer changes", func() {
		it("reinstalls", func() {
			c, err := cache.NewDir(t.TempDir())
			require.NoError(t, err)
			builder.Cache = c
			installer.fingerprint = "pip 24.0 (python 3.9)"

			_, err = builder.Build(ctx, r)
			require.NoError(t, err)
			installer.fingerprint = "pip 24.0 (python 3.12)"
			second, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.False(t, second.CacheHit)
			require.Equal(t, 2, installer.calls)
		})
	})

	when("choosing the install target", func() {
		it("uses the platform of the base image", func() {
			config, err := baseImage.ConfigFile()
			require.NoError(t, err)
			config = config.DeepCopy()
			config.OS, config.Architecture = "linux", "arm64"
			baseImage, err = mutate.ConfigFile(baseImage, config)
			require.NoError(t, err)
			_, err = builder.Build(ctx, r)
			require.NoError(t, err)
			require.Equal(t, v1.Platform{OS: "linux", Architecture: "arm64"}, installer.target)
		})

		it("prefers the requested platform", func() {
			r.Platform = "linux/amd64"
			_, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.Equal(t, v1.Platform{OS: "linux", Architecture: "amd64"}, installer.target)
		})
	})

	when("choosing the task root", func() {
		it("uses the recipe value over the base image", func() {
			r.TaskRoot = "/opt/fn"
			result, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.Equal(t, "/opt/fn", result.Metadata.TaskRoot)
		})

		it("falls back to the platform default", func() {
			var err error
			baseImage, err = mutate.Config(empty.Image, v1.Config{})
			require.NoError(t, err)
			result, err := builder.Build(ctx, r)
			require.NoError(t, err)
			require.Equal(t, fnpack.DefaultTaskRoot, result.Metadata.TaskRoot)
		})
	})

	when("inputs are missing", func() {
		it("fails with an input error", func() {
			r.EntryPoint = ""
			_, err := builder.Build(ctx, r)
			kind, _ := build.KindOf(err)
			require.Equal(t, build.KindInput, kind)
		})
	})
}

type fakeInstaller struct {
	calls       int
	err         error
	fingerprint string
	target      v1.Platform
}

func (f *fakeInstaller) Fingerprint(_ context.Context, target v1.Platform) (string, error) {
	return f.fingerprint + target.String(), nil
}

func (f *fakeInstaller) Install(_ context.Context, _ *manifest.Manifest, dir string, target v1.Platform) error {
	f.calls++
	f.target = target
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Join(dir, "boto3"), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "boto3", "__init__.py"), []byte("# boto3\n"), 0644)
}

type fakeStore struct {
	ref   string
	image v1.Image
}

func (f *fakeStore) Ref() name.Reference {
	ref, err := name.ParseReference(f.ref, name.WeakValidation)
	if err != nil {
		panic(err)
	}
	return ref
}

func (f *fakeStore) Location() string {
	return f.ref
}

func (f *fakeStore) Digest(context.Context) (v1.Hash, error) {
	return f.image.Digest()
}

func (f *fakeStore) Image(context.Context) (v1.Image, error) {
	return f.image, nil
}

func (f *fakeStore) Write(_ context.Context, image v1.Image) error {
	f.image = image
	return nil
}
