package recipe_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sclevine/spec"
	"github.com/stretchr/testify/require"

	"github.com/buildpack/fnpack/recipe"
)

func TestRecipe(t *testing.T) {
	spec.Run(t, "Recipe", testRecipe, spec.Parallel())
}

func testRecipe(t *testing.T, when spec.G, it spec.S) {
	var dir string

	it.Before(func() {
		dir = t.TempDir()
	})

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	when(".Load", func() {
		it("reads the default recipe file", func() {
			writeFile("fnpack.yml", "base: public.ecr.aws/lambda/python:3.12\nentrypoint: app.handler\nenv:\n  S3_REGION: ap-southeast-2\n")
			r, err := recipe.Load(dir, "")
			require.NoError(t, err)
			require.Equal(t, "public.ecr.aws/lambda/python:3.12", r.Base)
			require.Equal(t, "app.handler", r.EntryPoint)
			require.Equal(t, map[string]string{"S3_REGION": "ap-southeast-2"}, r.Env)
			require.Equal(t, dir, r.Context)
		})

		it("tolerates a missing default recipe", func() {
			r, err := recipe.Load(dir, "")
			require.NoError(t, err)
			require.Empty(t, r.Base)
		})

		it("fails on a missing explicit recipe", func() {
			_, err := recipe.Load(dir, filepath.Join(dir, "other.yml"))
			require.ErrorIs(t, err, os.ErrNotExist)
		})

		it("rejects unknown fields", func() {
			path := writeFile("fnpack.yml", "handler: app.handler\n")
			_, err := recipe.Load(dir, path)
			require.ErrorContains(t, err, "parse")
		})
	})

	when("#Override", func() {
		it("prefers non-empty values", func() {
			r := &recipe.Recipe{Base: "a", EntryPoint: "app.handler", Env: map[string]string{"A": "1"}}
			r.Override(recipe.Recipe{Base: "b", Env: map[string]string{"B": "2"}})
			require.Equal(t, "b", r.Base)
			require.Equal(t, "app.handler", r.EntryPoint)
			require.Equal(t, map[string]string{"A": "1", "B": "2"}, r.Env)
		})
	})

	when("#Validate", func() {
		it("requires a base and an entry point", func() {
			err := (&recipe.Recipe{}).Validate()
			require.EqualError(t, err, "missing required inputs: [base entrypoint]")
		})

		it("does not inspect the entry point", func() {
			require.NoError(t, (&recipe.Recipe{Base: "a", EntryPoint: "no.such:thing"}).Validate())
		})
	})

	when("#ManifestPath", func() {
		it("defaults to requirements.txt", func() {
			path, explicit := (&recipe.Recipe{Context: dir}).ManifestPath()
			require.Equal(t, filepath.Join(dir, "requirements.txt"), path)
			require.False(t, explicit)
		})

		it("marks overridden manifests as explicit", func() {
			r := &recipe.Recipe{Context: dir}
			r.Override(recipe.Recipe{Manifest: "deps.txt"})
			path, explicit := r.ManifestPath()
			require.Equal(t, filepath.Join(dir, "deps.txt"), path)
			require.True(t, explicit)
		})
	})

	when("#ArtifactPath", func() {
		it("defaults to app.py", func() {
			want := writeFile("app.py", "")
			got, err := (&recipe.Recipe{Context: dir}).ArtifactPath()
			require.NoError(t, err)
			require.Equal(t, want, got)
		})

		it("resolves a glob to one file", func() {
			want := writeFile("src/handler.py", "")
			got, err := (&recipe.Recipe{Context: dir, Artifact: "**/*.py"}).ArtifactPath()
			require.NoError(t, err)
			require.Equal(t, want, got)
		})

		it("fails when nothing matches", func() {
			_, err := (&recipe.Recipe{Context: dir}).ArtifactPath()
			require.ErrorIs(t, err, recipe.ErrNoArtifact)
		})

		it("fails on a directory", func() {
			require.NoError(t, os.Mkdir(filepath.Join(dir, "app.py"), 0755))
			_, err := (&recipe.Recipe{Context: dir}).ArtifactPath()
			require.ErrorIs(t, err, recipe.ErrNoArtifact)
		})

		it("fails when more than one file matches", func() {
			writeFile("a.py", "")
			writeFile("b.py", "")
			_, err := (&recipe.Recipe{Context: dir, Artifact: "*.py"}).ArtifactPath()
			require.ErrorIs(t, err, recipe.ErrManyArtifact)
		})
	})
}
