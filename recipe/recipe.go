// Package recipe holds the inputs of a function image build.
package recipe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v2"

	"github.com/buildpack/fnpack/manifest"
)

const (
	DefaultFile     = "fnpack.yml"
	DefaultArtifact = "app.py"
)

var (
	ErrNoArtifact   = errors.New("no application artifact")
	ErrManyArtifact = errors.New("more than one application artifact")
)

type Recipe struct {
	Base       string            `yaml:"base"`
	Manifest   string            `yaml:"manifest"`
	Artifact   string            `yaml:"artifact"`
	EntryPoint string            `yaml:"entrypoint"`
	TaskRoot   string            `yaml:"task_root"`
	Platform   string            `yaml:"platform"`
	Env        map[string]string `yaml:"env"`
	Labels     map[string]string `yaml:"labels"`

	// Context is the directory relative paths are resolved against.
	Context string `yaml:"-"`

	manifestSet bool
}

// Load reads a recipe file. A missing file at the default location yields
// an empty recipe rooted in dir.
func Load(dir, path string) (*Recipe, error) {
	r := &Recipe{Context: dir}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, DefaultFile)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return r, nil
	} else if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(b, r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	r.manifestSet = r.Manifest != ""
	return r, nil
}

// Override replaces fields with the non-empty fields of o.
func (r *Recipe) Override(o Recipe) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&r.Base, o.Base)
	set(&r.Artifact, o.Artifact)
	set(&r.EntryPoint, o.EntryPoint)
	set(&r.TaskRoot, o.TaskRoot)
	set(&r.Platform, o.Platform)
	if o.Manifest != "" {
		r.Manifest = o.Manifest
		r.manifestSet = true
	}
	for k, v := range o.Env {
		if r.Env == nil {
			r.Env = map[string]string{}
		}
		r.Env[k] = v
	}
	for k, v := range o.Labels {
		if r.Labels == nil {
			r.Labels = map[string]string{}
		}
		r.Labels[k] = v
	}
}

// Validate checks that the inputs without defaults are present. The entry
// point is opaque and only has to be non-empty.
func (r *Recipe) Validate() error {
	var missing []string
	if r.Base == "" {
		missing = append(missing, "base")
	}
	if r.EntryPoint == "" {
		missing = append(missing, "entrypoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required inputs: %v", missing)
	}
	return nil
}

func (r *Recipe) path(p string) string {
	if filepath.IsAbs(p) || r.Context == "" {
		return p
	}
	return filepath.Join(r.Context, p)
}

// ManifestPath returns the manifest location and whether it was requested
// explicitly. A default manifest that does not exist counts as empty.
func (r *Recipe) ManifestPath() (string, bool) {
	if r.Manifest == "" {
		return r.path(manifest.DefaultPath), r.manifestSet
	}
	return r.path(r.Manifest), r.manifestSet
}

// ArtifactPath resolves the artifact, which may be a glob, to exactly one
// regular file.
func (r *Recipe) ArtifactPath() (string, error) {
	pattern := r.Artifact
	if pattern == "" {
		pattern = DefaultArtifact
	}
	pattern = r.path(pattern)
	var matches []string
	if doublestar.ValidatePathPattern(pattern) && hasMeta(pattern) {
		var err error
		matches, err = doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return "", err
		}
		sort.Strings(matches)
	} else if info, err := os.Stat(pattern); err == nil && info.Mode().IsRegular() {
		matches = []string{pattern}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoArtifact, pattern)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%w: %s matches %v", ErrManyArtifact, pattern, matches)
}

func hasMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
