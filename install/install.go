// Package install materializes a dependency manifest into a directory.
package install

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/buildpack/fnpack/manifest"
	"github.com/buildpack/fnpack/sys"
)

// Installer installs m into dir for packages that will run on target. A zero
// target means the host platform.
type Installer interface {
	Install(ctx context.Context, m *manifest.Manifest, dir string, target v1.Platform) error
	// Fingerprint identifies everything besides the manifest that changes
	// what Install produces for target.
	Fingerprint(ctx context.Context, target v1.Platform) (string, error)
}

var (
	ErrUnresolvable = errors.New("no matching distribution")
	ErrIncompatible = errors.New("conflicting requirements")

	unresolvable = []*regexp.Regexp{
		regexp.MustCompile(`No matching distribution found for ([^\s]+)`),
		regexp.MustCompile(`Could not find a version that satisfies the requirement ([^\s]+)`),
	}
	incompatible = regexp.MustCompile(`Cannot install ([^\s]+)(?: and [^\s]+)* because these package versions have conflicting dependencies`)
	specifier    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)
)

// Pip installs into dir with `pip install --target`, so the result can be
// copied into the task root as is. It runs from the manifest's directory so
// local path entries resolve the same way they are hashed.
//
// When the target differs from the host, or PythonVersion is set, pip is
// restricted to binary wheels built for the target so that packages which
// would not run there fail the install instead of the function.
type Pip struct {
	Binary        string
	Args          []string
	PythonVersion string

	// Host overrides the platform pip runs on; zero means the current one.
	Host v1.Platform
}

func (p Pip) binary() string {
	if p.Binary == "" {
		return "pip"
	}
	return p.Binary
}

func (p Pip) Install(ctx context.Context, m *manifest.Manifest, dir string, target v1.Platform) error {
	if m.Empty() {
		return nil
	}
	manifestPath, err := filepath.Abs(m.Path)
	if err != nil {
		return err
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return err
	}
	args := []string{"install", "--no-cache-dir", "--disable-pip-version-check", "--target", dir, "-r", manifestPath}
	args = append(args, p.TargetArgs(target)...)
	args = append(args, p.Args...)
	if _, err := sys.RunIn(ctx, filepath.Dir(manifestPath), p.binary(), args...); err != nil {
		return Classify(m, err)
	}
	return nil
}

// Fingerprint combines the installer's reported version, which names the
// interpreter it belongs to, with every argument it will be given.
func (p Pip) Fingerprint(ctx context.Context, target v1.Platform) (string, error) {
	version, err := sys.Run(ctx, p.binary(), "--version")
	if err != nil {
		return "", err
	}
	parts := []string{p.binary(), version}
	parts = append(parts, p.TargetArgs(target)...)
	parts = append(parts, p.Args...)
	return strings.Join(parts, "\n"), nil
}

// TargetArgs returns the wheel selection flags for target, or nothing when
// the host can install for itself.
func (p Pip) TargetArgs(target v1.Platform) []string {
	if p.PythonVersion == "" && p.native(target) {
		return nil
	}
	var args []string
	if tag := wheelPlatform(target); tag != "" {
		args = append(args, "--platform", tag)
	}
	args = append(args, "--implementation", "cp")
	if p.PythonVersion != "" {
		args = append(args, "--python-version", p.PythonVersion)
	}
	return append(args, "--only-binary=:all:")
}

func (p Pip) native(target v1.Platform) bool {
	if target.OS == "" && target.Architecture == "" {
		return true
	}
	host := p.Host
	if host.OS == "" {
		host = v1.Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
	}
	return target.OS == host.OS && target.Architecture == host.Architecture
}

func wheelPlatform(target v1.Platform) string {
	if target.OS != "linux" {
		return ""
	}
	switch target.Architecture {
	case "amd64":
		return "manylinux2014_x86_64"
	case "arm64":
		return "manylinux2014_aarch64"
	}
	return ""
}

// Classify turns installer output into a DependencyError naming the
// offending dependency when the output identifies one.
func Classify(m *manifest.Manifest, err error) error {
	var runErr *sys.RunError
	if !errors.As(err, &runErr) {
		return err
	}
	for _, re := range unresolvable {
		if match := re.FindStringSubmatch(runErr.Stderr); match != nil {
			return dependencyError(m, match[1], ErrUnresolvable, err)
		}
	}
	if match := incompatible.FindStringSubmatch(runErr.Stderr); match != nil {
		return dependencyError(m, match[1], ErrIncompatible, err)
	}
	return err
}

func dependencyError(m *manifest.Manifest, requirement string, kind, cause error) error {
	name := specifier.FindString(requirement)
	depErr := &manifest.DependencyError{Dependency: requirement, Err: errors.Join(kind, cause)}
	if dep, ok := m.Find(name); ok {
		depErr.Dependency = dep.String()
		depErr.Line = dep.Line
	}
	return depErr
}
