// Package manifest reads requirements-style dependency manifests.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

const DefaultPath = "requirements.txt"

var (
	entryPattern = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(\[[^\]]*\])?\s*(.*)$`)
	specPrefixes = []string{"===", "==", ">=", "<=", "!=", "~=", ">", "<", "@", ";", "("}

	ErrMalformed = errors.New("malformed dependency")
)

type Dependency struct {
	Name       string
	Extras     string
	Constraint string
	Line       int
}

func (d Dependency) String() string {
	return d.Name + d.Extras + d.Constraint
}

// Include is a nested requirements or constraints file named with -r or -c.
type Include struct {
	Constraint bool
	Path       string
	Line       int
}

func (i Include) String() string {
	if i.Constraint {
		return "-c " + i.Path
	}
	return "-r " + i.Path
}

type Manifest struct {
	Path         string
	Dependencies []Dependency
	Includes     []Include
	// Editables holds -e entries; Name is the local path or VCS URL.
	Editables []Dependency
	Options   []string

	raw []byte
}

// DependencyError identifies the dependency that could not be read or installed.
type DependencyError struct {
	Dependency string
	Line       int
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("dependency %q (line %d): %s", e.Dependency, e.Line, e.Err)
	}
	return fmt.Sprintf("dependency %q: %s", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// Read parses the manifest at path. A missing file is an error.
func Read(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

func Parse(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m := &Manifest{raw: raw}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var (
		n, start int
		pending  string
	)
	for scanner.Scan() {
		n++
		line := scanner.Text()
		if pending == "" {
			start = n
		}
		if strings.HasSuffix(line, `\`) {
			pending += strings.TrimSuffix(line, `\`)
			continue
		}
		line, pending = pending+line, ""
		if err := m.add(stripComment(line), start); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if pending != "" {
		if err := m.add(stripComment(pending), start); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manifest) add(line string, n int) error {
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "-") {
		return m.addOption(line, n)
	}
	if strings.Contains(line, "://") || strings.HasPrefix(line, ".") || strings.HasPrefix(line, "/") {
		m.Dependencies = append(m.Dependencies, Dependency{Name: line, Line: n})
		return nil
	}
	match := entryPattern.FindStringSubmatch(line)
	if match == nil {
		return &DependencyError{Dependency: line, Line: n, Err: ErrMalformed}
	}
	dep := Dependency{Name: match[1], Extras: match[2], Constraint: strings.TrimSpace(match[3]), Line: n}
	if dep.Constraint != "" && !hasSpecPrefix(dep.Constraint) {
		return &DependencyError{Dependency: line, Line: n, Err: ErrMalformed}
	}
	m.Dependencies = append(m.Dependencies, dep)
	return nil
}

func (m *Manifest) addOption(line string, n int) error {
	flag, value := splitOption(line)
	switch flag {
	case "-r", "--requirement", "-c", "--constraint":
		if value == "" {
			return &DependencyError{Dependency: line, Line: n, Err: ErrMalformed}
		}
		m.Includes = append(m.Includes, Include{Constraint: flag == "-c" || flag == "--constraint", Path: value, Line: n})
	case "-e", "--editable":
		if value == "" {
			return &DependencyError{Dependency: line, Line: n, Err: ErrMalformed}
		}
		m.Editables = append(m.Editables, Dependency{Name: value, Line: n})
	default:
		m.Options = append(m.Options, line)
	}
	return nil
}

// splitOption accepts "-r x", "-rx", "--requirement x" and "--requirement=x".
func splitOption(line string) (string, string) {
	if strings.HasPrefix(line, "--") {
		if i := strings.IndexAny(line, "= \t"); i > 0 {
			return line[:i], strings.TrimSpace(line[i+1:])
		}
		return line, ""
	}
	if len(line) <= 2 {
		return line, ""
	}
	return line[:2], strings.TrimLeft(line[2:], "= \t")
}

// Empty reports whether installing the manifest would install nothing.
// Included files and editable entries count as declarations.
func (m *Manifest) Empty() bool {
	return len(m.Dependencies) == 0 && len(m.Includes) == 0 && len(m.Editables) == 0
}

func (m *Manifest) Names() []string {
	var names []string
	for _, dep := range m.Dependencies {
		names = append(names, dep.Name)
	}
	return names
}

// Find returns the dependency whose normalized name matches name.
func (m *Manifest) Find(name string) (Dependency, bool) {
	want := Normalize(name)
	for _, dep := range m.Dependencies {
		if Normalize(dep.Name) == want {
			return dep, true
		}
	}
	return Dependency{}, false
}

// Normalize folds case and runs of "-", "_" and "." the way package indexes do.
func Normalize(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	sep := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i == 0 {
		return ""
	} else if i > 0 {
		if c := line[i-1]; c == ' ' || c == '\t' {
			line = line[:i]
		}
	}
	return strings.TrimSpace(line)
}

func hasSpecPrefix(s string) bool {
	for _, p := range specPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
