package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Digest hashes the manifest together with the local inputs it refers to:
// included requirements and constraints files, and local path or editable
// dependencies. Includes resolve against the file naming them; local paths
// resolve against the directory of the top-level manifest, which is where
// the installer runs. Remote references contribute only their text.
func (m *Manifest) Digest() (string, error) {
	h := sha256.New()
	root := filepath.Dir(m.Path)
	seen := map[string]bool{}
	if abs, err := filepath.Abs(m.Path); err == nil {
		seen[abs] = true
	}
	if err := m.digest(h, root, seen); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manifest) digest(h hash.Hash, root string, seen map[string]bool) error {
	writeRecord(h, "manifest", m.raw)

	for _, inc := range m.Includes {
		if isRemote(inc.Path) {
			continue
		}
		p := resolve(filepath.Dir(m.Path), strings.TrimPrefix(inc.Path, "file://"))
		abs, err := filepath.Abs(p)
		if err != nil {
			return &DependencyError{Dependency: inc.String(), Line: inc.Line, Err: err}
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		nested, err := Read(p)
		if err != nil {
			return &DependencyError{Dependency: inc.String(), Line: inc.Line, Err: err}
		}
		if err := nested.digest(h, root, seen); err != nil {
			return err
		}
	}

	local := append(append([]Dependency{}, m.Dependencies...), m.Editables...)
	for _, dep := range local {
		ref := dep.Name
		if strings.HasPrefix(dep.Constraint, "@") {
			ref = strings.TrimSpace(dep.Constraint[1:])
		}
		p, ok := localPath(ref)
		if !ok {
			continue
		}
		if err := digestPath(h, resolve(root, p)); err != nil {
			return &DependencyError{Dependency: dep.Name, Line: dep.Line, Err: err}
		}
	}
	return nil
}

// digestPath hashes a file, or every entry below a directory in lexical order.
func digestPath(h hash.Hash, p string) error {
	return filepath.WalkDir(p, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p, file)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(file)
			if err != nil {
				return err
			}
			writeRecord(h, "link "+rel, []byte(target))
		case d.IsDir():
			writeRecord(h, "dir "+rel, nil)
		case d.Type().IsRegular():
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			writeRecord(h, "file "+rel, content)
		}
		return nil
	})
}

func writeRecord(w io.Writer, kind string, content []byte) {
	fmt.Fprintf(w, "%s %d\n", kind, len(content))
	w.Write(content)
}

// localPath extracts the filesystem path from a path or file:// reference,
// dropping extras and URL fragments.
func localPath(ref string) (string, bool) {
	ref = strings.TrimPrefix(ref, "file://")
	if !strings.HasPrefix(ref, ".") && !strings.HasPrefix(ref, "/") {
		return "", false
	}
	if i := strings.IndexAny(ref, "#["); i > 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, " "); i > 0 {
		ref = ref[:i]
	}
	return ref, true
}

func isRemote(ref string) bool {
	return strings.Contains(ref, "://") && !strings.HasPrefix(ref, "file://")
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, filepath.FromSlash(p))
}
