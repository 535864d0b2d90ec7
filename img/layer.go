package img

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Layers are written with a fixed timestamp and root ownership so the same
// content always yields the same digest.
var epoch = time.Unix(0, 0).UTC()

// FileLayer returns a layer holding a single regular file at target.
func FileLayer(target string, content []byte, mode int64) (v1.Layer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	if err := writeParents(tw, path.Dir(target)); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(header(target, tar.TypeReg, mode, int64(len(content)))); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return fromBytes(buf.Bytes())
}

// DirLayer returns a layer with the contents of dir placed under target.
func DirLayer(dir, target string) (v1.Layer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	if err := writeParents(tw, target); err != nil {
		return nil, err
	}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := path.Join(target, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := int64(info.Mode().Perm())
		switch {
		case d.IsDir():
			return tw.WriteHeader(header(name, tar.TypeDir, mode, 0))
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			hdr := header(name, tar.TypeSymlink, mode, 0)
			hdr.Linkname = link
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(header(name, tar.TypeReg, mode, info.Size())); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return fromBytes(buf.Bytes())
}

func writeParents(tw *tar.Writer, dir string) error {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir == "" {
		return nil
	}
	var cur string
	for _, part := range strings.Split(dir, "/") {
		cur = path.Join(cur, part)
		if err := tw.WriteHeader(header(cur, tar.TypeDir, 0755, 0)); err != nil {
			return err
		}
	}
	return nil
}

func header(name string, typ byte, mode, size int64) *tar.Header {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if typ == tar.TypeDir {
		name += "/"
	}
	return &tar.Header{
		Typeflag: typ,
		Name:     name,
		Mode:     mode,
		Size:     size,
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
}

func fromBytes(b []byte) (v1.Layer, error) {
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	})
}
