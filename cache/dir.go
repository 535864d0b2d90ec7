package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
)

const keysFile = "fnpack-keys.json"

// Dir stores layer blobs in an OCI image layout and maps keys to blob
// digests in a side index.
type Dir struct {
	dir  string
	path layout.Path
	mu   sync.Mutex
}

func NewDir(dir string) (*Dir, error) {
	p, err := layout.FromPath(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		p, err = layout.Write(dir, empty.Index)
	}
	if err != nil {
		return nil, err
	}
	return &Dir{dir: dir, path: p}, nil
}

func (d *Dir) Get(_ context.Context, key string) (v1.Layer, bool, error) {
	d.mu.Lock()
	keys, err := d.keys()
	d.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	entry, ok := keys[key]
	if !ok {
		return nil, false, nil
	}
	hash, err := v1.NewHash(entry)
	if err != nil {
		return nil, false, err
	}
	if _, err := os.Stat(filepath.Join(d.dir, "blobs", hash.Algorithm, hash.Hex)); errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	layer, err := layerFrom(func() (io.ReadCloser, error) {
		return d.path.Blob(hash)
	})
	if err != nil {
		return nil, false, err
	}
	return layer, true, nil
}

func (d *Dir) Put(_ context.Context, key string, layer v1.Layer) error {
	hash, err := layer.Digest()
	if err != nil {
		return err
	}
	rc, err := layer.Compressed()
	if err != nil {
		return err
	}
	if err := d.path.WriteBlob(hash, rc); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	keys, err := d.keys()
	if err != nil {
		return err
	}
	keys[key] = hash.String()
	return d.writeKeys(keys)
}

func (d *Dir) keys() (map[string]string, error) {
	keys := map[string]string{}
	b, err := os.ReadFile(filepath.Join(d.dir, keysFile))
	if errors.Is(err, os.ErrNotExist) {
		return keys, nil
	} else if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *Dir) writeKeys(keys map[string]string) error {
	b, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(d.dir, keysFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ Cache = (*Dir)(nil)
