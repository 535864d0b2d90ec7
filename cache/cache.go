// Package cache keeps dependency layers between builds, keyed by
// everything that can change the result of an install.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

type Cache interface {
	Get(ctx context.Context, key string) (v1.Layer, bool, error)
	Put(ctx context.Context, key string, layer v1.Layer) error
}

// Key hashes its parts with a separator so adjacent parts cannot collide.
func Key(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type none struct{}

// None never hits and never stores.
var None Cache = none{}

func (none) Get(context.Context, string) (v1.Layer, bool, error) {
	return nil, false, nil
}

func (none) Put(context.Context, string, v1.Layer) error {
	return nil
}

func layerFrom(open func() (io.ReadCloser, error)) (v1.Layer, error) {
	return tarball.LayerFromOpener(open)
}
