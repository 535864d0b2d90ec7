package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// ObjectAPI is the subset of the S3 client used by the cache.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores each compressed layer as one object under prefix, named by key.
type S3 struct {
	client ObjectAPI
	bucket string
	prefix string
}

func NewS3(ctx context.Context, bucket, region, prefix string) (*S3, error) {
	if bucket == "" || region == "" {
		return nil, errors.New("s3 cache requires bucket and region")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewS3WithClient(client ObjectAPI, bucket, prefix string) *S3 {
	if prefix == "" {
		prefix = "fnpack/layers"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) object(key string) string {
	return path.Join(s.prefix, key+".tar.gz")
}

// Get downloads the whole object; layers are read several times during a
// build and export.
func (s *S3) Get(ctx context.Context, key string) (v1.Layer, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.object(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var apiErr smithy.APIError
		if errors.As(err, &noKey) || (errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound") {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	layer, err := layerFrom(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	})
	if err != nil {
		return nil, false, err
	}
	return layer, true, nil
}

func (s *S3) Put(ctx context.Context, key string, layer v1.Layer) error {
	rc, err := layer.Compressed()
	if err != nil {
		return err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.object(key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/gzip"),
	})
	return err
}

var _ Cache = (*S3)(nil)
