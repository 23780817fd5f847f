// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package bulk

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configure an S3 compatible bucket (AWS, R2, MinIO).
type S3Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
	ForcePathStyle  bool
}

type s3Bucket struct {
	client *s3.Client
	name   string
}

var _ Bucket = (*s3Bucket)(nil)

// NewS3 builds a Bucket over an S3 compatible endpoint.
func NewS3(ctx context.Context, opts *S3Options) (Bucket, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if len(opts.AccessKeyID) != 0 {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.AccessKeySecret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if len(opts.Endpoint) != 0 {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &s3Bucket{client: client, name: opts.Bucket}, nil
}

func translateNotFound(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return os.ErrNotExist
	}
	return err
}

func (b *s3Bucket) Stat(ctx context.Context, key string) (*Stat, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	st := &Stat{
		Key:      key,
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: out.Metadata,
	}
	if out.LastModified != nil {
		st.LastModified = *out.LastModified
	}
	if out.ContentType != nil {
		st.ContentType = *out.ContentType
	}
	return st, nil
}

func (b *s3Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	return out.Body, nil
}

func (b *s3Bucket) Put(ctx context.Context, key string, r io.Reader, size int64, opts *PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if opts != nil {
		if len(opts.ContentType) != 0 {
			input.ContentType = aws.String(opts.ContentType)
		}
		if len(opts.Metadata) != 0 {
			input.Metadata = opts.Metadata
		}
	}
	_, err := b.client.PutObject(ctx, input)
	return err
}

func (b *s3Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	return err
}

func (b *s3Bucket) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	// DeleteObjects caps at 1000 keys per call
	for len(keys) > 0 {
		n := min(len(keys), 1000)
		ids := make([]types.ObjectIdentifier, 0, n)
		for _, k := range keys[:n] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		if _, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.name),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func (b *s3Bucket) List(ctx context.Context, prefix, continuationToken string, limit int32) ([]*Object, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	}
	if len(continuationToken) != 0 {
		input.ContinuationToken = aws.String(continuationToken)
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(limit)
	}
	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", err
	}
	objects := make([]*Object, 0, len(out.Contents))
	for _, c := range out.Contents {
		o := &Object{Key: aws.ToString(c.Key), Size: aws.ToInt64(c.Size)}
		if c.LastModified != nil {
			o.LastModified = *c.LastModified
		}
		objects = append(objects, o)
	}
	var next string
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return objects, next, nil
}
