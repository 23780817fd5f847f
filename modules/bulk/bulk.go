// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package bulk abstracts the external object storage service used for
// the warm tier, cold packs and columnar segments. The store is
// untrusted: every write carries a deterministic key so that retried
// operations are idempotent.
package bulk

import (
	"context"
	"io"
	"time"
)

// Stat describes one stored object.
type Stat struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// Object is one entry of a List page.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// PutOptions carry the content type and custom metadata attached to an
// uploaded object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Bucket is the contract the engine consumes. Implementations must
// translate their not-found condition into os.ErrNotExist so callers
// can test with errors.Is.
type Bucket interface {
	Stat(ctx context.Context, key string) (*Stat, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, opts *PutOptions) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
	List(ctx context.Context, prefix, continuationToken string, limit int32) ([]*Object, string, error)
}

// ReadAll fetches a whole object into memory.
func ReadAll(ctx context.Context, b Bucket, key string) ([]byte, error) {
	rc, err := b.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
