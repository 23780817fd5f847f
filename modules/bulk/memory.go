// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package bulk

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBucket keeps objects in a map; used by tests and local runs.
type MemoryBucket struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject

	// FailPut, when set, is consulted before every Put; tests use it
	// to inject storage failures.
	FailPut func(key string) error
}

type memoryObject struct {
	data         []byte
	contentType  string
	metadata     map[string]string
	lastModified time.Time
}

var _ Bucket = (*MemoryBucket)(nil)

// NewMemory returns an empty in-memory Bucket.
func NewMemory() *MemoryBucket {
	return &MemoryBucket{objects: make(map[string]*memoryObject)}
}

func (b *MemoryBucket) Stat(ctx context.Context, key string) (*Stat, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &Stat{
		Key:          key,
		Size:         int64(len(o.data)),
		LastModified: o.lastModified,
		ContentType:  o.contentType,
		Metadata:     o.metadata,
	}, nil
}

func (b *MemoryBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (b *MemoryBucket) Put(ctx context.Context, key string, r io.Reader, size int64, opts *PutOptions) error {
	if b.FailPut != nil {
		if err := b.FailPut(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o := &memoryObject{data: data, lastModified: time.Now()}
	if opts != nil {
		o.contentType = opts.ContentType
		if len(opts.Metadata) != 0 {
			o.metadata = make(map[string]string, len(opts.Metadata))
			for k, v := range opts.Metadata {
				o.metadata[strings.ToLower(k)] = v
			}
		}
	}
	b.mu.Lock()
	b.objects[key] = o
	b.mu.Unlock()
	return nil
}

func (b *MemoryBucket) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBucket) DeleteMany(ctx context.Context, keys []string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.objects, k)
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBucket) List(ctx context.Context, prefix, continuationToken string, limit int32) ([]*Object, string, error) {
	b.mu.RLock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > continuationToken {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()
	sort.Strings(keys)

	if limit <= 0 {
		limit = 1000
	}
	var next string
	if int32(len(keys)) > limit {
		keys = keys[:limit]
		next = keys[len(keys)-1]
	}
	objects := make([]*Object, 0, len(keys))
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, k := range keys {
		if o, ok := b.objects[k]; ok {
			objects = append(objects, &Object{Key: k, Size: int64(len(o.data)), LastModified: o.lastModified})
		}
	}
	return objects, next, nil
}
