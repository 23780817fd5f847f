// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

// PutBlob stores raw content as a blob.
func (s *Store) PutBlob(ctx context.Context, payload []byte) (plumbing.Hash, error) {
	return s.PutObject(ctx, gitobj.BlobObject, payload)
}

// PutTree serializes entries in canonical order and stores the tree.
func (s *Store) PutTree(ctx context.Context, entries []*gitobj.TreeEntry) (plumbing.Hash, error) {
	payload, err := gitobj.EncodeTree(entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return s.PutObject(ctx, gitobj.TreeObject, payload)
}

func (s *Store) PutCommit(ctx context.Context, c *gitobj.Commit) (plumbing.Hash, error) {
	return s.PutObject(ctx, gitobj.CommitObject, c.Encode())
}

func (s *Store) PutTag(ctx context.Context, t *gitobj.Tag) (plumbing.Hash, error) {
	return s.PutObject(ctx, gitobj.TagObject, t.Encode())
}

// typedObject fetches oid and requires it to carry the given type; a
// mismatch reads as the object not being there.
func (s *Store) typedObject(ctx context.Context, oid plumbing.Hash, t gitobj.ObjectType) (*Object, error) {
	o, err := s.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	if o.Type != t {
		return nil, plumbing.NoSuchObject(oid)
	}
	return o, nil
}

func (s *Store) GetBlob(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	o, err := s.typedObject(ctx, oid, gitobj.BlobObject)
	if err != nil {
		return nil, err
	}
	return o.Payload, nil
}

func (s *Store) GetTree(ctx context.Context, oid plumbing.Hash) ([]*gitobj.TreeEntry, error) {
	o, err := s.typedObject(ctx, oid, gitobj.TreeObject)
	if err != nil {
		return nil, err
	}
	return gitobj.DecodeTree(o.Payload)
}

func (s *Store) GetCommit(ctx context.Context, oid plumbing.Hash) (*gitobj.Commit, error) {
	o, err := s.typedObject(ctx, oid, gitobj.CommitObject)
	if err != nil {
		return nil, err
	}
	c, err := gitobj.DecodeCommit(o.Payload)
	if err != nil {
		return nil, err
	}
	c.Hash = oid
	return c, nil
}

func (s *Store) GetTag(ctx context.Context, oid plumbing.Hash) (*gitobj.Tag, error) {
	o, err := s.typedObject(ctx, oid, gitobj.TagObject)
	if err != nil {
		return nil, err
	}
	tag, err := gitobj.DecodeTag(o.Payload)
	if err != nil {
		return nil, err
	}
	tag.Hash = oid
	return tag, nil
}

// CommitExists is the existence probe the branch layer uses to vet
// start points.
func (s *Store) CommitExists(ctx context.Context, oid plumbing.Hash) (bool, error) {
	_, err := s.GetCommit(ctx, oid)
	if plumbing.IsNoSuchObject(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
