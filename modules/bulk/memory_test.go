// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package bulk

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBucket(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	require.NoError(t, b.Put(ctx, "p/a", strings.NewReader("aa"), 2, &PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"Type": "blob"},
	}))
	require.NoError(t, b.Put(ctx, "p/b", strings.NewReader("bb"), 2, nil))
	require.NoError(t, b.Put(ctx, "q/c", strings.NewReader("cc"), 2, nil))

	st, err := b.Stat(ctx, "p/a")
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Size)
	require.Equal(t, "blob", st.Metadata["type"])

	data, err := ReadAll(ctx, b, "p/b")
	require.NoError(t, err)
	require.Equal(t, "bb", string(data))

	_, err = b.Stat(ctx, "p/missing")
	require.True(t, errors.Is(err, os.ErrNotExist))

	objects, next, err := b.List(ctx, "p/", "", 0)
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, objects, 2)
	require.Equal(t, "p/a", objects[0].Key)

	require.NoError(t, b.DeleteMany(ctx, []string{"p/a", "p/b"}))
	objects, _, err = b.List(ctx, "p/", "", 0)
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestMemoryBucketPagination(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	for _, k := range []string{"s/1", "s/2", "s/3"} {
		require.NoError(t, b.Put(ctx, k, strings.NewReader("x"), 1, nil))
	}
	page, next, err := b.List(ctx, "s/", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)
	page, next, err = b.List(ctx, "s/", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Empty(t, next)
}
