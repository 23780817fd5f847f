// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"testing"
	"time"

	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/stretchr/testify/require"
)

func testSignature() Signature {
	return Signature{
		Name:  "J. Doe",
		Email: "jdoe@example.com",
		When:  time.Unix(1494258422, 0).In(time.FixedZone("", -6*3600)),
	}
}

func TestSignatureString(t *testing.T) {
	s := testSignature()
	require.Equal(t, "J. Doe <jdoe@example.com> 1494258422 -0600", s.String())
}

func TestCommitRoundTrip(t *testing.T) {
	c := &Commit{
		Tree:      shaA(),
		Parents:   []plumbing.Hash{shaB()},
		Author:    testSignature(),
		Committer: testSignature(),
		Message:   "add a\n\nlonger body\n",
	}
	payload := c.Encode()
	got, err := DecodeCommit(payload)
	require.NoError(t, err)
	require.Equal(t, c.Tree, got.Tree)
	require.Equal(t, c.Parents, got.Parents)
	require.Equal(t, c.Author.String(), got.Author.String())
	require.Equal(t, c.Message, got.Message)
	require.Equal(t, "add a", got.Subject())
	// re-encode is byte identical
	require.Equal(t, payload, got.Encode())
}

func TestCommitExtraHeadersSurvive(t *testing.T) {
	c := &Commit{
		Tree:      shaA(),
		Author:    testSignature(),
		Committer: testSignature(),
		ExtraHeaders: []*ExtraHeader{
			{K: "encoding", V: "ISO-8859-1"},
		},
		Message: "m\n",
	}
	got, err := DecodeCommit(c.Encode())
	require.NoError(t, err)
	require.Len(t, got.ExtraHeaders, 1)
	require.Equal(t, "encoding", got.ExtraHeaders[0].K)
	require.Equal(t, c.Encode(), got.Encode())
}

func TestDecodeCommitMalformed(t *testing.T) {
	_, err := DecodeCommit([]byte("tree zzzz\n\nmsg"))
	require.True(t, plumbing.IsErrMalformed(err))
	_, err = DecodeCommit([]byte("author nobody\n\nmsg"))
	require.True(t, plumbing.IsErrMalformed(err)) // no tree header
	_, err = DecodeCommit([]byte("tree " + shaA().String()))
	require.True(t, plumbing.IsErrMalformed(err)) // no blank separator
}

func TestTagRoundTrip(t *testing.T) {
	sig := testSignature()
	tag := &Tag{
		Object:     shaA(),
		ObjectType: CommitObject,
		Name:       "v1.0.0",
		Tagger:     &sig,
		Message:    "release\n",
	}
	got, err := DecodeTag(tag.Encode())
	require.NoError(t, err)
	require.Equal(t, tag.Object, got.Object)
	require.Equal(t, CommitObject, got.ObjectType)
	require.Equal(t, "v1.0.0", got.Name)
	require.NotNil(t, got.Tagger)
	require.Equal(t, tag.Encode(), got.Encode())
}

func TestDecodeTagMalformed(t *testing.T) {
	_, err := DecodeTag([]byte("type commit\ntag x\n\nmsg"))
	require.True(t, plumbing.IsErrMalformed(err)) // no object
	_, err = DecodeTag([]byte("object " + shaA().String() + "\ntype sock\ntag x\n\nmsg"))
	require.True(t, plumbing.IsErrMalformed(err))
}
