// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dot-do/gitx/modules/plumbing"
)

// Signature is an author or committer line:
// "<name> <email> <unix-seconds> <±HHMM>".
type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

const formatTimeZoneOnly = "-0700"

func (s *Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format(formatTimeZoneOnly))
}

var timeZoneLength = 5

func (s *Signature) decodeTimeAndTimeZone(b []byte) {
	space := bytes.IndexByte(b, ' ')
	if space == -1 {
		space = len(b)
	}

	ts, err := strconv.ParseInt(string(b[:space]), 10, 64)
	if err != nil {
		return
	}

	s.When = time.Unix(ts, 0).In(time.UTC)
	tzStart := space + 1
	if tzStart >= len(b) || tzStart+timeZoneLength > len(b) {
		return
	}

	timezone := string(b[tzStart : tzStart+timeZoneLength])
	tzhours, err1 := strconv.ParseInt(timezone[0:3], 10, 64)
	tzmins, err2 := strconv.ParseInt(timezone[3:], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	if tzhours < 0 {
		tzmins *= -1
	}

	tz := time.FixedZone("", int(tzhours*60*60+tzmins*60))

	s.When = s.When.In(tz)
}

// Decode decodes a byte slice into a signature
func (s *Signature) Decode(b []byte) {
	open := bytes.LastIndexByte(b, '<')
	close := bytes.LastIndexByte(b, '>')
	if open == -1 || close == -1 {
		return
	}
	if close < open {
		return
	}

	s.Name = string(bytes.Trim(b[:open], " "))
	s.Email = string(b[open+1 : close])

	if close+2 < len(b) {
		s.decodeTimeAndTimeZone(b[close+2:])
	}
}

// ExtraHeader encapsulates a key-value pairing of header key to header
// value. Kept as an ordered slice so a decode/encode round trip is
// byte-for-byte stable.
type ExtraHeader struct {
	K string
	V string
}

// Commit is a parsed commit object.
type Commit struct {
	Hash         plumbing.Hash   `json:"hash"`
	Tree         plumbing.Hash   `json:"tree"`
	Parents      []plumbing.Hash `json:"parents"`
	Author       Signature       `json:"author"`
	Committer    Signature       `json:"committer"`
	ExtraHeaders []*ExtraHeader  `json:"-"`
	Message      string          `json:"message"`
}

// Subject returns the first line of the commit message.
func (c *Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return strings.TrimSpace(subject)
}

// Encode serializes the commit payload (without the loose header).
func (c *Commit) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", &c.Author)
	fmt.Fprintf(&buf, "committer %s\n", &c.Committer)
	for _, h := range c.ExtraHeaders {
		fmt.Fprintf(&buf, "%s %s\n", h.K, strings.ReplaceAll(h.V, "\n", "\n "))
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// DecodeCommit parses a commit payload.
func DecodeCommit(b []byte) (*Commit, error) {
	c := &Commit{}
	var off int64
	rest := b
	for {
		line, remain, found := bytes.Cut(rest, []byte{'\n'})
		if !found {
			return nil, plumbing.NewErrMalformed(off, "commit header not terminated")
		}
		if len(line) == 0 {
			c.Message = string(remain)
			break
		}
		key, value, ok := bytes.Cut(line, []byte{' '})
		if !ok {
			return nil, plumbing.NewErrMalformed(off, "commit header line %q", line)
		}
		switch string(key) {
		case "tree":
			oid, err := plumbing.NewHashEx(string(value))
			if err != nil {
				return nil, plumbing.NewErrMalformed(off, "commit tree oid %q", value)
			}
			c.Tree = oid
		case "parent":
			oid, err := plumbing.NewHashEx(string(value))
			if err != nil {
				return nil, plumbing.NewErrMalformed(off, "commit parent oid %q", value)
			}
			c.Parents = append(c.Parents, oid)
		case "author":
			c.Author.Decode(value)
		case "committer":
			c.Committer.Decode(value)
		default:
			c.ExtraHeaders = append(c.ExtraHeaders, &ExtraHeader{K: string(key), V: string(value)})
		}
		off += int64(len(line)) + 1
		rest = remain
	}
	if c.Tree.IsZero() {
		return nil, plumbing.NewErrMalformed(0, "commit has no tree header")
	}
	return c, nil
}
