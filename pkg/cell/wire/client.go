// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/modules/plumbing/format/pktline"
)

// Client speaks smart HTTP to an upstream cell or any git server.
type Client struct {
	httpClient *http.Client
	// Progress, when set, receives band 2 output during FetchPack.
	Progress io.Writer
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

// Advertisement is a parsed info/refs response.
type Advertisement struct {
	Refs         []*plumbing.Reference
	Capabilities []string
}

// Ref returns the advertised sha of name, or false.
func (a *Advertisement) Ref(name plumbing.ReferenceName) (plumbing.Hash, bool) {
	for _, ref := range a.Refs {
		if ref.Name() == name {
			return ref.Hash(), true
		}
	}
	return plumbing.ZeroHash, false
}

// DiscoverRefs issues the info/refs request for service against base
// and parses the advertisement. An empty repository yields zero refs.
func (c *Client) DiscoverRefs(ctx context.Context, base, service string) (*Advertisement, error) {
	endpoint, err := url.JoinPath(base, "info/refs")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?service="+service, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gitx: info/refs: upstream status %s", resp.Status)
	}
	return parseAdvertisement(resp.Body, service)
}

func parseAdvertisement(r io.Reader, service string) (*Advertisement, error) {
	ad := &Advertisement{}
	sc := pktline.NewScanner(r)
	sawHeader := false
	for sc.Scan() {
		payload := sc.Bytes()
		if len(payload) == 0 {
			if sawHeader && len(ad.Refs) > 0 {
				break
			}
			continue
		}
		line := string(bytes.TrimSuffix(payload, []byte{'\n'}))
		if !sawHeader {
			if line != "# service="+service {
				return nil, &ErrBadRequest{Line: line}
			}
			sawHeader = true
			continue
		}
		if head, tail, ok := strings.Cut(line, "\x00"); ok {
			ad.Capabilities = strings.Fields(tail)
			line = head
		}
		sha, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, &ErrBadRequest{Line: line}
		}
		if name == "capabilities^{}" {
			// empty repository placeholder line
			continue
		}
		oid, err := plumbing.NewHashEx(sha)
		if err != nil {
			return nil, &ErrBadRequest{Line: line}
		}
		ad.Refs = append(ad.Refs, plumbing.NewHashReference(plumbing.ReferenceName(name), oid))
	}
	return ad, sc.Err()
}

// FetchPack negotiates wants against haves over upload-pack and
// returns the raw packfile bytes.
func (c *Client) FetchPack(ctx context.Context, base string, wants, haves []plumbing.Hash) ([]byte, error) {
	if len(wants) == 0 {
		return nil, nil
	}
	endpoint, err := url.JoinPath(base, ServiceUploadPack)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	e := pktline.NewEncoder(&body)
	for i, want := range wants {
		if i == 0 {
			err = e.Encodef("want %s %s\n", want, strings.Join([]string{capSideBand64k, "ofs-delta", "agent=" + agent}, " "))
		} else {
			err = e.Encodef("want %s\n", want)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	for _, have := range haves {
		if err := e.Encodef("have %s\n", have); err != nil {
			return nil, err
		}
	}
	if err := e.EncodeString("done\n"); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gitx: upload-pack: upstream status %s", resp.Status)
	}

	// First the ACK/NAK exchange, then the side-band pack stream.
	sc := pktline.NewScanner(resp.Body)
	for sc.Scan() {
		line := string(sc.Bytes())
		if line == "NAK\n" || strings.HasPrefix(line, "ACK ") {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	demux := pktline.NewDemuxer(resp.Body)
	demux.Progress = c.Progress
	return io.ReadAll(demux)
}
