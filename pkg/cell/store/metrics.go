// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import "sync/atomic"

// Metrics counts store traffic. Collection is switched by the
// EnableMetrics option; a disabled instance keeps every method a
// no-op so call sites stay unconditional.
type Metrics struct {
	enabled bool

	reads       atomic.Int64
	writes      atomic.Int64
	deletes     atomic.Int64
	demotions   atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

func newMetrics(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) read(n int64) {
	if !m.enabled {
		return
	}
	m.reads.Add(1)
	m.bytesOut.Add(n)
}

func (m *Metrics) write(n int64) {
	if !m.enabled {
		return
	}
	m.writes.Add(1)
	m.bytesIn.Add(n)
}

func (m *Metrics) delete() {
	if m.enabled {
		m.deletes.Add(1)
	}
}

func (m *Metrics) demote() {
	if m.enabled {
		m.demotions.Add(1)
	}
}

func (m *Metrics) cacheHit(n int64) {
	if !m.enabled {
		return
	}
	m.cacheHits.Add(1)
	m.reads.Add(1)
	m.bytesOut.Add(n)
}

func (m *Metrics) cacheMiss() {
	if m.enabled {
		m.cacheMisses.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Reads       int64   `json:"reads"`
	Writes      int64   `json:"writes"`
	Deletes     int64   `json:"deletes"`
	Demotions   int64   `json:"demotions"`
	BytesIn     int64   `json:"bytes_in"`
	BytesOut    int64   `json:"bytes_out"`
	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	HitRate     float64 `json:"hit_rate"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Reads:       m.reads.Load(),
		Writes:      m.writes.Load(),
		Deletes:     m.deletes.Load(),
		Demotions:   m.demotions.Load(),
		BytesIn:     m.bytesIn.Load(),
		BytesOut:    m.bytesOut.Load(),
		CacheHits:   m.cacheHits.Load(),
		CacheMisses: m.cacheMisses.Load(),
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.HitRate = float64(s.CacheHits) / float64(total)
	}
	return s
}
