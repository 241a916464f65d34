// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sectorcache implements a fixed-capacity, write-back sector
// buffer: second-chance eviction, pin counts, and a single cache-wide
// mutex shared by pin/release/flush.
package sectorcache

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/fserrors"
)

// entry is one slot of the cache. sectorID is only meaningful when
// present is true.
//
// INVARIANT: dirty => present
// INVARIANT: pinCount > 0 => not a candidate for eviction
type entry struct {
	present  bool
	sectorID uint32
	buf      [blockdevice.SectorSize]byte
	accessed bool
	dirty    bool
	pinCount int
}

// Cache is a fully-associative sector buffer of fixed capacity C,
// indexed by sector id. A single mutex guards all entry metadata; I/O is
// performed with the lock held, trading latency for simplicity given a
// small C.
type Cache struct {
	mu sync.Mutex

	device   blockdevice.Device
	entries  []entry
	index    map[uint32]int // sector id -> slot, GUARDED_BY(mu)
	clock    int            // next slot to examine for eviction, GUARDED_BY(mu)
	logMutex bool
	lockedBy goroutineID // debug-only re-entrancy guard, GUARDED_BY(mu) itself is
	// unusable for this purpose since the check must run before the lock is
	// held; see lock/unlock in debug.go.
}

// Ref is a pinned reference to one cache entry, returned by Pin. The
// caller must call Release exactly once. No pointer into the cache's
// backing array is ever handed to the caller directly -- all access
// goes through ReadSlice/WriteSlice, which copy into or out of the
// entry's buffer while implicitly relying on the fact that a pinned
// entry cannot be evicted or reused for another sector.
type Ref struct {
	cache    *Cache
	slot     int
	sectorID uint32
}

// New builds a cache of the given capacity against device. Capacity
// must be positive; the default is C=64.
func New(device blockdevice.Device, capacity int, logMutex bool) *Cache {
	if capacity <= 0 {
		panic("sectorcache: capacity must be positive")
	}
	return &Cache{
		device:   device,
		entries:  make([]entry, capacity),
		index:    make(map[uint32]int, capacity),
		logMutex: logMutex,
	}
}

// Pin returns a pinned reference to a cache entry holding the current
// contents of sectorID. If the sector is already resident its pin count
// is incremented and its accessed bit is set; otherwise a victim slot is
// chosen via second-chance eviction, flushed if dirty, and filled from
// the device.
func (c *Cache) Pin(sectorID uint32) (*Ref, error) {
	c.lock()
	defer c.unlock()

	if slot, ok := c.index[sectorID]; ok {
		e := &c.entries[slot]
		e.pinCount++
		e.accessed = true
		return &Ref{cache: c, slot: slot, sectorID: sectorID}, nil
	}

	slot, err := c.evictLocked()
	if err != nil {
		return nil, err
	}

	e := &c.entries[slot]
	if e.present {
		delete(c.index, e.sectorID)
	}

	buf := make([]byte, blockdevice.SectorSize)
	if err := c.device.ReadSector(sectorID, buf); err != nil {
		// Leave the slot empty; do not publish a half-filled entry.
		e.present = false
		return nil, err
	}

	e.present = true
	e.sectorID = sectorID
	copy(e.buf[:], buf)
	e.accessed = false
	e.dirty = false
	e.pinCount = 1

	c.index[sectorID] = slot
	return &Ref{cache: c, slot: slot, sectorID: sectorID}, nil
}

// evictLocked scans entries cyclically, at most 2*len(entries) steps,
// looking for an unpinned victim. Entries with the accessed bit set are
// spared once, with the bit cleared, per the second-chance policy.
// Callers must hold c.mu.
func (c *Cache) evictLocked() (int, error) {
	n := len(c.entries)
	limit := 2 * n

	for step := 0; step < limit; step++ {
		slot := c.clock
		c.clock = (c.clock + 1) % n

		e := &c.entries[slot]
		if !e.present {
			return slot, nil
		}
		if e.pinCount > 0 {
			continue
		}
		if e.accessed {
			e.accessed = false
			continue
		}

		if e.dirty {
			if err := c.writeBackLocked(e); err != nil {
				return 0, err
			}
		}
		return slot, nil
	}

	return 0, fserrors.ErrCacheExhausted
}

func (c *Cache) writeBackLocked(e *entry) error {
	if err := c.device.WriteSector(e.sectorID, e.buf[:]); err != nil {
		return fmt.Errorf("sectorcache: write back sector %d: %w", e.sectorID, err)
	}
	e.dirty = false
	return nil
}

// Release decrements the pin count of ref's entry, marks it dirty if
// mutated is true, and sets its accessed bit. ref must not be used
// again afterward.
func (c *Cache) Release(ref *Ref, mutated bool) {
	c.lock()
	defer c.unlock()

	e := &c.entries[ref.slot]
	if e.pinCount == 0 {
		panic("sectorcache: release of unpinned entry")
	}
	e.pinCount--
	if mutated {
		e.dirty = true
	}
	e.accessed = true
}

// FlushAll writes every dirty entry back to the device. It is
// best-effort: every dirty entry is attempted, and the first error
// encountered, if any, is returned once the scan completes. Writes to
// distinct sectors are independent, so they fan out through an
// errgroup rather than happening one at a time under the cache lock.
func (c *Cache) FlushAll() error {
	c.lock()
	type dirtySector struct {
		slot     int
		sectorID uint32
		buf      [blockdevice.SectorSize]byte
	}
	var dirty []dirtySector
	for i := range c.entries {
		e := &c.entries[i]
		if e.present && e.dirty {
			dirty = append(dirty, dirtySector{slot: i, sectorID: e.sectorID, buf: e.buf})
		}
	}
	c.unlock()

	failed := make([]bool, len(dirty))
	var g errgroup.Group
	for i, d := range dirty {
		i, d := i, d
		g.Go(func() error {
			if err := c.device.WriteSector(d.sectorID, d.buf[:]); err != nil {
				failed[i] = true
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	c.lock()
	for i, d := range dirty {
		if failed[i] {
			continue
		}
		// Only clear the flag if the slot still holds the sector we just
		// flushed -- eviction may have repurposed it while the writes
		// above ran unlocked. A write to that same sector during the
		// flush is not detected: its dirty flag is cleared too.
		// FlushAll is only ever called at shutdown with no concurrent
		// writers, so this is a defensive check rather than a scenario
		// this module expects to hit.
		e := &c.entries[d.slot]
		if e.present && e.sectorID == d.sectorID {
			e.dirty = false
		}
	}
	c.unlock()

	if err != nil {
		return fmt.Errorf("sectorcache: flush_all: %w", err)
	}
	return nil
}

// ReadSlice copies length bytes from ref's buffer starting at offset
// into dst. offset+length must not exceed the sector size.
func (ref *Ref) ReadSlice(dst []byte, offset int) {
	ref.cache.lock()
	defer ref.cache.unlock()

	e := &ref.cache.entries[ref.slot]
	copy(dst, e.buf[offset:offset+len(dst)])
}

// WriteSlice copies src into ref's buffer starting at offset. The
// caller is still responsible for calling Release(ref, true) once
// finished; WriteSlice itself does not mark the entry dirty, since a
// caller may issue several WriteSlice calls before releasing.
func (ref *Ref) WriteSlice(src []byte, offset int) {
	ref.cache.lock()
	defer ref.cache.unlock()

	e := &ref.cache.entries[ref.slot]
	copy(e.buf[offset:offset+len(src)], src)
}

// SectorID reports which sector this pinned reference holds.
func (ref *Ref) SectorID() uint32 {
	return ref.sectorID
}
