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

// Package opentable implements the open-inode table: at most one
// OpenInode exists per live sector, reference counted across
// concurrent openers, with deferred deletion when an inode is removed
// while still open.
package opentable

import (
	"fmt"
	"sync"

	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/freemap"
	"github.com/kestrelfs/kestrel/internal/inode"
)

// Table deduplicates OpenInodes by home sector and frees an inode's
// storage once its last opener closes it, if it was marked removed
// along the way.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*inode.OpenInode // GUARDED_BY(mu)

	device blockdevice.Device
	store  *inode.Store
	freeOp freemap.FreeMap
	layout inode.Layout
}

// New builds a table backed by device (for direct home-sector I/O),
// store (for growing/freeing an inode's data sectors), and freeOp (to
// release an inode's own home sector once it is deleted).
func New(device blockdevice.Device, store *inode.Store, freeOp freemap.FreeMap, layout inode.Layout) *Table {
	return &Table{
		entries: make(map[uint32]*inode.OpenInode),
		device:  device,
		store:   store,
		freeOp:  freeOp,
		layout:  layout,
	}
}

// Open returns the OpenInode for sector, incrementing its open count if
// one is already resident, or loading its home sector directly from the
// device (bypassing the sector cache) otherwise.
func (t *Table) Open(sector uint32) (*inode.OpenInode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if oi, ok := t.entries[sector]; ok {
		oi.OpenCount++
		return oi, nil
	}

	buf := make([]byte, blockdevice.SectorSize)
	if err := t.device.ReadSector(sector, buf); err != nil {
		return nil, err
	}

	disk := &inode.OnDisk{Layout: t.layout}
	if err := disk.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("opentable: open sector %d: %w", sector, err)
	}

	oi := inode.New(sector, disk)
	t.entries[sector] = oi
	return oi, nil
}

// Remove unlinks sector's storage: if it currently has no OpenInode
// resident, it is freed immediately; if it does, it is marked for
// deletion and freed once its last opener calls Close. Remove does not
// itself count as an opener, so callers need not pair it with a Close.
func (t *Table) Remove(sector uint32) error {
	t.mu.Lock()
	if oi, ok := t.entries[sector]; ok {
		oi.Removed = true
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	oi, err := t.Open(sector)
	if err != nil {
		return err
	}
	oi.Removed = true
	return t.Close(oi)
}

// Close decrements oi's open count. If it reaches zero, oi is dropped
// from the table; if it was marked removed, its storage is freed,
// otherwise its current image is published to its home sector.
func (t *Table) Close(oi *inode.OpenInode) error {
	t.mu.Lock()
	if oi.OpenCount == 0 {
		t.mu.Unlock()
		panic("opentable: close of inode with zero open count")
	}
	oi.OpenCount--
	finalize := oi.OpenCount == 0
	removed := oi.Removed
	if finalize {
		delete(t.entries, oi.Sector)
	}
	t.mu.Unlock()

	if !finalize {
		return nil
	}

	if !removed {
		oi.Mu.Lock()
		err := t.device.WriteSector(oi.Sector, oi.Disk.Marshal())
		oi.Mu.Unlock()
		return err
	}

	if err := t.store.Free(oi); err != nil {
		return err
	}
	t.freeOp.Release(oi.Sector, 1)
	return nil
}

// IsOpen reports whether sector currently has a live OpenInode, mainly
// useful for directory removal's "busy" check.
func (t *Table) IsOpen(sector uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[sector]
	return ok
}

// Len reports how many distinct inodes currently have at least one
// opener.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
