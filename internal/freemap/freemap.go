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

// Package freemap defines the external free-sector bitmap collaborator,
// plus a reference implementation modeled on Pintos's free-map.c: one
// bit per sector, persisted as a bitmap image that reserves its own
// sectors immediately after the root directory inode.
package freemap

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/fserrors"
)

// FreeMap is the external collaborator: it allocates and releases
// sector ids and reports how many remain free.
type FreeMap interface {
	// Allocate reserves n contiguous sectors and reports the first id, or
	// false if no contiguous run of that length is free.
	Allocate(n uint32) (first uint32, ok bool)

	// Release returns n contiguous sectors starting at sectorID to the
	// free pool.
	Release(sectorID uint32, n uint32)

	// FreeSpace reports the number of currently unallocated sectors.
	FreeSpace() uint32
}

// BitmapFreeMap is a reference FreeMap implementation. Bit i of the
// bitmap corresponds to sector i. Sector 0 (this map's own header) and
// sector 1 (the root directory inode's home, RootDirSector) are always
// marked in-use from construction, and so are however many sectors
// starting at bitmapDataStart the bitmap's own image needs -- those are
// reserved up front rather than handed out by Allocate, so the bitmap
// never overwrites the root directory or any sector it has already
// allocated to a caller.
type BitmapFreeMap struct {
	mu     sync.Mutex
	bits   []bool
	device blockdevice.Device
}

var _ FreeMap = (*BitmapFreeMap)(nil)

// ReservedSectors are marked allocated unconditionally by Create: sector
// 0 (a reserved header sector) and sector 1 (the root directory inode).
// The bitmap's own persisted image starts at bitmapDataStart, the first
// sector after those two, and reserves however many more sectors its
// size requires.
const (
	FreeMapSector     = 0
	RootDirSector     = 1
	bitmapDataStart   = RootDirSector + 1
	reservedSectorCnt = 2
)

// bitmapSectorSpan reports how many sectors a bitmap covering n sectors
// occupies once persisted.
func bitmapSectorSpan(n uint32) int {
	bytesNeeded := (int(n) + 7) / 8
	sectorsNeeded := (bytesNeeded + blockdevice.SectorSize - 1) / blockdevice.SectorSize
	if sectorsNeeded == 0 {
		sectorsNeeded = 1
	}
	return sectorsNeeded
}

// Create builds a fresh, fully-free bitmap sized to the device's sector
// count, with the reserved sectors -- including the bitmap's own data
// sectors -- pre-marked, and persists it starting at bitmapDataStart.
func Create(device blockdevice.Device) (*BitmapFreeMap, error) {
	n := device.SectorCount()
	span := bitmapSectorSpan(n)
	if n < uint32(reservedSectorCnt+span) {
		return nil, fmt.Errorf("freemap: device too small to hold reserved sectors and bitmap image")
	}

	fm := &BitmapFreeMap{
		bits:   make([]bool, n),
		device: device,
	}
	fm.bits[FreeMapSector] = true
	fm.bits[RootDirSector] = true
	for s := bitmapDataStart; s < bitmapDataStart+span; s++ {
		fm.bits[s] = true
	}

	if err := fm.persist(); err != nil {
		return nil, err
	}
	return fm, nil
}

// Open reads a previously persisted bitmap back from bitmapDataStart.
func Open(device blockdevice.Device) (*BitmapFreeMap, error) {
	n := device.SectorCount()
	fm := &BitmapFreeMap{
		bits:   make([]bool, n),
		device: device,
	}

	span := bitmapSectorSpan(n)
	buf := make([]byte, blockdevice.SectorSize)
	for off := 0; off < span; off++ {
		if err := device.ReadSector(uint32(bitmapDataStart+off), buf); err != nil {
			return nil, fmt.Errorf("freemap: read bitmap sector %d: %w", bitmapDataStart+off, err)
		}
		for i := 0; i < blockdevice.SectorSize*8; i++ {
			sectorID := off*blockdevice.SectorSize*8 + i
			if sectorID >= int(n) {
				break
			}
			fm.bits[sectorID] = buf[i/8]&(1<<uint(i%8)) != 0
		}
	}
	return fm, nil
}

// Close persists the current bitmap state. It is the caller's
// responsibility to call Close before shutdown; this map is not
// flushed incrementally.
func (fm *BitmapFreeMap) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.persist()
}

func (fm *BitmapFreeMap) Allocate(n uint32) (uint32, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	run := uint32(0)
	start := uint32(0)
	for i := uint32(0); i < uint32(len(fm.bits)); i++ {
		if fm.bits[i] {
			run = 0
			continue
		}
		if run == 0 {
			start = i
		}
		run++
		if run == n {
			for j := start; j < start+n; j++ {
				fm.bits[j] = true
			}
			return start, true
		}
	}
	return 0, false
}

func (fm *BitmapFreeMap) Release(sectorID uint32, n uint32) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for j := sectorID; j < sectorID+n; j++ {
		fm.bits[j] = false
	}
}

func (fm *BitmapFreeMap) FreeSpace() uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	free := uint32(0)
	for _, b := range fm.bits {
		if !b {
			free++
		}
	}
	return free
}

// persist writes the bitmap image back across however many sectors it
// occupies, starting at bitmapDataStart -- never sector 0 or
// RootDirSector. The sectors are independent of each other, so an
// errgroup fans the writes out and reports the first failure, matching
// the "attempt everything, return the first error" contract
// SectorCache.FlushAll uses for the same reason.
func (fm *BitmapFreeMap) persist() error {
	sectorsNeeded := bitmapSectorSpan(uint32(len(fm.bits)))

	packed := make([]byte, sectorsNeeded*blockdevice.SectorSize)
	for i, set := range fm.bits {
		if set {
			packed[i/8] |= 1 << uint(i%8)
		}
	}

	var g errgroup.Group
	for off := 0; off < sectorsNeeded; off++ {
		off := off
		g.Go(func() error {
			buf := packed[off*blockdevice.SectorSize : (off+1)*blockdevice.SectorSize]
			if err := fm.device.WriteSector(uint32(bitmapDataStart+off), buf); err != nil {
				return fmt.Errorf("freemap: write bitmap sector %d: %w", bitmapDataStart+off, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%v: %w", err, fserrors.ErrIO)
	}
	return nil
}
