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

package inode

import (
	"fmt"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/freemap"
	"github.com/kestrelfs/kestrel/internal/sectorcache"
)

// Store persists and manipulates OnDisk images: it resolves byte
// offsets to sectors, grows files with pre-reserved, zero-filled
// allocation, and releases blocks on deletion. It holds no per-inode
// state of its own, only the shared collaborators every inode
// operation needs.
type Store struct {
	Cache  *sectorcache.Cache
	Map    freemap.FreeMap
	Layout Layout
	Clock  clock.Clock

	// Device is used only to publish an inode's home sector. Home sectors
	// are never cached: every other sector an inode touches goes through
	// Cache, but the home sector is written directly so that
	// opentable.Table can always find a consistent image on disk without
	// needing to pin/evict it.
	Device blockdevice.Device
}

// Create writes a fresh zero-length inode at sector, then grows it to
// length, and returns the resulting OpenInode (open count 1) so the
// caller can address its newly allocated sectors without re-reading the
// image back from disk.
func (s *Store) Create(sector uint32, length int64, isDir bool) (*OpenInode, error) {
	oi := New(sector, NewEmpty(s.Layout, isDir))
	if err := s.writeHome(oi); err != nil {
		return nil, err
	}
	if err := s.Expand(oi, length); err != nil {
		return nil, err
	}
	return oi, nil
}

// ByteToSector resolves a byte offset within oi to the sector id that
// holds it, or ok=false if pos is at or past the current length. It may
// be called with oi.Mu held, or by a caller who otherwise has exclusive
// access to oi -- it does not lock internally.
func (s *Store) ByteToSector(oi *OpenInode, pos int64) (uint32, bool, error) {
	d := oi.Disk
	if pos >= d.Length {
		return 0, false, nil
	}

	directBytes := int64(d.Layout.Direct) * blockdevice.SectorSize
	if pos < directBytes {
		return d.Direct[pos/blockdevice.SectorSize], true, nil
	}

	pos -= directBytes
	groupBytes := int64(d.Layout.Indirect) * blockdevice.SectorSize

	diRef, err := s.Cache.Pin(d.DoublyIndirect)
	if err != nil {
		return 0, false, err
	}
	var di IndirectBlock
	di.Layout = d.Layout
	diBuf := make([]byte, blockdevice.SectorSize)
	diRef.ReadSlice(diBuf, 0)
	di.Unmarshal(diBuf)
	s.Cache.Release(diRef, false)

	groupIdx := pos / groupBytes
	indRef, err := s.Cache.Pin(di.Ptrs[groupIdx])
	if err != nil {
		return 0, false, err
	}
	var ind IndirectBlock
	ind.Layout = d.Layout
	indBuf := make([]byte, blockdevice.SectorSize)
	indRef.ReadSlice(indBuf, 0)
	ind.Unmarshal(indBuf)
	s.Cache.Release(indRef, false)

	withinGroup := (pos % groupBytes) / blockdevice.SectorSize
	return ind.Ptrs[withinGroup], true, nil
}

// ReadAt copies min(len(buf), length-offset) bytes from oi starting at
// offset into buf and returns the number of bytes copied.
func (s *Store) ReadAt(oi *OpenInode, buf []byte, offset int64) (int, error) {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()

	read := 0
	for read < len(buf) {
		pos := offset + int64(read)
		sectorID, ok, err := s.ByteToSector(oi, pos)
		if err != nil {
			return read, err
		}
		if !ok {
			break
		}

		sectorOff := int(pos % blockdevice.SectorSize)
		chunk := blockdevice.SectorSize - sectorOff
		if remaining := len(buf) - read; chunk > remaining {
			chunk = remaining
		}
		if remaining := int(oi.Disk.Length - pos); chunk > remaining {
			chunk = remaining
		}
		if chunk <= 0 {
			break
		}

		ref, err := s.Cache.Pin(sectorID)
		if err != nil {
			return read, err
		}
		ref.ReadSlice(buf[read:read+chunk], sectorOff)
		s.Cache.Release(ref, false)

		read += chunk
	}
	return read, nil
}

// WriteAt copies buf into oi starting at offset, growing the inode
// first if necessary. If writes are currently denied it returns 0 bytes
// written and no error. Growth happens before any byte is copied, so a
// NoSpace failure returns 0 bytes written along with the error. A
// successful write stamps Mtime from the store's clock.
func (s *Store) WriteAt(oi *OpenInode, buf []byte, offset int64) (int, error) {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()

	if oi.DenyWriteCount > 0 {
		return 0, nil
	}

	end := offset + int64(len(buf))
	if end > oi.Disk.Length {
		if err := s.expandLocked(oi, end); err != nil {
			return 0, err
		}
	}

	written := 0
	for written < len(buf) {
		pos := offset + int64(written)
		sectorID, ok, err := s.ByteToSector(oi, pos)
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("inode: write_at: offset %d not addressable after expand", pos)
			}
			return written, err
		}

		sectorOff := int(pos % blockdevice.SectorSize)
		chunk := blockdevice.SectorSize - sectorOff
		if remaining := len(buf) - written; chunk > remaining {
			chunk = remaining
		}

		ref, err := s.Cache.Pin(sectorID)
		if err != nil {
			return written, err
		}
		ref.WriteSlice(buf[written:written+chunk], sectorOff)
		s.Cache.Release(ref, true)

		written += chunk
	}
	if written > 0 && s.Clock != nil {
		oi.Disk.Mtime = s.Clock.Now()
	}
	return written, nil
}

// Expand grows oi to newLength: direct sectors first, then
// doubly-indirect sectors, all pre-reserved against the free map and
// zero-filled before the new length is published.
func (s *Store) Expand(oi *OpenInode, newLength int64) error {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()
	return s.expandLocked(oi, newLength)
}

func (s *Store) expandLocked(oi *OpenInode, newLength int64) error {
	d := oi.Disk
	curSectors := BytesToSectors(d.Length)
	targetSectors := BytesToSectors(newLength)

	if targetSectors <= curSectors {
		if newLength > d.Length {
			d.Length = newLength
		}
		return s.writeHome(oi)
	}

	bound := estimateExpand(d.Layout, curSectors, targetSectors)
	if int64(s.Map.FreeSpace()) < bound {
		return fserrors.ErrNoSpace
	}

	zero := make([]byte, blockdevice.SectorSize)

	// Direct region.
	directLimit := int64(d.Layout.Direct)
	cur := curSectors
	for cur < targetSectors && cur < directLimit {
		sectorID, ok := s.Map.Allocate(1)
		if !ok {
			return fserrors.ErrNoSpace
		}
		if err := s.zeroFill(sectorID, zero); err != nil {
			return err
		}
		d.Direct[cur] = sectorID
		cur++
	}

	if targetSectors > directLimit {
		if err := s.expandIndirect(oi, &cur, targetSectors, zero); err != nil {
			return err
		}
	}

	d.Length = newLength
	return s.writeHome(oi)
}

// expandIndirect allocates the doubly-indirect block (if new) and every
// data sector from *cur up to targetSectors, writing completed indirect
// blocks back as each second-level group fills.
func (s *Store) expandIndirect(oi *OpenInode, cur *int64, targetSectors int64, zero []byte) error {
	d := oi.Disk
	directLimit := int64(d.Layout.Direct)

	if d.DoublyIndirect == 0 {
		sectorID, ok := s.Map.Allocate(1)
		if !ok {
			return fserrors.ErrNoSpace
		}
		d.DoublyIndirect = sectorID
		if err := s.zeroFill(sectorID, zero); err != nil {
			return err
		}
	}

	diRef, err := s.Cache.Pin(d.DoublyIndirect)
	if err != nil {
		return err
	}
	di := IndirectBlock{Layout: d.Layout}
	diBuf := make([]byte, blockdevice.SectorSize)
	diRef.ReadSlice(diBuf, 0)
	di.Unmarshal(diBuf)

	groupBytes := int64(d.Layout.Indirect)
	var curBlock *IndirectBlock
	curGroup := int64(-1)

	flushCurrent := func() error {
		if curBlock == nil {
			return nil
		}
		blockRef, err := s.Cache.Pin(di.Ptrs[curGroup])
		if err != nil {
			return err
		}
		blockRef.WriteSlice(curBlock.Marshal(), 0)
		s.Cache.Release(blockRef, true)
		return nil
	}

	for *cur < targetSectors {
		idx := *cur - directLimit
		group := idx / groupBytes
		within := idx % groupBytes

		if group != curGroup {
			if err := flushCurrent(); err != nil {
				s.Cache.Release(diRef, true)
				return err
			}
			if di.Ptrs[group] == 0 {
				sectorID, ok := s.Map.Allocate(1)
				if !ok {
					s.Cache.Release(diRef, true)
					return fserrors.ErrNoSpace
				}
				di.Ptrs[group] = sectorID
				if err := s.zeroFill(sectorID, zero); err != nil {
					s.Cache.Release(diRef, true)
					return err
				}
			}
			blk := newIndirectBlock(d.Layout)
			blockRef, err := s.Cache.Pin(di.Ptrs[group])
			if err != nil {
				s.Cache.Release(diRef, true)
				return err
			}
			raw := make([]byte, blockdevice.SectorSize)
			blockRef.ReadSlice(raw, 0)
			blk.Unmarshal(raw)
			s.Cache.Release(blockRef, false)

			curBlock = blk
			curGroup = group
		}

		sectorID, ok := s.Map.Allocate(1)
		if !ok {
			s.Cache.Release(diRef, true)
			return fserrors.ErrNoSpace
		}
		if err := s.zeroFill(sectorID, zero); err != nil {
			s.Cache.Release(diRef, true)
			return err
		}
		curBlock.Ptrs[within] = sectorID

		*cur++
	}

	if err := flushCurrent(); err != nil {
		s.Cache.Release(diRef, true)
		return err
	}
	diRef.WriteSlice(di.Marshal(), 0)
	s.Cache.Release(diRef, true)

	return nil
}

func (s *Store) zeroFill(sectorID uint32, zero []byte) error {
	ref, err := s.Cache.Pin(sectorID)
	if err != nil {
		return err
	}
	ref.WriteSlice(zero, 0)
	s.Cache.Release(ref, true)
	return nil
}

// writeHome publishes oi's in-memory image to its home sector, writing
// directly through the device rather than the sector cache -- home
// sectors are never cached.
func (s *Store) writeHome(oi *OpenInode) error {
	if s.Clock != nil {
		oi.Disk.Mtime = s.Clock.Now()
	}
	return s.Device.WriteSector(oi.Sector, oi.Disk.Marshal())
}

// Free releases every data sector reachable from oi. The inode's own
// home sector is released by the caller (opentable).
func (s *Store) Free(oi *OpenInode) error {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()

	d := oi.Disk
	curSectors := BytesToSectors(d.Length)
	directLimit := int64(d.Layout.Direct)

	n := curSectors
	if n > directLimit {
		n = directLimit
	}
	for i := int64(0); i < n; i++ {
		s.Map.Release(d.Direct[i], 1)
	}

	if curSectors <= directLimit {
		return nil
	}

	diRef, err := s.Cache.Pin(d.DoublyIndirect)
	if err != nil {
		return err
	}
	di := IndirectBlock{Layout: d.Layout}
	diBuf := make([]byte, blockdevice.SectorSize)
	diRef.ReadSlice(diBuf, 0)
	di.Unmarshal(diBuf)
	s.Cache.Release(diRef, false)

	groupBytes := int64(d.Layout.Indirect)
	remaining := curSectors - directLimit
	groups := (remaining + groupBytes - 1) / groupBytes

	for g := int64(0); g < groups; g++ {
		indRef, err := s.Cache.Pin(di.Ptrs[g])
		if err != nil {
			return err
		}
		ind := IndirectBlock{Layout: d.Layout}
		indBuf := make([]byte, blockdevice.SectorSize)
		indRef.ReadSlice(indBuf, 0)
		ind.Unmarshal(indBuf)
		s.Cache.Release(indRef, false)

		inThisGroup := groupBytes
		if left := remaining - g*groupBytes; left < inThisGroup {
			inThisGroup = left
		}
		for i := int64(0); i < inThisGroup; i++ {
			s.Map.Release(ind.Ptrs[i], 1)
		}
		s.Map.Release(di.Ptrs[g], 1)
	}

	s.Map.Release(d.DoublyIndirect, 1)
	return nil
}

// DenyWrite increments oi's deny-write count, gating WriteAt.
func (s *Store) DenyWrite(oi *OpenInode) {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()
	oi.DenyWriteCount++
}

// AllowWrite reverses one DenyWrite call.
func (s *Store) AllowWrite(oi *OpenInode) {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()
	if oi.DenyWriteCount == 0 {
		panic("inode: allow_write with no matching deny_write")
	}
	oi.DenyWriteCount--
}

// Length reports oi's current byte length.
func (s *Store) Length(oi *OpenInode) int64 {
	oi.Mu.Lock()
	defer oi.Mu.Unlock()
	return oi.Disk.Length
}

// estimateExpand returns a pessimistic (here, exact) upper bound on how
// many new sectors must be allocated to grow from curSectors to
// targetSectors, including any new indirect/doubly-indirect blocks.
// This corrects the original Pintos estimate_expand's off-by-one:
// group counts are computed with ceiling division so a
// partially-filled final group is still counted.
func estimateExpand(layout Layout, curSectors, targetSectors int64) int64 {
	if targetSectors <= curSectors {
		return 0
	}

	direct := int64(layout.Direct)
	bound := targetSectors - curSectors

	if targetSectors <= direct {
		return bound
	}

	effectiveCur := curSectors
	if effectiveCur <= direct {
		bound++ // new doubly_indirect block itself
		effectiveCur = direct
	}

	fanout := int64(layout.Indirect)
	curGroups := ceilDiv(effectiveCur-direct, fanout)
	targetGroups := ceilDiv(targetSectors-direct, fanout)

	return bound + (targetGroups - curGroups)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
