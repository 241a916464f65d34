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

// Package inode implements the on-disk inode format and the operations
// that grow, shrink, and address it.
package inode

import (
	"encoding/binary"
	"time"

	"github.com/kestrelfs/kestrel/internal/blockdevice"
)

// Magic identifies a valid on-disk inode, matching Pintos's
// INODE_MAGIC.
const Magic uint32 = 0x494E4F44

// Default layout constants.
const (
	DefaultDirectPointers = 100
	DefaultIndirectFanout = 128
)

// on-disk byte offsets within one BLOCK_SECTOR_SIZE sector. The exact
// layout is an implementation choice provided the total is 512 bytes;
// mtime is a supplemental field living in what would otherwise be
// unused padding.
const (
	offLength = 0
	offMagic  = 4
	offIsDir  = 8
	offDirect = 16
)

// Layout bundles the two tunables (D direct pointers, P indirect
// fanout) that size an inode image; production code uses the compiled
// defaults, but tests exercise small values to make growth boundaries
// easy to hit without allocating megabytes.
type Layout struct {
	Direct   int // D
	Indirect int // P
}

// Default returns the standard layout: D=100, P=128.
func Default() Layout {
	return Layout{Direct: DefaultDirectPointers, Indirect: DefaultIndirectFanout}
}

func (l Layout) directBytes() int {
	return l.Direct * 4
}

func (l Layout) doublyIndirectOffset() int {
	return offDirect + l.directBytes()
}

func (l Layout) mtimeOffset() int {
	return l.doublyIndirectOffset() + 4
}

// MaxBytes is the largest addressable file length under this layout:
// D*512 + P*P*512.
func (l Layout) MaxBytes() int64 {
	return int64(l.Direct)*blockdevice.SectorSize + int64(l.Indirect)*int64(l.Indirect)*blockdevice.SectorSize
}

// BytesToSectors rounds a byte length up to whole sectors.
func BytesToSectors(length int64) int64 {
	return (length + blockdevice.SectorSize - 1) / blockdevice.SectorSize
}

// OnDisk is the in-memory image of one inode sector: a length, a flag,
// and the direct/doubly-indirect pointer array.
//
// INVARIANT: BytesToSectors(Length) <= Layout.Direct + Layout.Indirect*Layout.Indirect
type OnDisk struct {
	Layout         Layout
	Length         int64
	IsDir          bool
	Direct         []uint32 // len == Layout.Direct
	DoublyIndirect uint32   // 0 means unallocated
	Mtime          time.Time
}

// NewEmpty returns a zero-length inode image of the given layout and
// kind, ready to be grown by InodeStore.Create.
func NewEmpty(layout Layout, isDir bool) *OnDisk {
	return &OnDisk{
		Layout: layout,
		IsDir:  isDir,
		Direct: make([]uint32, layout.Direct),
	}
}

// Marshal encodes the inode image into exactly one sector's worth of
// bytes.
func (d *OnDisk) Marshal() []byte {
	buf := make([]byte, blockdevice.SectorSize)

	binary.LittleEndian.PutUint32(buf[offLength:], uint32(d.Length))
	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	if d.IsDir {
		buf[offIsDir] = 1
	}

	for i, ptr := range d.Direct {
		binary.LittleEndian.PutUint32(buf[offDirect+4*i:], ptr)
	}
	binary.LittleEndian.PutUint32(buf[d.Layout.doublyIndirectOffset():], d.DoublyIndirect)
	binary.LittleEndian.PutUint64(buf[d.Layout.mtimeOffset():], uint64(d.Mtime.Unix()))

	return buf
}

// Unmarshal decodes buf (one sector) into d, which must already carry
// the Layout to interpret the pointer array with.
func (d *OnDisk) Unmarshal(buf []byte) error {
	if len(buf) != blockdevice.SectorSize {
		panic("inode: Unmarshal requires exactly one sector")
	}

	magic := binary.LittleEndian.Uint32(buf[offMagic:])
	if magic != Magic {
		return errBadMagic
	}

	d.Length = int64(int32(binary.LittleEndian.Uint32(buf[offLength:])))
	d.IsDir = buf[offIsDir] != 0

	d.Direct = make([]uint32, d.Layout.Direct)
	for i := range d.Direct {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[offDirect+4*i:])
	}
	d.DoublyIndirect = binary.LittleEndian.Uint32(buf[d.Layout.doublyIndirectOffset():])
	d.Mtime = time.Unix(int64(binary.LittleEndian.Uint64(buf[d.Layout.mtimeOffset():])), 0)

	return nil
}

// IndirectBlock is the contents of one doubly-indirect level-two
// sector or level-one indirect sector: P sector ids.
type IndirectBlock struct {
	Layout Layout
	Ptrs   []uint32 // len == Layout.Indirect
}

func newIndirectBlock(layout Layout) *IndirectBlock {
	return &IndirectBlock{Layout: layout, Ptrs: make([]uint32, layout.Indirect)}
}

func (b *IndirectBlock) Marshal() []byte {
	buf := make([]byte, blockdevice.SectorSize)
	for i, ptr := range b.Ptrs {
		binary.LittleEndian.PutUint32(buf[4*i:], ptr)
	}
	return buf
}

func (b *IndirectBlock) Unmarshal(buf []byte) {
	if len(buf) != blockdevice.SectorSize {
		panic("inode: Unmarshal requires exactly one sector")
	}
	b.Ptrs = make([]uint32, b.Layout.Indirect)
	for i := range b.Ptrs {
		b.Ptrs[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
}
