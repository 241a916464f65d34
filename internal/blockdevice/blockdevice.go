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

// Package blockdevice defines the external sector-addressed storage
// collaborator that the filesystem core is built on, plus a reference
// implementation backed by a regular file. The physical device itself
// is out of scope for the filesystem core; what matters here is the
// interface the rest of the module programs against.
package blockdevice

import (
	"fmt"
	"os"
	"sync"

	"github.com/kestrelfs/kestrel/internal/fserrors"
)

// SectorSize is BLOCK_SECTOR_SIZE: the fixed unit of device I/O.
const SectorSize = 512

// Device is the external collaborator: a fixed-size sector store.
// Implementations must be safe for concurrent use: the sector cache's
// FlushAll and the free map's bitmap persistence issue writes from
// several goroutines at once, and inode home sectors are read and
// written directly by inode.Store and opentable.Table, outside the
// cache's mutex.
type Device interface {
	// SectorCount reports the number of addressable sectors.
	SectorCount() uint32

	// ReadSector reads exactly SectorSize bytes from the given sector
	// into buf, which must have length SectorSize.
	ReadSector(sectorID uint32, buf []byte) error

	// WriteSector writes exactly SectorSize bytes from buf to the given
	// sector. buf must have length SectorSize.
	WriteSector(sectorID uint32, buf []byte) error
}

// FileDevice is a reference Device backed by a regular OS file, used by
// the CLI and by tests that want a real (if ephemeral) disk image
// rather than an in-memory fake.
type FileDevice struct {
	mu          sync.Mutex
	f           *os.File
	sectorCount uint32
}

var _ Device = (*FileDevice)(nil)

// Create creates a new fixed-size disk image at path, truncated to
// exactly sectorCount sectors of zero bytes.
func Create(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: create %s: %w", path, err)
	}

	size := int64(sectorCount) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: truncate %s: %w", path, err)
	}

	return &FileDevice{f: f, sectorCount: sectorCount}, nil
}

// Open opens an existing disk image at path, inferring its sector count
// from the file size.
func Open(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: stat %s: %w", path, err)
	}
	if info.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("blockdevice: %s is not a whole number of sectors", path)
	}

	return &FileDevice{f: f, sectorCount: uint32(info.Size() / SectorSize)}, nil
}

// Close releases the underlying file handle.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDevice) SectorCount() uint32 {
	return d.sectorCount
}

func (d *FileDevice) ReadSector(sectorID uint32, buf []byte) error {
	if len(buf) != SectorSize {
		panic("blockdevice: buffer must be exactly SectorSize bytes")
	}
	if sectorID >= d.sectorCount {
		return fmt.Errorf("blockdevice: sector %d out of range (%w)", sectorID, fserrors.ErrIO)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.f.ReadAt(buf, int64(sectorID)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdevice: read sector %d: %v (%w)", sectorID, err, fserrors.ErrIO)
	}
	return nil
}

func (d *FileDevice) WriteSector(sectorID uint32, buf []byte) error {
	if len(buf) != SectorSize {
		panic("blockdevice: buffer must be exactly SectorSize bytes")
	}
	if sectorID >= d.sectorCount {
		return fmt.Errorf("blockdevice: sector %d out of range (%w)", sectorID, fserrors.ErrIO)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.f.WriteAt(buf, int64(sectorID)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdevice: write sector %d: %v (%w)", sectorID, err, fserrors.ErrIO)
	}
	return nil
}
