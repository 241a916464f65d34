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

// Package directory implements directory contents as a flat array of
// fixed-size entries stored in an inode's data (one entry struct per
// NAME_MAX+1 name, in the Pintos directory.c convention).
package directory

import (
	"bytes"
	"fmt"

	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/inode"
)

// NameMax is the longest a single path component may be, matching
// Pintos's NAME_MAX.
const NameMax = 14

const entrySize = NameMax + 1 + 4 + 1 // name + sector + in_use

// Directory wraps an OpenInode known to hold directory contents and
// reads/writes its entries through an inode.Store.
type Directory struct {
	store *inode.Store
	Inode *inode.OpenInode
}

// New wraps an already-open directory inode.
func New(store *inode.Store, oi *inode.OpenInode) *Directory {
	return &Directory{store: store, Inode: oi}
}

type direntry struct {
	name  string
	inUse bool
}

func (d *Directory) readEntry(idx int64) (direntry, uint32, error) {
	buf := make([]byte, entrySize)
	n, err := d.store.ReadAt(d.Inode, buf, idx*entrySize)
	if err != nil {
		return direntry{}, 0, err
	}
	if n < entrySize {
		return direntry{}, 0, nil
	}

	nameEnd := bytes.IndexByte(buf[:NameMax+1], 0)
	if nameEnd < 0 {
		nameEnd = NameMax + 1
	}
	name := string(buf[:nameEnd])
	sector := uint32(buf[NameMax+1]) | uint32(buf[NameMax+2])<<8 | uint32(buf[NameMax+3])<<16 | uint32(buf[NameMax+4])<<24
	inUse := buf[NameMax+5] != 0

	return direntry{name: name, inUse: inUse}, sector, nil
}

func (d *Directory) writeEntry(idx int64, name string, sector uint32, inUse bool) error {
	if len(name) > NameMax {
		return fserrors.ErrInvalidPath
	}

	buf := make([]byte, entrySize)
	copy(buf[:NameMax+1], name)
	buf[NameMax+1] = byte(sector)
	buf[NameMax+2] = byte(sector >> 8)
	buf[NameMax+3] = byte(sector >> 16)
	buf[NameMax+4] = byte(sector >> 24)
	if inUse {
		buf[NameMax+5] = 1
	}

	_, err := d.store.WriteAt(d.Inode, buf, idx*entrySize)
	return err
}

// entryCount returns how many entry slots the directory currently has
// room for, including unused and reserved ones.
func (d *Directory) entryCount() int64 {
	length := d.store.Length(d.Inode)
	return length / entrySize
}

// CreateRoot initializes a brand-new directory inode at sector with
// "." and ".." both pointing at sector (it is its own parent), matching
// the root directory's special case.
func CreateRoot(store *inode.Store, sector uint32) error {
	return createAt(store, sector, sector)
}

// Create initializes a brand-new directory inode at sector, writing the
// "." and ".." reserved entries pointing at itself and parentSector.
func Create(store *inode.Store, sector, parentSector uint32) error {
	return createAt(store, sector, parentSector)
}

func createAt(store *inode.Store, sector, parentSector uint32) error {
	oi, err := store.Create(sector, 2*entrySize, true)
	if err != nil {
		return err
	}

	d := &Directory{store: store, Inode: oi}
	if err := d.writeEntry(0, ".", sector, true); err != nil {
		return err
	}
	return d.writeEntry(1, "..", parentSector, true)
}

// Lookup scans for name and returns its target sector, or
// fserrors.ErrNotFound.
func (d *Directory) Lookup(name string) (uint32, error) {
	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, sector, err := d.readEntry(i)
		if err != nil {
			return 0, err
		}
		if e.inUse && e.name == name {
			return sector, nil
		}
	}
	return 0, fserrors.ErrNotFound
}

// Add inserts a new entry mapping name to sector, reusing the first
// free (in_use == false) slot if one exists, or appending otherwise.
// It returns fserrors.ErrExists if name is already present.
func (d *Directory) Add(name string, sector uint32) error {
	if len(name) == 0 || len(name) > NameMax || name == "." || name == ".." {
		return fserrors.ErrInvalidPath
	}

	n := d.entryCount()
	freeSlot := int64(-1)
	for i := int64(0); i < n; i++ {
		e, _, err := d.readEntry(i)
		if err != nil {
			return err
		}
		if e.inUse {
			if e.name == name {
				return fserrors.ErrExists
			}
			continue
		}
		if freeSlot < 0 {
			freeSlot = i
		}
	}

	if freeSlot < 0 {
		freeSlot = n
	}
	return d.writeEntry(freeSlot, name, sector, true)
}

// Remove clears the entry for name. It does not touch the target
// inode's storage; callers decide whether to also remove the inode
// itself (via opentable.Table.Remove) based on its link/open state.
func (d *Directory) Remove(name string) error {
	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, _, err := d.readEntry(i)
		if err != nil {
			return err
		}
		if e.inUse && e.name == name {
			return d.writeEntry(i, "", 0, false)
		}
	}
	return fserrors.ErrNotFound
}

// ReadDir returns the names of every in-use entry except "." and "..".
func (d *Directory) ReadDir() ([]string, error) {
	var names []string
	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, _, err := d.readEntry(i)
		if err != nil {
			return nil, err
		}
		if e.inUse && e.name != "." && e.name != ".." {
			names = append(names, e.name)
		}
	}
	return names, nil
}

// IsEmpty reports whether the directory has no entries besides "." and
// "..", the precondition for removing it.
func (d *Directory) IsEmpty() (bool, error) {
	names, err := d.ReadDir()
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

// ParentSector returns the sector the ".." entry points at.
func (d *Directory) ParentSector() (uint32, error) {
	sector, err := d.Lookup("..")
	if err != nil {
		return 0, fmt.Errorf("directory: missing \"..\" entry: %w", err)
	}
	return sector, nil
}
