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

// Package filesys wires the sector cache, free map, inode store, open
// table, directory format, and path resolver into a single facade:
// Create, Open, Remove, Read, Write, Close.
package filesys

import (
	"sync"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/directory"
	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/freemap"
	"github.com/kestrelfs/kestrel/internal/inode"
	"github.com/kestrelfs/kestrel/internal/opentable"
	"github.com/kestrelfs/kestrel/internal/pathresolver"
	"github.com/kestrelfs/kestrel/internal/sectorcache"
)

// Handle is an opaque reference returned by Open, threaded back through
// Read/Write/Length/Close. Exactly one Handle exists per Open call, even
// if several handles address the same underlying inode.
type Handle struct {
	mu      sync.Mutex
	oi      *inode.OpenInode
	isDir   bool
	deniedW bool // true if this handle incremented DenyWriteCount
}

// Filesys is the assembled filesystem core.
type Filesys struct {
	device blockdevice.Device
	cache  *sectorcache.Cache
	free   freemap.FreeMap
	store  *inode.Store
	table  *opentable.Table
	layout inode.Layout
}

// Format initializes a brand-new filesystem image on device: a fresh
// free map and an empty root directory at freemap.RootDirSector.
func Format(device blockdevice.Device, layout inode.Layout, cacheCapacity int, clk clock.Clock, logMutex bool) (*Filesys, error) {
	free, err := freemap.Create(device)
	if err != nil {
		return nil, err
	}

	cache := sectorcache.New(device, cacheCapacity, logMutex)
	store := &inode.Store{Cache: cache, Map: free, Layout: layout, Clock: clk, Device: device}

	if err := directory.CreateRoot(store, freemap.RootDirSector); err != nil {
		return nil, err
	}
	if err := free.Close(); err != nil {
		return nil, err
	}

	table := opentable.New(device, store, free, layout)
	return &Filesys{device: device, cache: cache, free: free, store: store, table: table, layout: layout}, nil
}

// Open mounts an existing filesystem image.
func Open(device blockdevice.Device, layout inode.Layout, cacheCapacity int, clk clock.Clock, logMutex bool) (*Filesys, error) {
	free, err := freemap.Open(device)
	if err != nil {
		return nil, err
	}

	cache := sectorcache.New(device, cacheCapacity, logMutex)
	store := &inode.Store{Cache: cache, Map: free, Layout: layout, Clock: clk, Device: device}
	table := opentable.New(device, store, free, layout)

	return &Filesys{device: device, cache: cache, free: free, store: store, table: table, layout: layout}, nil
}

// Close flushes every dirty cache entry and persists the free map,
// following a flush-only-at-shutdown model. It does not close
// outstanding handles; callers are expected to have closed them first.
func (fs *Filesys) Close() error {
	if err := fs.cache.FlushAll(); err != nil {
		return err
	}
	return fs.free.Close()
}

func (fs *Filesys) mkDir(oi *inode.OpenInode) *directory.Directory {
	return directory.New(fs.store, oi)
}

func (fs *Filesys) resolve(cwd *Handle, path string) (pathresolver.Result, error) {
	var cwdDir *directory.Directory
	if cwd != nil {
		cwdDir = directory.New(fs.store, cwd.oi)
	}
	return pathresolver.Resolve(fs.table, fs.mkDir, freemap.RootDirSector, cwdDir, path)
}

// Create makes a new file or directory at path, which must not already
// exist, and whose parent must already exist and be a directory.
func (fs *Filesys) Create(cwd *Handle, path string, size int64, isDir bool) error {
	res, err := fs.resolve(cwd, path)
	if err != nil {
		return err
	}
	defer fs.table.Close(res.Parent.Inode)

	if res.Leaf == "" {
		return fserrors.ErrExists
	}
	if res.Leaf == "." || res.Leaf == ".." {
		return fserrors.ErrInvalidPath
	}
	if _, err := res.Parent.Lookup(res.Leaf); err == nil {
		return fserrors.ErrExists
	}

	sector, ok := fs.free.Allocate(1)
	if !ok {
		return fserrors.ErrNoSpace
	}

	if isDir {
		err = directory.Create(fs.store, sector, res.Parent.Inode.Sector)
	} else {
		_, err = fs.store.Create(sector, size, false)
	}
	if err != nil {
		fs.free.Release(sector, 1)
		return err
	}

	if err := res.Parent.Add(res.Leaf, sector); err != nil {
		fs.free.Release(sector, 1)
		return err
	}
	return nil
}

// Open resolves path and returns a Handle for subsequent Read/Write
// calls.
func (fs *Filesys) Open(cwd *Handle, path string) (*Handle, error) {
	res, err := fs.resolve(cwd, path)
	if err != nil {
		return nil, err
	}
	defer fs.table.Close(res.Parent.Inode)

	var sector uint32
	if res.Leaf == "" {
		sector = res.Parent.Inode.Sector
	} else {
		sector, err = res.Parent.Lookup(res.Leaf)
		if err != nil {
			return nil, err
		}
	}

	oi, err := fs.table.Open(sector)
	if err != nil {
		return nil, err
	}
	return &Handle{oi: oi, isDir: oi.Disk.IsDir}, nil
}

// CloseHandle releases h. After this call h must not be used again.
func (fs *Filesys) CloseHandle(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deniedW {
		fs.store.AllowWrite(h.oi)
	}
	return fs.table.Close(h.oi)
}

// Remove unlinks path from its parent directory. If the target is a
// directory, it must be empty. Storage is reclaimed immediately if no
// handle currently has the target open, or deferred to its last Close
// otherwise.
func (fs *Filesys) Remove(cwd *Handle, path string) error {
	res, err := fs.resolve(cwd, path)
	if err != nil {
		return err
	}
	defer fs.table.Close(res.Parent.Inode)

	if res.Leaf == "" {
		// The path named a directory exactly (e.g. "/" or "/a/."), not an
		// entry within one. The root case is refused as busy, matching
		// every other attempt to remove it; any other self-reference has
		// no parent entry for us to unlink and is simply invalid.
		if res.Parent.Inode.Sector == freemap.RootDirSector {
			return fserrors.ErrBusy
		}
		return fserrors.ErrInvalidPath
	}

	sector, err := res.Parent.Lookup(res.Leaf)
	if err != nil {
		return err
	}

	if sector == freemap.RootDirSector {
		return fserrors.ErrBusy
	}

	target, err := fs.table.Open(sector)
	if err != nil {
		return err
	}

	if target.Disk.IsDir {
		// A directory already open elsewhere is serving as some handle's
		// current directory (our own Open above put OpenCount at least
		// at 1, so >1 means somebody else got there first); refuse to
		// unlink it out from under that handle. Files may be unlinked
		// while open -- that case is handled by deferring the free to
		// the last Close, below.
		if target.OpenCount > 1 {
			fs.table.Close(target)
			return fserrors.ErrBusy
		}
		d := directory.New(fs.store, target)
		empty, err := d.IsEmpty()
		if err != nil {
			fs.table.Close(target)
			return err
		}
		if !empty {
			fs.table.Close(target)
			return fserrors.ErrNotEmpty
		}
	}
	if err := fs.table.Close(target); err != nil {
		return err
	}

	if err := res.Parent.Remove(res.Leaf); err != nil {
		return err
	}

	return fs.table.Remove(sector)
}

// ReadAt reads into buf starting at offset, returning the number of
// bytes actually read.
func (fs *Filesys) ReadAt(h *Handle, buf []byte, offset int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isDir {
		return 0, fserrors.ErrNotADirectory
	}
	return fs.store.ReadAt(h.oi, buf, offset)
}

// WriteAt writes buf starting at offset, growing the file if necessary,
// and returns the number of bytes actually written.
func (fs *Filesys) WriteAt(h *Handle, buf []byte, offset int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isDir {
		return 0, fserrors.ErrNotADirectory
	}
	return fs.store.WriteAt(h.oi, buf, offset)
}

// Length reports h's current byte length.
func (fs *Filesys) Length(h *Handle) int64 {
	return fs.store.Length(h.oi)
}

// DenyWrite prevents further writes to h's underlying inode through any
// handle until AllowWrite is called an equal number of times -- used by
// callers that want exclusive read access to an executable image, via
// the inode's deny-write count.
func (fs *Filesys) DenyWrite(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs.store.DenyWrite(h.oi)
	h.deniedW = true
}

// AllowWrite reverses one DenyWrite call.
func (fs *Filesys) AllowWrite(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs.store.AllowWrite(h.oi)
	h.deniedW = false
}

// ReadDir lists the entries of the directory h refers to.
func (fs *Filesys) ReadDir(h *Handle) ([]string, error) {
	if !h.isDir {
		return nil, fserrors.ErrNotADirectory
	}
	d := directory.New(fs.store, h.oi)
	return d.ReadDir()
}

// Stat reports free and total sector counts, for w64fs shell's
// statfs-style summary.
type Stat struct {
	FreeSectors  uint32
	TotalSectors uint32
	OpenInodes   int
}

// Stat reports filesystem-wide usage statistics.
func (fs *Filesys) Stat() Stat {
	return Stat{
		FreeSectors:  fs.free.FreeSpace(),
		TotalSectors: fs.device.SectorCount(),
		OpenInodes:   fs.table.Len(),
	}
}
