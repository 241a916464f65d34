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

import "github.com/jacobsa/syncutil"

// OpenInode is the in-memory counterpart of one on-disk inode. At most
// one OpenInode exists per live sector at a time; that invariant is
// enforced by opentable.Table, not by this type.
type OpenInode struct {
	Sector uint32

	// Mu guards Disk and DenyWriteCount, and must be held for the
	// duration of ReadAt/WriteAt/Expand/Free. ByteToSector may be called
	// either with Mu held or by a caller who otherwise owns exclusive
	// access to this OpenInode.
	Mu             syncutil.InvariantMutex
	Disk           *OnDisk // GUARDED_BY(Mu)
	DenyWriteCount uint64  // GUARDED_BY(Mu)

	// OpenCount and Removed are owned by the enclosing open-inode table,
	// which serializes all mutation of them under its own mutex rather
	// than this inode's lock.
	OpenCount uint64
	Removed   bool
}

// New constructs an OpenInode around an already-loaded disk image with
// an open count of one, as opentable.Table.Open does for a fresh entry.
func New(sector uint32, disk *OnDisk) *OpenInode {
	oi := &OpenInode{
		Sector:    sector,
		Disk:      disk,
		OpenCount: 1,
	}
	oi.Mu = syncutil.NewInvariantMutex(oi.checkInvariants)
	return oi
}

func (oi *OpenInode) checkInvariants() {
	if oi.DenyWriteCount > oi.OpenCount {
		panic("inode: deny_write_count exceeds open_count")
	}
}
