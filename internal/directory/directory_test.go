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

package directory_test

import (
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/directory"
	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/freemap"
	"github.com/kestrelfs/kestrel/internal/inode"
	"github.com/kestrelfs/kestrel/internal/opentable"
	"github.com/kestrelfs/kestrel/internal/sectorcache"
)

func newHarness(t *testing.T) (*inode.Store, *opentable.Table) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.w64")
	dev, err := blockdevice.Create(path, 32)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	fm, err := freemap.Create(dev)
	require.NoError(t, err)

	layout := inode.Layout{Direct: 4, Indirect: 4}
	cache := sectorcache.New(dev, 8, false)
	store := &inode.Store{Cache: cache, Map: fm, Layout: layout, Clock: clock.RealClock{}, Device: dev}
	table := opentable.New(dev, store, fm, layout)
	return store, table
}

func TestRootHasDotAndDotDot(t *testing.T) {
	store, table := newHarness(t)
	require.NoError(t, directory.CreateRoot(store, freemap.RootDirSector))

	oi, err := table.Open(freemap.RootDirSector)
	require.NoError(t, err)
	defer table.Close(oi)

	d := directory.New(store, oi)

	self, err := d.Lookup(".")
	require.NoError(t, err)
	assert.EqualValues(t, freemap.RootDirSector, self)

	parent, err := d.ParentSector()
	require.NoError(t, err)
	assert.EqualValues(t, freemap.RootDirSector, parent)

	names, err := d.ReadDir()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAddLookupRemove(t *testing.T) {
	store, table := newHarness(t)
	require.NoError(t, directory.CreateRoot(store, freemap.RootDirSector))

	oi, err := table.Open(freemap.RootDirSector)
	require.NoError(t, err)
	defer table.Close(oi)

	d := directory.New(store, oi)

	require.NoError(t, d.Add("a.txt", 10))
	require.NoError(t, d.Add("b.txt", 11))

	err = d.Add("a.txt", 12)
	assert.True(t, errors.Is(err, fserrors.ErrExists))

	names, err := d.ReadDir()
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)

	require.NoError(t, d.Remove("a.txt"))
	_, err = d.Lookup("a.txt")
	assert.True(t, errors.Is(err, fserrors.ErrNotFound))

	// Removed slots are reused rather than leaving the directory to
	// grow unboundedly.
	require.NoError(t, d.Add("c.txt", 13))
	names, err = d.ReadDir()
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"b.txt", "c.txt"}, names)
}

func TestAddRejectsReservedAndOverlongNames(t *testing.T) {
	store, table := newHarness(t)
	require.NoError(t, directory.CreateRoot(store, freemap.RootDirSector))

	oi, err := table.Open(freemap.RootDirSector)
	require.NoError(t, err)
	defer table.Close(oi)

	d := directory.New(store, oi)

	assert.True(t, errors.Is(d.Add(".", 1), fserrors.ErrInvalidPath))
	assert.True(t, errors.Is(d.Add("..", 1), fserrors.ErrInvalidPath))
	assert.True(t, errors.Is(d.Add("this-name-is-too-long", 1), fserrors.ErrInvalidPath))
}

func TestIsEmpty(t *testing.T) {
	store, table := newHarness(t)
	require.NoError(t, directory.CreateRoot(store, freemap.RootDirSector))

	oi, err := table.Open(freemap.RootDirSector)
	require.NoError(t, err)
	defer table.Close(oi)

	d := directory.New(store, oi)

	empty, err := d.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, d.Add("x", 20))
	empty, err = d.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}
