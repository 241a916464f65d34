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

package pathresolver_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/directory"
	"github.com/kestrelfs/kestrel/internal/freemap"
	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/inode"
	"github.com/kestrelfs/kestrel/internal/opentable"
	"github.com/kestrelfs/kestrel/internal/pathresolver"
	"github.com/kestrelfs/kestrel/internal/sectorcache"
)

func newHarness(t *testing.T) (*inode.Store, *opentable.Table) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.w64")
	dev, err := blockdevice.Create(path, 64)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	fm, err := freemap.Create(dev)
	require.NoError(t, err)

	layout := inode.Layout{Direct: 4, Indirect: 4}
	cache := sectorcache.New(dev, 8, false)
	store := &inode.Store{Cache: cache, Map: fm, Layout: layout, Clock: clock.RealClock{}, Device: dev}
	table := opentable.New(dev, store, fm, layout)

	require.NoError(t, directory.CreateRoot(store, freemap.RootDirSector))

	sector, ok := fm.Allocate(1)
	require.True(t, ok)
	require.NoError(t, directory.Create(store, sector, freemap.RootDirSector))

	root, err := table.Open(freemap.RootDirSector)
	require.NoError(t, err)
	d := directory.New(store, root)
	require.NoError(t, d.Add("sub", sector))
	require.NoError(t, table.Close(root))

	return store, table
}

func mkDirFactory(store *inode.Store) pathresolver.StoreFactory {
	return func(oi *inode.OpenInode) *directory.Directory {
		return directory.New(store, oi)
	}
}

func TestResolveAbsoluteLeaf(t *testing.T) {
	store, table := newHarness(t)
	res, err := pathresolver.Resolve(table, mkDirFactory(store), freemap.RootDirSector, nil, "/sub/newfile")
	require.NoError(t, err)
	defer table.Close(res.Parent.Inode)

	assert.Equal(t, "newfile", res.Leaf)
	assert.NotEqualValues(t, freemap.RootDirSector, res.Parent.Inode.Sector)
}

func TestResolveTrailingSlashRequiresDirectory(t *testing.T) {
	store, table := newHarness(t)

	res, err := pathresolver.Resolve(table, mkDirFactory(store), freemap.RootDirSector, nil, "/sub/")
	require.NoError(t, err)
	defer table.Close(res.Parent.Inode)
	assert.Equal(t, "", res.Leaf)
}

func TestResolveEmptyPathIsInvalid(t *testing.T) {
	store, table := newHarness(t)
	_, err := pathresolver.Resolve(table, mkDirFactory(store), freemap.RootDirSector, nil, "")
	assert.True(t, errors.Is(err, fserrors.ErrInvalidPath))
}

func TestResolveDotDotReturnsToParent(t *testing.T) {
	store, table := newHarness(t)
	res, err := pathresolver.Resolve(table, mkDirFactory(store), freemap.RootDirSector, nil, "/sub/../sub/x")
	require.NoError(t, err)
	defer table.Close(res.Parent.Inode)

	assert.Equal(t, "x", res.Leaf)
}
