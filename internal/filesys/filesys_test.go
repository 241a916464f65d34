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

package filesys_test

import (
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/filesys"
	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/inode"
)

func newFS(t *testing.T) *filesys.Filesys {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.w64")
	dev, err := blockdevice.Create(path, 256)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	layout := inode.Layout{Direct: 4, Indirect: 4}
	fs, err := filesys.Format(dev, layout, 8, clock.RealClock{}, false)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestCreateOpenWriteReadFile(t *testing.T) {
	fs := newFS(t)

	require.NoError(t, fs.Create(nil, "/hello.txt", 0, false))

	h, err := fs.Open(nil, "/hello.txt")
	require.NoError(t, err)
	defer fs.CloseHandle(h)

	n, err := fs.WriteAt(h, []byte("hi there"), 0)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	buf := make([]byte, 8)
	n, err = fs.ReadAt(h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "hi there", string(buf))
}

func TestCreateExistingFails(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/a", 0, false))

	err := fs.Create(nil, "/a", 0, false)
	assert.True(t, errors.Is(err, fserrors.ErrExists))
}

func TestOpenMissingFails(t *testing.T) {
	fs := newFS(t)
	_, err := fs.Open(nil, "/missing")
	assert.True(t, errors.Is(err, fserrors.ErrNotFound))
}

func TestMkdirAndRelativeResolution(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/sub", 0, true))

	subHandle, err := fs.Open(nil, "/sub")
	require.NoError(t, err)
	defer fs.CloseHandle(subHandle)

	require.NoError(t, fs.Create(subHandle, "file.txt", 0, false))

	h, err := fs.Open(nil, "/sub/file.txt")
	require.NoError(t, err)
	defer fs.CloseHandle(h)

	names, err := fs.ReadDir(subHandle)
	require.NoError(t, err)
	assert.Equal(t, []string{"file.txt"}, names)
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/sub", 0, true))

	subHandle, err := fs.Open(nil, "/sub")
	require.NoError(t, err)
	require.NoError(t, fs.Create(subHandle, "file.txt", 0, false))
	require.NoError(t, fs.CloseHandle(subHandle))

	err = fs.Remove(nil, "/sub")
	assert.True(t, errors.Is(err, fserrors.ErrNotEmpty))
}

func TestRemoveDeferredWhileOpen(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/a", 0, false))

	h, err := fs.Open(nil, "/a")
	require.NoError(t, err)

	require.NoError(t, fs.Remove(nil, "/a"))

	// Still readable/writable through the handle opened before removal.
	n, err := fs.WriteAt(h, []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = fs.Open(nil, "/a")
	assert.True(t, errors.Is(err, fserrors.ErrNotFound))

	require.NoError(t, fs.CloseHandle(h))
}

func TestCreateDotAndDotDotRejected(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/sub", 0, true))

	sub, err := fs.Open(nil, "/sub")
	require.NoError(t, err)
	defer fs.CloseHandle(sub)

	assert.True(t, errors.Is(fs.Create(sub, ".", 0, false), fserrors.ErrInvalidPath))
	assert.True(t, errors.Is(fs.Create(sub, "..", 0, false), fserrors.ErrInvalidPath))
}

func TestRemoveRootFails(t *testing.T) {
	fs := newFS(t)
	err := fs.Remove(nil, "/")
	assert.True(t, errors.Is(err, fserrors.ErrBusy))
}

func TestRemoveCurrentDirectoryOfAnotherHandleFails(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/sub", 0, true))

	cwd, err := fs.Open(nil, "/sub")
	require.NoError(t, err)

	err = fs.Remove(nil, "/sub")
	assert.True(t, errors.Is(err, fserrors.ErrBusy))

	// Once the only handle closes, the directory is no longer busy.
	require.NoError(t, fs.CloseHandle(cwd))
	require.NoError(t, fs.Remove(nil, "/sub"))
}

func TestReadDirListsMultipleEntries(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/a", 0, false))
	require.NoError(t, fs.Create(nil, "/b", 0, false))

	root, err := fs.Open(nil, "/")
	require.NoError(t, err)
	defer fs.CloseHandle(root)

	names, err := fs.ReadDir(root)
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestDenyWriteBlocksOtherHandles(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Create(nil, "/exe", 0, false))

	h1, err := fs.Open(nil, "/exe")
	require.NoError(t, err)
	defer fs.CloseHandle(h1)

	h2, err := fs.Open(nil, "/exe")
	require.NoError(t, err)
	defer fs.CloseHandle(h2)

	fs.DenyWrite(h1)

	n, err := fs.WriteAt(h2, []byte("blocked"), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	fs.AllowWrite(h1)
	n, err = fs.WriteAt(h2, []byte("ok"), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatReportsFreeSpace(t *testing.T) {
	fs := newFS(t)
	before := fs.Stat()

	require.NoError(t, fs.Create(nil, "/a", int64(blockdevice.SectorSize)*3, false))

	after := fs.Stat()
	assert.Less(t, after.FreeSectors, before.FreeSectors)
}
