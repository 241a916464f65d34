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

// Package pathresolver implements component-by-component path
// resolution: absolute vs. relative starting points, "." and "..", and
// the requirement that a trailing slash force the leaf to be a
// directory.
package pathresolver

import (
	"strings"

	"github.com/kestrelfs/kestrel/internal/directory"
	"github.com/kestrelfs/kestrel/internal/fserrors"
	"github.com/kestrelfs/kestrel/internal/inode"
)

// Opener loads a directory's OpenInode given its home sector, the one
// piece of the filesystem facade a resolver needs to walk intermediate
// components. It is implemented by opentable.Table in production and by
// a fake in tests.
type Opener interface {
	Open(sector uint32) (*inode.OpenInode, error)
	Close(oi *inode.OpenInode) error
}

// StoreFactory builds a directory.Directory view over an already-open
// directory inode.
type StoreFactory func(oi *inode.OpenInode) *directory.Directory

// Result is the outcome of resolving a path: the open, still-held
// parent directory and the unresolved leaf name. Callers must Close
// Parent once done with it. If Leaf is empty, Parent itself is the
// target (the path named a directory exactly, e.g. "/" or "/a/.").
type Result struct {
	Parent *directory.Directory
	Leaf   string
}

// Resolve splits path into its parent directory and leaf component,
// starting from root if path is absolute (or cwd is nil) or from cwd
// otherwise. It does not look up the leaf itself -- callers do that
// with whatever operation (create/open/remove) the leaf is for.
func Resolve(opener Opener, mkDir StoreFactory, rootSector uint32, cwd *directory.Directory, path string) (Result, error) {
	if path == "" {
		return Result{}, fserrors.ErrInvalidPath
	}

	absolute := strings.HasPrefix(path, "/")
	trailingSlash := strings.HasSuffix(path, "/") && path != "/"

	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	var current *directory.Directory
	if absolute || cwd == nil {
		rootOi, err := opener.Open(rootSector)
		if err != nil {
			return Result{}, err
		}
		current = mkDir(rootOi)
	} else {
		reopened, err := opener.Open(cwd.Inode.Sector)
		if err != nil {
			return Result{}, err
		}
		current = mkDir(reopened)
	}

	if len(parts) == 0 {
		// Path was "/", or equivalent to the starting directory itself.
		return Result{Parent: current, Leaf: ""}, nil
	}

	for i := 0; i < len(parts)-1; i++ {
		next, err := descend(opener, mkDir, current, parts[i])
		if err != nil {
			opener.Close(current.Inode)
			return Result{}, err
		}
		opener.Close(current.Inode)
		current = next
	}

	leaf := parts[len(parts)-1]

	if trailingSlash {
		// The caller asserted the leaf is a directory; resolve it now so
		// that a non-directory leaf is reported as an error immediately
		// rather than deferred to whatever operation follows.
		next, err := descend(opener, mkDir, current, leaf)
		if err != nil {
			opener.Close(current.Inode)
			return Result{}, err
		}
		opener.Close(current.Inode)
		return Result{Parent: next, Leaf: ""}, nil
	}

	return Result{Parent: current, Leaf: leaf}, nil
}

// descend opens the directory named by component within parent,
// handling "." and ".." without a directory lookup.
func descend(opener Opener, mkDir StoreFactory, parent *directory.Directory, component string) (*directory.Directory, error) {
	var sector uint32
	var err error

	switch component {
	case ".":
		sector = parent.Inode.Sector
	case "..":
		sector, err = parent.ParentSector()
		if err != nil {
			return nil, err
		}
	default:
		sector, err = parent.Lookup(component)
		if err != nil {
			return nil, err
		}
	}

	oi, err := opener.Open(sector)
	if err != nil {
		return nil, err
	}
	d := mkDir(oi)
	if !oi.Disk.IsDir {
		opener.Close(oi)
		return nil, fserrors.ErrNotADirectory
	}
	return d, nil
}
