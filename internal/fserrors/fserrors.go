// Package fserrors defines the sentinel error kinds shared by every layer
// of the filesystem core, from the sector cache up through the facade.
// Callers should compare with errors.Is rather than switching on strings.
package fserrors

import "errors"

var (
	// ErrIO signals a failure reported by the block device itself.
	ErrIO = errors.New("filesys: device i/o error")

	// ErrNoSpace means the free map could not satisfy a reservation.
	ErrNoSpace = errors.New("filesys: no space left on device")

	// ErrCacheExhausted means every sector cache entry is pinned and no
	// victim could be found within the second-chance scan bound.
	ErrCacheExhausted = errors.New("filesys: sector cache exhausted")

	// ErrNotFound means an intermediate path component, or the final
	// lookup target, does not exist.
	ErrNotFound = errors.New("filesys: not found")

	// ErrExists means create was asked to overwrite an existing name.
	ErrExists = errors.New("filesys: already exists")

	// ErrNotADirectory means a non-leaf path component resolved to a
	// regular file.
	ErrNotADirectory = errors.New("filesys: not a directory")

	// ErrNotEmpty means remove was asked to remove a non-empty directory.
	ErrNotEmpty = errors.New("filesys: directory not empty")

	// ErrInvalidPath means the path string itself was malformed, e.g. empty.
	ErrInvalidPath = errors.New("filesys: invalid path")

	// ErrBusy means remove targeted the root or a process's current
	// directory.
	ErrBusy = errors.New("filesys: resource busy")

	// ErrDenyWrite names the case of a write to an inode with a positive
	// deny-write count. inode.Store.WriteAt does not return it: a denied
	// write reports zero bytes written and a nil error.
	ErrDenyWrite = errors.New("filesys: writes denied on this inode")
)
