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

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/filesys"
	"github.com/kestrelfs/kestrel/internal/inode"
)

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <image>",
		Short: "Open an interactive shell over a disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := blockdevice.Open(args[0])
			if err != nil {
				return err
			}
			defer device.Close()

			layout := inode.Layout{
				Direct:   config.Inode.DirectPointers,
				Indirect: config.Inode.IndirectFanout,
			}

			fs, err := filesys.Open(device, layout, config.Cache.Capacity, clock.RealClock{}, config.Debug.LogMutex)
			if err != nil {
				return err
			}
			defer fs.Close()

			sh := &shell{fs: fs, out: cmd.OutOrStdout(), path: "/"}
			return sh.run(cmd.InOrStdin())
		},
	}
}

// shell is a tiny line-oriented REPL over a mounted Filesys.
type shell struct {
	fs   *filesys.Filesys
	cwd  *filesys.Handle // nil means root
	path string
	out  io.Writer
}

func (s *shell) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(s.out, "%s> ", s.path)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			err := s.dispatch(line)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		}
		fmt.Fprintf(s.out, "%s> ", s.path)
	}
	return scanner.Err()
}

func (s *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	cmdName, rest := fields[0], fields[1:]

	switch cmdName {
	case "exit", "quit":
		return io.EOF
	case "pwd":
		fmt.Fprintln(s.out, s.path)
		return nil
	case "ls":
		return s.ls()
	case "mkdir":
		return s.create(rest, true)
	case "touch":
		return s.create(rest, false)
	case "cd":
		return s.cd(rest)
	case "cat":
		return s.cat(rest)
	case "write":
		return s.write(rest)
	case "rm":
		return s.rm(rest)
	case "stat":
		return s.stat()
	default:
		return fmt.Errorf("unknown command %q", cmdName)
	}
}

func (s *shell) create(args []string, isDir bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mkdir|touch <name>")
	}
	return s.fs.Create(s.cwd, args[0], 0, isDir)
}

func (s *shell) ls() error {
	h, err := s.fs.Open(s.cwd, ".")
	if err != nil {
		return err
	}
	defer s.fs.CloseHandle(h)

	names, err := s.fs.ReadDir(h)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(s.out, n)
	}
	return nil
}

func (s *shell) cd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cd <name>")
	}
	h, err := s.fs.Open(s.cwd, args[0])
	if err != nil {
		return err
	}

	old := s.cwd
	s.cwd = h
	if old != nil {
		s.fs.CloseHandle(old)
	}

	switch {
	case args[0] == "/":
		s.path = "/"
	case args[0] == ".":
		// path unchanged
	case args[0] == "..":
		s.path = parentPath(s.path)
	case strings.HasPrefix(args[0], "/"):
		s.path = args[0]
	default:
		if s.path == "/" {
			s.path = "/" + args[0]
		} else {
			s.path = s.path + "/" + args[0]
		}
	}
	return nil
}

func parentPath(p string) string {
	if p == "/" {
		return "/"
	}
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func (s *shell) cat(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cat <name>")
	}
	h, err := s.fs.Open(s.cwd, args[0])
	if err != nil {
		return err
	}
	defer s.fs.CloseHandle(h)

	buf := make([]byte, s.fs.Length(h))
	n, err := s.fs.ReadAt(h, buf, 0)
	if err != nil {
		return err
	}
	_, err = s.out.Write(buf[:n])
	return err
}

func (s *shell) write(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: write <name> <text...>")
	}
	h, err := s.fs.Open(s.cwd, args[0])
	if err != nil {
		return err
	}
	defer s.fs.CloseHandle(h)

	data := []byte(strings.Join(args[1:], " ") + "\n")
	_, err = s.fs.WriteAt(h, data, s.fs.Length(h))
	return err
}

// rm removes every named entry concurrently and reports the first
// failure, matching the "attempt everything, return the first error"
// contract used elsewhere in this module (sectorcache.FlushAll,
// freemap's bitmap persistence).
func (s *shell) rm(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rm <name>...")
	}

	var g errgroup.Group
	for _, name := range args {
		name := name
		g.Go(func() error {
			return s.fs.Remove(s.cwd, name)
		})
	}
	return g.Wait()
}

func (s *shell) stat() error {
	st := s.fs.Stat()
	fmt.Fprintf(s.out, "free sectors: %d\ntotal sectors: %d\nopen inodes: %d\n",
		st.FreeSectors, st.TotalSectors, st.OpenInodes)
	return nil
}
