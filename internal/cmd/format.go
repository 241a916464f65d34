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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kestrelfs/kestrel/clock"
	"github.com/kestrelfs/kestrel/internal/blockdevice"
	"github.com/kestrelfs/kestrel/internal/filesys"
	"github.com/kestrelfs/kestrel/internal/inode"
)

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format <image> <sectors>",
		Short: "Create a fresh disk image with an empty root directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sectorCount, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("cmd: invalid sector count %q: %w", args[1], err)
			}

			device, err := blockdevice.Create(args[0], uint32(sectorCount))
			if err != nil {
				return err
			}
			defer device.Close()

			layout := inode.Layout{
				Direct:   config.Inode.DirectPointers,
				Indirect: config.Inode.IndirectFanout,
			}

			fs, err := filesys.Format(device, layout, config.Cache.Capacity, clock.RealClock{}, config.Debug.LogMutex)
			if err != nil {
				return err
			}
			stat := fs.Stat()
			if err := fs.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %d sectors, %d free\n", args[0], sectorCount, stat.FreeSectors)
			return nil
		},
	}
}
