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

// Package cmd wires up w64fs's cobra command tree: format, shell and config,
// layered over pflag/viper configuration the way the gcsfuse CLI layers
// its own flags over cfg.Config.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelfs/kestrel/internal/fsconfig"
)

var (
	cfgFile string
	bindErr error
	config  fsconfig.Config
)

// RootCmd is the top-level w64fs command.
var RootCmd = &cobra.Command{
	Use:   "w64fs",
	Short: "Create and explore a toy on-disk filesystem image",
	Long: `w64fs formats and explores disk images using an extensible-file
inode layout: direct and doubly-indirect block pointers over a
fixed-capacity write-back sector cache.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("cmd: read config %s: %w", cfgFile, err)
			}
		}
		return viper.Unmarshal(&config)
	},
}

func init() {
	config = fsconfig.Default()

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	bindErr = fsconfig.BindFlags(RootCmd.PersistentFlags())

	RootCmd.AddCommand(newFormatCmd())
	RootCmd.AddCommand(newShellCmd())
	RootCmd.AddCommand(newConfigCmd())
}

// Execute runs the command tree, returning any error for main to report.
func Execute() error {
	return RootCmd.Execute()
}
