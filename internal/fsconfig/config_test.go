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

package fsconfig_test

import (
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfs/kestrel/internal/fsconfig"
)

func TestDefaults(t *testing.T) {
	d := fsconfig.Default()
	assert.Equal(t, 64, d.Cache.Capacity)
	assert.Equal(t, 100, d.Inode.DirectPointers)
	assert.Equal(t, 128, d.Inode.IndirectFanout)
	assert.Equal(t, 512, d.Device.SectorSize)
}

func TestBindFlagsOverridesDefaultsViaViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, fsconfig.BindFlags(flagSet))

	require.NoError(t, flagSet.Parse([]string{"--cache-capacity=16", "--debug-invariants"}))

	var cfg fsconfig.Config
	require.NoError(t, viper.Unmarshal(&cfg))

	assert.Equal(t, 16, cfg.Cache.Capacity)
	assert.True(t, cfg.Debug.ExitOnInvariantViolation)
	assert.Equal(t, 100, cfg.Inode.DirectPointers, "unset flags keep their compiled default")
}

func TestWriteExampleAndLoadFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w64fs.yaml")

	want := fsconfig.Default()
	want.Cache.Capacity = 32
	require.NoError(t, fsconfig.WriteExample(path, want))

	got, err := fsconfig.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
