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

package fserrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelfs/kestrel/internal/fserrors"
)

func TestWrappedSentinelsAreStillDetectable(t *testing.T) {
	wrapped := fmt.Errorf("device offline: %w", fserrors.ErrIO)
	assert.True(t, errors.Is(wrapped, fserrors.ErrIO))
	assert.False(t, errors.Is(wrapped, fserrors.ErrNotFound))
}

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		fserrors.ErrIO,
		fserrors.ErrNoSpace,
		fserrors.ErrCacheExhausted,
		fserrors.ErrNotFound,
		fserrors.ErrExists,
		fserrors.ErrNotADirectory,
		fserrors.ErrNotEmpty,
		fserrors.ErrInvalidPath,
		fserrors.ErrBusy,
		fserrors.ErrDenyWrite,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not be %v", a, b)
		}
	}
}
