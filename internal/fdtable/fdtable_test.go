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

package fdtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocUsesLowestFreeSlot(t *testing.T) {
	tbl := New(3)
	fd0 := tbl.Alloc(Slot{Kind: Native, NativeFD: 10})
	fd1 := tbl.Alloc(Slot{Kind: Native, NativeFD: 11})
	assert.Equal(t, 0, fd0)
	assert.Equal(t, 1, fd1)

	_, err := tbl.Close(fd0)
	require.NoError(t, err)

	fd2 := tbl.Alloc(Slot{Kind: Native, NativeFD: 12})
	assert.Equal(t, 0, fd2, "closed slot 0 should be reused before growing")
}

func TestDupClearsCloseOnExec(t *testing.T) {
	tbl := New(2)
	fd := tbl.Alloc(Slot{Kind: Native, NativeFD: 5, CloseOnExec: true})

	dup, err := tbl.Dup(fd)
	require.NoError(t, err)
	slot, ok := tbl.Get(dup)
	require.True(t, ok)
	assert.False(t, slot.CloseOnExec)
}

func TestDup2NoOpWhenEqual(t *testing.T) {
	tbl := New(2)
	fd := tbl.Alloc(Slot{Kind: Native, NativeFD: 5})
	got, err := tbl.Dup2(fd, fd)
	require.NoError(t, err)
	assert.Equal(t, fd, got)
}

func TestDup3RejectsEqualFDs(t *testing.T) {
	tbl := New(2)
	fd := tbl.Alloc(Slot{Kind: Native, NativeFD: 5})
	_, err := tbl.Dup3(fd, fd, false)
	assert.Error(t, err)
}

func TestDup2ClosesTargetFirst(t *testing.T) {
	tbl := New(3)
	a := tbl.Alloc(Slot{Kind: Native, NativeFD: 1})
	b := tbl.Alloc(Slot{Kind: Native, NativeFD: 2})

	got, err := tbl.Dup2(a, b)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	slot, ok := tbl.Get(b)
	require.True(t, ok)
	assert.Equal(t, 1, slot.NativeFD)
}

func TestCloseOnExecSweepDropsFlaggedSlots(t *testing.T) {
	tbl := New(3)
	keep := tbl.Alloc(Slot{Kind: Native, NativeFD: 1})
	drop := tbl.Alloc(Slot{Kind: Native, NativeFD: 2, CloseOnExec: true})

	closed := tbl.CloseOnExecSweep()
	require.Len(t, closed, 1)
	assert.Equal(t, 2, closed[0].NativeFD)

	_, ok := tbl.Get(drop)
	assert.False(t, ok)
	_, ok = tbl.Get(keep)
	assert.True(t, ok)
}

func TestForkDuplicatesAllSlotsAndRetainsFiles(t *testing.T) {
	tbl := New(2)
	file := &VirtualFile{Backend: "local", RefCount: 1}
	tbl.Alloc(Slot{Kind: Virtual, File: file})

	child := tbl.Fork()
	_, ok := child.Get(0)
	require.True(t, ok)
	assert.Equal(t, int32(2), file.RefCount)
}

func TestGetOnEmptySlotFails(t *testing.T) {
	tbl := New(2)
	_, ok := tbl.Get(0)
	assert.False(t, ok)
}

func TestSetNonBlockTogglesFlag(t *testing.T) {
	tbl := New(2)
	fd := tbl.Alloc(Slot{Kind: Virtual, File: &VirtualFile{Backend: "local", RefCount: 1}})

	require.NoError(t, tbl.SetNonBlock(fd, true))
	slot, ok := tbl.Get(fd)
	require.True(t, ok)
	assert.True(t, slot.NonBlock)

	require.NoError(t, tbl.SetNonBlock(fd, false))
	slot, ok = tbl.Get(fd)
	require.True(t, ok)
	assert.False(t, slot.NonBlock)
}

func TestSetNonBlockOnEmptySlotFails(t *testing.T) {
	tbl := New(2)
	assert.ErrorIs(t, tbl.SetNonBlock(0, true), ErrBadFD)
}
