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

//go:build linux

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocWriteReadRoundTrip(t *testing.T) {
	c, err := New(pageSize, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	off, err := c.Alloc("buf1", 10)
	require.NoError(t, err)

	copy(c.Bytes(off, 10), []byte("hello\n"))
	assert.Equal(t, "hello\n", string(c.Bytes(off, 6)))
}

func TestLookupAndRename(t *testing.T) {
	c, err := New(pageSize, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	off, err := c.Alloc("first", 16)
	require.NoError(t, err)

	got, ok := c.Lookup("first")
	require.True(t, ok)
	assert.Equal(t, off, got)

	require.NoError(t, c.Rename("first", "second"))
	_, ok = c.Lookup("first")
	assert.False(t, ok)
	got, ok = c.Lookup("second")
	require.True(t, ok)
	assert.Equal(t, off, got)
}

func TestFreeCoalescesAdjacentExtents(t *testing.T) {
	c, err := New(4*pageSize, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	a, err := c.Alloc("a", pageSize)
	require.NoError(t, err)
	b, err := c.Alloc("b", pageSize)
	require.NoError(t, err)

	require.NoError(t, c.Free(a))
	require.NoError(t, c.Free(b))
	// Freeing b merges it with the free tail after it and with a's freed
	// page before it, so one allocation spanning the whole channel fits at
	// offset 0 without the channel needing to grow.
	sizeBefore := c.size
	off, err := c.Alloc("big", 4*pageSize)
	require.NoError(t, err)
	assert.Equal(t, 0, off)
	assert.Equal(t, sizeBefore, c.size)
}

func TestFreeSingleExtentSelfLoopDoesNotDoubleFree(t *testing.T) {
	c, err := New(pageSize, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	off, err := c.Alloc("solo", pageSize)
	require.NoError(t, err)

	require.NoError(t, c.Free(off))
	assert.True(t, c.head.free)
	assert.Equal(t, c.head, c.head.next, "channel with one extent must remain a self-loop after free")
}

func TestAddRefDelaysFree(t *testing.T) {
	c, err := New(pageSize, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	off, err := c.Alloc("shared", 8)
	require.NoError(t, err)
	require.NoError(t, c.AddRef(off))

	require.NoError(t, c.Free(off))
	_, ok := c.Lookup("shared")
	assert.True(t, ok, "one Free after AddRef must not release the extent yet")

	require.NoError(t, c.Free(off))
	_, ok = c.Lookup("shared")
	assert.False(t, ok)
}

func TestAllocGrowsChannelWhenFull(t *testing.T) {
	c, err := New(pageSize, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Alloc("fill", pageSize)
	require.NoError(t, err)

	sizeBefore := c.size
	_, err = c.Alloc("overflow", pageSize)
	require.NoError(t, err)
	assert.Greater(t, c.size, sizeBefore)
}
