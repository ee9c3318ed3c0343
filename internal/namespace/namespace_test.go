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

package namespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteralPrefix(t *testing.T) {
	ns := New([]MountEntry{
		NewMountEntry("/cvmfs", "/opt/cvmfs-cache"),
	})

	rp, err := ns.Resolve(context.Background(), "/cvmfs/repo/bin/tool")
	require.NoError(t, err)
	assert.Equal(t, Changed, rp.Result)
	assert.Equal(t, "/opt/cvmfs-cache/repo/bin/tool", rp.Physical)
	assert.False(t, rp.Native)
}

func TestResolveDenyAndENoEnt(t *testing.T) {
	ns := New([]MountEntry{
		NewMountEntry("/secret", "DENY"),
		NewMountEntry("/missing", "ENOENT"),
	})

	rp, err := ns.Resolve(context.Background(), "/secret/file")
	require.NoError(t, err)
	assert.Equal(t, Denied, rp.Result)

	rp, err = ns.Resolve(context.Background(), "/missing/file")
	require.NoError(t, err)
	assert.Equal(t, ENoEnt, rp.Result)
}

func TestResolveLocalIsNative(t *testing.T) {
	ns := New([]MountEntry{
		NewMountEntry("/bin", "LOCAL"),
	})

	rp, err := ns.Resolve(context.Background(), "/bin/sh")
	require.NoError(t, err)
	assert.Equal(t, Changed, rp.Result)
	assert.True(t, rp.Native)
	assert.Equal(t, "/bin/sh", rp.Physical)
}

func TestResolveFallsThroughToIdentity(t *testing.T) {
	ns := New(nil)

	rp, err := ns.Resolve(context.Background(), "/usr/lib/libc.so")
	require.NoError(t, err)
	assert.Equal(t, Changed, rp.Result)
	assert.True(t, rp.Native)
	assert.Equal(t, "/usr/lib/libc.so", rp.Physical)
}

func TestResolveOrderFirstMatchWins(t *testing.T) {
	ns := New([]MountEntry{
		NewMountEntry("/data", "DENY"),
		NewMountEntry("/data", "/real/data"),
	})

	rp, err := ns.Resolve(context.Background(), "/data/x")
	require.NoError(t, err)
	assert.Equal(t, Denied, rp.Result)
}

func TestResolveCachesResult(t *testing.T) {
	ns := New([]MountEntry{
		NewMountEntry("/cvmfs", "/opt/cvmfs-cache"),
	})

	first, err := ns.Resolve(context.Background(), "/cvmfs/x")
	require.NoError(t, err)

	// Mutate the backing list directly; a cached Resolve must not notice.
	ns.entries[0].Redirect = "/changed"

	second, err := ns.Resolve(context.Background(), "/cvmfs/x")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestForkNSDelegatesToParent(t *testing.T) {
	parent := New([]MountEntry{
		NewMountEntry("/cvmfs", "/opt/cvmfs-cache"),
	})
	child := parent.ForkNS()
	defer child.DropNS()
	defer parent.DropNS()

	rp, err := child.Resolve(context.Background(), "/cvmfs/x")
	require.NoError(t, err)
	assert.Equal(t, "/opt/cvmfs-cache/x", rp.Physical)

	require.NoError(t, child.AddEntry(NewMountEntry("/cvmfs", "DENY")))
	rp, err = child.Resolve(context.Background(), "/cvmfs/y")
	require.NoError(t, err)
	assert.Equal(t, Denied, rp.Result, "child's own entry must shadow the parent's")
}

func TestSealNSRejectsAddEntry(t *testing.T) {
	ns := New(nil)
	ns.SealNS()
	assert.ErrorIs(t, ns.AddEntry(NewMountEntry("/x", "DENY")), ErrSealed)
}

func TestLCachePrefersLocalWhenPresent(t *testing.T) {
	dir := t.TempDir()
	ns := New([]MountEntry{
		NewMountEntry("/data", "lcache:"+dir+"|http://remote.example/data"),
	})

	rp, err := ns.Resolve(context.Background(), "/data")
	require.NoError(t, err)
	assert.True(t, rp.Native)
	assert.Equal(t, dir, rp.Physical)
}
