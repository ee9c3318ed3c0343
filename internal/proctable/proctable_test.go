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

package proctable

import (
	"testing"

	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newRootProcess(pid int) *Process {
	return &Process{
		Pid: pid, Tgid: pid, ThreadGroupLead: true,
		FDs: fdtable.New(4),
		NS:  namespace.New(nil),
	}
}

func TestForkCopiesFDTableByDefault(t *testing.T) {
	tbl := New()
	parent := newRootProcess(100)
	tbl.Add(parent)
	parent.FDs.Alloc(fdtable.Slot{Kind: fdtable.Native, NativeFD: 3})

	child := tbl.Fork(parent, 101, 0)
	assert.NotSame(t, parent.FDs, child.FDs)
	_, ok := child.FDs.Get(0)
	assert.True(t, ok, "fork without CLONE_FILES must copy existing slots")
}

func TestForkSharesFDTableWithCloneFiles(t *testing.T) {
	tbl := New()
	parent := newRootProcess(100)
	tbl.Add(parent)

	child := tbl.Fork(parent, 101, unix.CLONE_FILES)
	assert.Same(t, parent.FDs, child.FDs)
}

func TestForkThreadGroupFollowsCloneThread(t *testing.T) {
	tbl := New()
	parent := newRootProcess(100)
	tbl.Add(parent)

	child := tbl.Fork(parent, 101, unix.CLONE_THREAD)
	assert.Equal(t, parent.Tgid, child.Tgid)
	assert.False(t, child.ThreadGroupLead)

	child2 := tbl.Fork(parent, 102, 0)
	assert.Equal(t, 102, child2.Tgid)
	assert.True(t, child2.ThreadGroupLead)
}

func TestSetUIDNoopAlwaysSucceeds(t *testing.T) {
	p := newRootProcess(1)
	p.UID = Credentials{Real: 1000, Effective: 1000, Saved: 1000}
	require.NoError(t, p.SetUID(1000, 1000, 1000))
}

func TestSetUIDUnprivilegedMustDrawFromCurrentTriple(t *testing.T) {
	p := newRootProcess(1)
	p.UID = Credentials{Real: 1000, Effective: 2000, Saved: 1000}

	require.NoError(t, p.SetUID(2000, -1, -1))
	assert.Equal(t, 2000, p.UID.Real)

	p.UID = Credentials{Real: 1000, Effective: 2000, Saved: 1000}
	err := p.SetUID(9999, -1, -1)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSetUIDPrivilegedCanSetAnything(t *testing.T) {
	p := newRootProcess(1)
	p.UID = Credentials{Real: 0, Effective: 0, Saved: 0}
	require.NoError(t, p.SetUID(9999, 8888, 7777))
	assert.Equal(t, Credentials{9999, 8888, 7777}, p.UID)
}
