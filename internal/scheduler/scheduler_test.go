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

package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddFDWaitRejectsWhenTableFull(t *testing.T) {
	s := New(1)
	require.NoError(t, s.AddFDWait(3, 100, Read))
	err := s.AddFDWait(4, 101, Read)
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestRemoveFDWaitDropsOnlyThatPid(t *testing.T) {
	s := New(4)
	require.NoError(t, s.AddFDWait(3, 100, Read))
	require.NoError(t, s.AddFDWait(4, 101, Read))
	s.RemoveFDWait(100)
	assert.Len(t, s.fdWaits, 1)
	assert.Equal(t, 101, s.fdWaits[0].Pid)
}

func TestSleepWakesOnReadablePipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	s := New(4)
	require.NoError(t, s.AddFDWait(int(r.Fd()), 42, Read))
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	woken, err := s.Sleep()
	require.NoError(t, err)
	assert.Contains(t, woken, 42)
}

func TestSleepWakesOnDeadlineWithNoFDWaits(t *testing.T) {
	s := New(4)
	require.NoError(t, s.AddTimeWait(time.Now().Add(10*time.Millisecond), 7))

	woken, err := s.Sleep()
	require.NoError(t, err)
	assert.Contains(t, woken, 7)
}

func TestEmptyReportsNoPendingWaits(t *testing.T) {
	s := New(4)
	assert.True(t, s.Empty())
	require.NoError(t, s.AddTimeWait(time.Now(), 1))
	assert.False(t, s.Empty())
}

func TestFDSetRoundTrip(t *testing.T) {
	var set unix.FdSet
	fdSet(&set, 70)
	assert.True(t, fdIsSet(&set, 70))
	assert.False(t, fdIsSet(&set, 71))
}
