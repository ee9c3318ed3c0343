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

//go:build linux && amd64

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/stretchr/testify/assert"
)

func TestClassifyRoutesKnownSyscalls(t *testing.T) {
	cases := map[uint64]string{
		SYS_GETPID:   "pure",
		SYS_OPENAT:   "path",
		SYS_READ:     "fd",
		SYS_FCNTL:    "fd",
		SYS_DUP2:     "dup",
		SYS_CLOSE:    "close",
		SYS_CLONE:    "fork",
		SYS_EXECVE:   "execve",
		SYS_MMAP:     "mmap",
		SYS_PSELECT6: "passthrough",
		SYS_CHROOT:   "deny-eperm",
		SYS_ACCT:     "deny-enosys",
		999999:       "unknown",
	}
	for nr, want := range cases {
		assert.Equal(t, want, classify(nr), "syscall %d", nr)
	}
}

func TestSyscallNameFallsBackToNumber(t *testing.T) {
	assert.Equal(t, "read", syscallName(SYS_READ))
	assert.Equal(t, fmt.Sprintf("sys_%d", 999999), syscallName(999999))
}

func TestWouldBlockRecognizesBackendSentinelAndDeadline(t *testing.T) {
	assert.True(t, wouldBlock(backend.ErrWouldBlock))
	assert.True(t, wouldBlock(context.DeadlineExceeded))
	assert.True(t, wouldBlock(fmt.Errorf("wrapped: %w", backend.ErrWouldBlock)))
	assert.False(t, wouldBlock(nil))
	assert.False(t, wouldBlock(errors.New("some other failure")))
}
