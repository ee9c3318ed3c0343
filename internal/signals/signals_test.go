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

package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestClassifySIGCHLDIsInternal(t *testing.T) {
	assert.Equal(t, Internal, Classify(unix.SIGCHLD))
}

func TestClassifySIGTERMIsFatal(t *testing.T) {
	assert.Equal(t, Fatal, Classify(unix.SIGTERM))
}

func TestClassifyOrdinarySignalForwards(t *testing.T) {
	assert.Equal(t, Forward, Classify(unix.SIGUSR1))
}

func TestInterruptibleDefaultsToInterrupting(t *testing.T) {
	r := NewInterruptible()
	assert.True(t, r.ShouldInterrupt(100, int(unix.SIGUSR1)))
}

func TestInterruptibleHonorsRegisteredRestart(t *testing.T) {
	r := NewInterruptible()
	r.SetAction(100, int(unix.SIGUSR1), true)
	assert.False(t, r.ShouldInterrupt(100, int(unix.SIGUSR1)))

	r.Forget(100)
	assert.True(t, r.ShouldInterrupt(100, int(unix.SIGUSR1)))
}

func TestCrossNamespaceKillAllowsAncestor(t *testing.T) {
	isAncestor := func(a, b int) bool { return a <= b }
	assert.False(t, CrossNamespaceKill(1, 2, isAncestor))
}

func TestCrossNamespaceKillRefusesUnrelated(t *testing.T) {
	isAncestor := func(a, b int) bool { return false }
	assert.True(t, CrossNamespaceKill(1, 2, isAncestor))
}

func TestCrossNamespaceKillAllowsSameNamespace(t *testing.T) {
	isAncestor := func(a, b int) bool { return false }
	assert.False(t, CrossNamespaceKill(5, 5, isAncestor))
}
