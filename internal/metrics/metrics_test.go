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

package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextIncludesRegisteredFamilies(t *testing.T) {
	SyscallsDispatched.WithLabelValues("open", "handled").Inc()
	ChannelArenaBytes.Set(4096)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf))

	out := buf.String()
	assert.True(t, strings.Contains(out, "tracer_syscalls_dispatched_total"))
	assert.True(t, strings.Contains(out, "tracer_channel_arena_bytes"))
}

func TestMetricsAreRegisteredExactlyOnce(t *testing.T) {
	families, err := Registry.Gather()
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, mf := range families {
		name := mf.GetName()
		assert.False(t, seen[name], "duplicate metric family %s", name)
		seen[name] = true
	}
}
