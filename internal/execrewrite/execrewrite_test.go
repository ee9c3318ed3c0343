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

package execrewrite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestRewriteLeavesNonScriptUnchanged(t *testing.T) {
	path := writeScript(t, "\x7fELF binary content")
	plan, err := Rewrite(path, []string{path, "a", "b"})
	require.NoError(t, err)
	assert.False(t, plan.Interpreted)
	assert.Equal(t, path, plan.ExePath)
	assert.Equal(t, []string{path, "a", "b"}, plan.Argv)
}

func TestRewriteExtractsInterpreterAndArg(t *testing.T) {
	path := writeScript(t, "#!/bin/sh -e\necho hi\n")
	plan, err := Rewrite(path, []string{path, "x"})
	require.NoError(t, err)
	assert.True(t, plan.Interpreted)
	assert.Equal(t, "/bin/sh", plan.ExePath)
	assert.Equal(t, []string{"/bin/sh", "-e", path, "x"}, plan.Argv)
}

func TestRewriteHandlesInterpreterWithNoArg(t *testing.T) {
	path := writeScript(t, "#!/bin/sh\necho hi\n")
	plan, err := Rewrite(path, []string{path})
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", path}, plan.Argv)
}

func TestLayoutArgvProducesOffsets(t *testing.T) {
	data, offsets, err := LayoutArgv([]string{"ab", "c"}, 64)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, offsets)
	assert.Equal(t, "ab\x00c\x00", string(data))
}

func TestLayoutArgvRejectsOverflow(t *testing.T) {
	_, _, err := LayoutArgv([]string{"way too long for the scratch region"}, 4)
	assert.ErrorIs(t, err, ErrArgvTooLarge)
}
