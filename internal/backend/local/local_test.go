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

package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenReportsCanBeNative(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	b := New()
	outcome := b.Open(context.Background(), path, os.O_RDONLY, 0)
	assert.Equal(t, backend.OpenCanBeNative, outcome.Result)
	assert.Equal(t, path, outcome.PhysicalPath)
	assert.EqualValues(t, 5, outcome.Size)
}

func TestOpenMissingFileReturnsError(t *testing.T) {
	b := New()
	outcome := b.Open(context.Background(), "/nonexistent/path", os.O_RDONLY, 0)
	assert.Equal(t, backend.OpenError, outcome.Result)
	assert.Error(t, outcome.Err)
}

func TestPreadReadsThroughHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	b := New()
	buf := make([]byte, 4)
	n, err := b.Pread(context.Background(), f, buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))
}

func TestReaddirListsEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	b := New()
	entries, err := b.Readdir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
