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

package mountcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallLocalFileCopiesIntoCacheOnce(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "data.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	c, err := New(t.TempDir())
	require.NoError(t, err)

	path1, err := c.Install(context.Background(), src)
	require.NoError(t, err)
	content, err := os.ReadFile(path1)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	path2, err := c.Install(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
}

func TestInstallHTTPFetchesIntoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := c.Install(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(content))
}

func TestLinkIntoPrefersHardLink(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cached")
	require.NoError(t, os.WriteFile(cachePath, []byte("x"), 0o644))

	linkPath := filepath.Join(dir, "sub", "link")
	require.NoError(t, LinkInto(cachePath, linkPath))

	content, err := os.ReadFile(linkPath)
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))

	// Lstat does not follow a symlink, so only a hard link is the same file.
	linkInfo, err := os.Lstat(linkPath)
	require.NoError(t, err)
	cacheInfo, err := os.Stat(cachePath)
	require.NoError(t, err)
	assert.True(t, os.SameFile(cacheInfo, linkInfo), "same-directory link should be a hard link")
}

func TestConsistentDetectsMatchingCacheEntry(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "data.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	c, err := New(t.TempDir())
	require.NoError(t, err)
	cachePath, err := c.Install(context.Background(), src)
	require.NoError(t, err)

	linkPath := filepath.Join(t.TempDir(), "link")
	require.NoError(t, LinkInto(cachePath, linkPath))

	ok, err := c.Consistent(src, linkPath)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsistentRejectsStaleLink(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	other := filepath.Join(t.TempDir(), "other")
	require.NoError(t, os.WriteFile(other, []byte("z"), 0o644))

	ok, err := c.Consistent("http://example.invalid/x", other)
	require.NoError(t, err)
	assert.False(t, ok)
}
