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

// Package mountcache implements Mount Install & Cache (spec.md §4.J):
// before a traced process can be handed an lcache redirect, the remote
// half of that redirect must already be materialized under a local cache
// directory, content-addressed by an MD5 of the source. Grounded on
// makeflow's makeflow_mounts.c: same three-step algorithm (hash source,
// fetch into the cache dir if absent, link-or-symlink into place),
// reworked from a one-shot DAG-input installer into a reusable cache
// keyed purely by source identity.
package mountcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Cache materializes remote or local sources into a content-addressed
// directory tree.
type Cache struct {
	dir    string
	client *http.Client
}

// New returns a Cache rooted at dir, creating dir if necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mountcache: mkdir %s: %w", dir, err)
	}
	return &Cache{dir: dir, client: http.DefaultClient}, nil
}

// Dir returns the cache's root directory.
func (c *Cache) Dir() string { return c.dir }

// contentKey hashes source the way md5_cal_source does: a local path is
// first resolved to its absolute real path so that two mountfile entries
// naming the same file by different relative paths share a cache entry;
// a URL is hashed as given.
func contentKey(source string, isLocal bool) (string, error) {
	h := md5.New()
	if isLocal {
		real, err := filepath.EvalSymlinks(source)
		if err != nil {
			return "", fmt.Errorf("mountcache: resolve %s: %w", source, err)
		}
		abs, err := filepath.Abs(real)
		if err != nil {
			return "", fmt.Errorf("mountcache: abs %s: %w", real, err)
		}
		io.WriteString(h, abs)
	} else {
		io.WriteString(h, source)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Install ensures source is present under the cache directory and returns
// its cache path, fetching it first if this is the first time source has
// been requested.
func (c *Cache) Install(ctx context.Context, source string) (cachePath string, err error) {
	key, err := contentKey(source, !isRemote(source))
	if err != nil {
		return "", err
	}
	cachePath = filepath.Join(c.dir, key)

	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("mountcache: stat %s: %w", cachePath, err)
	}

	if isRemote(source) {
		if err := c.fetchHTTP(ctx, source, cachePath); err != nil {
			return "", err
		}
	} else {
		if err := copyLocal(source, cachePath); err != nil {
			return "", err
		}
	}
	return cachePath, nil
}

// LinkInto creates a reference to cachePath at linkPath, preferring a hard
// link and falling back to a relative symlink, matching create_link's
// "try link(2), fall back to symlink(2)" order. Using a relative target
// (computed from linkPath's directory to cachePath) keeps the link valid
// if the whole tree is relocated together.
func LinkInto(cachePath, linkPath string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("mountcache: mkdir for link %s: %w", linkPath, err)
	}
	if err := os.Link(cachePath, linkPath); err == nil {
		return nil
	}
	rel, err := filepath.Rel(filepath.Dir(linkPath), cachePath)
	if err != nil {
		rel = cachePath
	}
	if err := os.Symlink(rel, linkPath); err != nil {
		return fmt.Errorf("mountcache: link and symlink %s -> %s both failed: %w", linkPath, cachePath, err)
	}
	return nil
}

// Consistent reports whether linkPath still resolves to the same cache
// entry Install produced for source — the runtime half of §4.J's
// consistency contract that a cache hit in the lcache backend corresponds
// to the file this component materialized.
func (c *Cache) Consistent(source, linkPath string) (bool, error) {
	key, err := contentKey(source, !isRemote(source))
	if err != nil {
		return false, err
	}
	want := filepath.Join(c.dir, key)

	// os.Stat follows a symlink and os.SameFile matches a hard link, so
	// either kind of link LinkInto makes compares equal to the cache entry.
	linkInfo, err := os.Stat(linkPath)
	if err != nil {
		return false, nil
	}
	wantInfo, err := os.Stat(want)
	if err != nil {
		return false, nil
	}
	return os.SameFile(linkInfo, wantInfo), nil
}

func (c *Cache) fetchHTTP(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mountcache: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mountcache: fetch %s: %s", url, resp.Status)
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("mountcache: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("mountcache: write %s: %w", tmp, err)
	}
	f.Close()
	return os.Rename(tmp, dest)
}

func copyLocal(source, dest string) error {
	info, err := os.Lstat(source)
	if err != nil {
		return fmt.Errorf("mountcache: lstat %s: %w", source, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(source)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	case info.IsDir():
		return copyDir(source, dest)
	default:
		return copyFile(source, dest)
	}
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(source, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyLocal(filepath.Join(source, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
