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

// Package lcache implements the backend-level half of the lcache redirect
// class (spec.md §4.C, §4.R): every call first probes the local half, and
// falls back to a remote backend only on a local miss.
package lcache

import (
	"context"
	"os"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
)

// Backend retargets between a local backend (always probed first) and a
// remote backend (used on a local miss). A cache hit here is expected to
// correspond to a file the Mount Install & Cache component (§4.J) already
// materialized.
type Backend struct {
	local  backend.Backend
	remote backend.Backend
}

// New returns an lcache Backend pairing local (the host-fs backend) with
// remote (commonly an httpfs.Backend).
func New(local, remote backend.Backend) *Backend {
	return &Backend{local: local, remote: remote}
}

func (*Backend) Scheme() string { return "lcache" }

// hasLocal reports whether physicalPath exists in the local half,
// matching resolveLCache's "file present, or always for a directory"
// rule; callers pass the already-joined local path.
func hasLocal(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (b *Backend) Open(ctx context.Context, physicalPath string, flags int, mode uint32) backend.OpenOutcome {
	if hasLocal(physicalPath) {
		return b.local.Open(ctx, physicalPath, flags, mode)
	}
	return b.remote.Open(ctx, physicalPath, flags, mode)
}

func (b *Backend) Stat(ctx context.Context, physicalPath string) (backend.Stat, error) {
	if hasLocal(physicalPath) {
		return b.local.Stat(ctx, physicalPath)
	}
	return b.remote.Stat(ctx, physicalPath)
}

// Pread/Pwrite/Readdir/Close operate on a handle already bound to whichever
// of local/remote Open picked, so they fan out on the handle's dynamic
// type rather than re-probing the filesystem.
func (b *Backend) Pread(ctx context.Context, handle any, buf []byte, offset int64) (int, error) {
	if _, ok := handle.(*os.File); ok {
		return b.local.Pread(ctx, handle, buf, offset)
	}
	return b.remote.Pread(ctx, handle, buf, offset)
}

func (b *Backend) Pwrite(ctx context.Context, handle any, buf []byte, offset int64) (int, error) {
	if _, ok := handle.(*os.File); ok {
		return b.local.Pwrite(ctx, handle, buf, offset)
	}
	return b.remote.Pwrite(ctx, handle, buf, offset)
}

func (b *Backend) Readdir(ctx context.Context, physicalPath string) ([]backend.DirEntry, error) {
	if hasLocal(physicalPath) {
		return b.local.Readdir(ctx, physicalPath)
	}
	return b.remote.Readdir(ctx, physicalPath)
}

func (b *Backend) Close(ctx context.Context, handle any) error {
	if _, ok := handle.(*os.File); ok {
		return b.local.Close(ctx, handle)
	}
	return b.remote.Close(ctx, handle)
}

func (*Backend) DefaultPort() int { return 0 }
func (*Backend) Seekable() bool   { return true }
