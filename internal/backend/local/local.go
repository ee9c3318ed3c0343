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

// Package local implements the Backend capability set directly against
// the host filesystem (spec.md §4.P). Every LOCAL redirect and every
// resolved physical path with no scheme prefix lands here.
package local

import (
	"context"
	"os"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
)

// Backend is the local-filesystem backend. It holds no state: every
// method operates directly on the path/handle it is given.
type Backend struct{}

// New returns a ready local Backend.
func New() *Backend { return &Backend{} }

func (*Backend) Scheme() string { return "local" }

// Open reports OpenCanBeNative for any path it can stat (OpenError
// otherwise): a local path is something the kernel itself can open for
// the tracee, so the Dispatcher rewrites the syscall rather than diverting
// through a virtual file object.
func (*Backend) Open(_ context.Context, physicalPath string, _ int, _ uint32) backend.OpenOutcome {
	info, err := os.Stat(physicalPath)
	if err != nil {
		return backend.OpenOutcome{Result: backend.OpenError, Err: err}
	}
	return backend.OpenOutcome{
		Result:       backend.OpenCanBeNative,
		PhysicalPath: physicalPath,
		Size:         info.Size(),
	}
}

func (*Backend) Stat(_ context.Context, physicalPath string) (backend.Stat, error) {
	info, err := os.Stat(physicalPath)
	if err != nil {
		return backend.Stat{}, err
	}
	return backend.Stat{
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// Pread/Pwrite accept *os.File handles, used only on the rare path where
// the Dispatcher chose to treat a local file as virtual (e.g. it lives
// under an lcache redirect and the caller wants channel-mediated I/O
// rather than a native reopen).
func (*Backend) Pread(_ context.Context, handle any, buf []byte, offset int64) (int, error) {
	f, ok := handle.(*os.File)
	if !ok {
		return 0, backend.ErrNotSupported
	}
	return f.ReadAt(buf, offset)
}

func (*Backend) Pwrite(_ context.Context, handle any, buf []byte, offset int64) (int, error) {
	f, ok := handle.(*os.File)
	if !ok {
		return 0, backend.ErrNotSupported
	}
	return f.WriteAt(buf, offset)
}

func (*Backend) Readdir(_ context.Context, physicalPath string) ([]backend.DirEntry, error) {
	entries, err := os.ReadDir(physicalPath)
	if err != nil {
		return nil, err
	}
	out := make([]backend.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, backend.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (*Backend) Close(_ context.Context, handle any) error {
	f, ok := handle.(*os.File)
	if !ok {
		return backend.ErrNotSupported
	}
	return f.Close()
}

func (*Backend) DefaultPort() int { return 0 }
func (*Backend) Seekable() bool   { return true }
