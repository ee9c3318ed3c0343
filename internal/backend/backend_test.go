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

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct{ scheme string }

func (s stubBackend) Scheme() string { return s.scheme }
func (s stubBackend) Open(ctx context.Context, path string, flags int, mode uint32) OpenOutcome {
	return OpenOutcome{Result: OpenCanBeNative, PhysicalPath: path}
}
func (s stubBackend) Stat(ctx context.Context, path string) (Stat, error) { return Stat{}, nil }
func (s stubBackend) Pread(ctx context.Context, h any, buf []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}
func (s stubBackend) Pwrite(ctx context.Context, h any, buf []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}
func (s stubBackend) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	return nil, ErrNotSupported
}
func (s stubBackend) Close(ctx context.Context, h any) error { return nil }
func (s stubBackend) DefaultPort() int                       { return 0 }
func (s stubBackend) Seekable() bool                         { return true }

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(stubBackend{scheme: "local"})

	b, err := r.Lookup("local")
	require.NoError(t, err)
	assert.Equal(t, "local", b.Scheme())
}

func TestLookupUnknownSchemeFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("ftp")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestRegisterOverwritesPriorScheme(t *testing.T) {
	r := NewRegistry()
	r.Register(stubBackend{scheme: "http"})
	r.Register(stubBackend{scheme: "http"})

	b, err := r.Lookup("http")
	require.NoError(t, err)
	assert.Equal(t, "http", b.Scheme())
}
