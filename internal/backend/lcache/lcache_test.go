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

package lcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/cooperative-computing-lab/gotracer/internal/backend/httpfs"
	"github.com/cooperative-computing-lab/gotracer/internal/backend/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPrefersLocalOnHit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("cached"), 0o644))

	b := New(local.New(), httpfs.New())
	outcome := b.Open(context.Background(), path, 0, 0)
	assert.Equal(t, backend.OpenCanBeNative, outcome.Result)
}

func TestOpenFallsBackToRemoteOnMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
	}))
	defer srv.Close()

	b := New(local.New(), httpfs.New())
	outcome := b.Open(context.Background(), srv.URL+"/missing", 0, 0)
	assert.Equal(t, backend.OpenVirtual, outcome.Result)
}
