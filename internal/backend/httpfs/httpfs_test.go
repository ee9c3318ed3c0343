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

package httpfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "26")
			return
		}
		rng := r.Header.Get("Range")
		require.NotEmpty(t, rng)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenReportsVirtualWithSize(t *testing.T) {
	srv := newTestServer(t, "abcdefghij")
	b := New()

	outcome := b.Open(context.Background(), srv.URL+"/f", 0, 0)
	require.Equal(t, backend.OpenVirtual, outcome.Result)
	assert.EqualValues(t, 26, outcome.Size)
}

func TestPreadIssuesRangeRequest(t *testing.T) {
	srv := newTestServer(t, "abcdefghij")
	b := New()

	buf := make([]byte, 10)
	n, err := b.Pread(context.Background(), srv.URL+"/f", buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "abcdefghij", string(buf))
}

func TestPwriteIsUnsupported(t *testing.T) {
	b := New()
	_, err := b.Pwrite(context.Background(), "handle", nil, 0)
	assert.ErrorIs(t, err, backend.ErrNotSupported)
}

func TestReaddirIsUnsupported(t *testing.T) {
	b := New()
	_, err := b.Readdir(context.Background(), "http://example.invalid/dir")
	assert.ErrorIs(t, err, backend.ErrNotSupported)
}
