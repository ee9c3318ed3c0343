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

// Package httpfs implements a read-only Backend over HTTP/HTTPS (spec.md
// §4.Q): every read against a virtual fd on this backend becomes a
// Range-header GET, making it the canonical exerciser of the Dispatcher's
// channel-mediated bulk-read path (spec.md §4.H).
package httpfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"golang.org/x/net/http2"
)

// Backend issues HTTP range requests against a configured base transport.
// It honors HTTP_PROXY/HTTPS_PROXY via http.ProxyFromEnvironment, and
// tunes its transport for HTTP/2 the way the teacher's GCS client stack
// tunes its own http2.Transport for long-lived range-read connections.
type Backend struct {
	client *http.Client
}

// New returns a Backend with a proxy-aware, http2-tuned transport.
func New() *Backend {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	// Best-effort: configure the transport for h2 if the server offers
	// it; a transport that doesn't support h2 still works over h1.
	_ = http2.ConfigureTransport(transport)

	return &Backend{client: &http.Client{Transport: transport}}
}

func (*Backend) Scheme() string { return "http" }

// Open issues a HEAD request to learn the size, then reports OpenVirtual
// so every read goes through Pread as a Range GET; httpfs content is never
// something the kernel can open natively.
func (b *Backend) Open(ctx context.Context, physicalPath string, _ int, _ uint32) backend.OpenOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, physicalPath, nil)
	if err != nil {
		return backend.OpenOutcome{Result: backend.OpenError, Err: err}
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return backend.OpenOutcome{Result: backend.OpenError, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return backend.OpenOutcome{Result: backend.OpenError, Err: fmt.Errorf("httpfs: HEAD %s: %s", physicalPath, resp.Status)}
	}
	return backend.OpenOutcome{
		Result: backend.OpenVirtual,
		Handle: physicalPath,
		Size:   resp.ContentLength,
	}
}

func (b *Backend) Stat(ctx context.Context, physicalPath string) (backend.Stat, error) {
	outcome := b.Open(ctx, physicalPath, 0, 0)
	if outcome.Result == backend.OpenError {
		return backend.Stat{}, outcome.Err
	}
	return backend.Stat{Size: outcome.Size}, nil
}

// Pread issues a single Range GET for [offset, offset+len(buf)).
func (b *Backend) Pread(ctx context.Context, handle any, buf []byte, offset int64) (int, error) {
	url, ok := handle.(string)
	if !ok {
		return 0, backend.ErrNotSupported
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1))

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("httpfs: GET %s: %s", url, resp.Status)
	}
	n, err := io.ReadFull(resp.Body, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	return n, err
}

// Pwrite is unsupported: httpfs redirects are read-only, per spec.md §4.Q.
func (*Backend) Pwrite(context.Context, any, []byte, int64) (int, error) {
	return 0, backend.ErrNotSupported
}

// Readdir is unsupported: httpfs has no directory listing protocol.
func (*Backend) Readdir(context.Context, string) ([]backend.DirEntry, error) {
	return nil, backend.ErrNotSupported
}

func (*Backend) Close(context.Context, any) error { return nil }
func (*Backend) DefaultPort() int                 { return 80 }
func (*Backend) Seekable() bool                   { return true }
