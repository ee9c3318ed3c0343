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

// Package namespace implements the Tracer's path namespace: an ordered,
// reference-counted, copy-on-write list of mount entries that resolves a
// logical path a traced process asked for into a physical path and backend.
package namespace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/ttlcache"
)

// RedirectClass names the token class a mount entry's redirect parsed to.
type RedirectClass int

const (
	ClassLiteral RedirectClass = iota
	ClassDeny
	ClassENoEnt
	ClassLocal
	ClassResolver
	ClassLCache
)

// MountEntry is one `<prefix> <redirect>` pair, in the order it was read
// from a mountfile or `--mount` flag; order is resolution-significant.
type MountEntry struct {
	Prefix   string
	Redirect string
	Class    RedirectClass

	// LCacheLocal/LCacheRemote hold the two halves of an `lcache:` redirect,
	// set only when Class == ClassLCache.
	LCacheLocal  string
	LCacheRemote string
}

// NewMountEntry classifies redirect and builds the entry.
func NewMountEntry(prefix, redirect string) MountEntry {
	e := MountEntry{Prefix: prefix, Redirect: redirect}
	switch {
	case redirect == "DENY":
		e.Class = ClassDeny
	case redirect == "ENOENT":
		e.Class = ClassENoEnt
	case redirect == "LOCAL":
		e.Class = ClassLocal
	case strings.HasPrefix(redirect, "lcache:"):
		e.Class = ClassLCache
		halves := strings.SplitN(strings.TrimPrefix(redirect, "lcache:"), "|", 2)
		e.LCacheLocal = halves[0]
		if len(halves) == 2 {
			e.LCacheRemote = halves[1]
		}
	case strings.HasPrefix(redirect, "/") || strings.Contains(redirect, ":"):
		e.Class = ClassLiteral
	default:
		e.Class = ClassResolver
	}
	return e
}

// ResolveResult is the outcome of resolving one logical path.
type ResolveResult int

const (
	Changed ResolveResult = iota
	Denied
	ENoEnt
	Failed
)

// ResolvedPath is what Resolve returns: a physical path, whether the
// backend should be treated as native (a real kernel path the tracee's own
// syscall can be re-targeted at), and the resolution outcome.
type ResolvedPath struct {
	Physical string
	Native   bool
	Result   ResolveResult
}

// Namespace is an ordered, copy-on-write, reference-counted mount list.
type Namespace struct {
	mu      sync.RWMutex
	entries []MountEntry
	parent  *Namespace
	refs    int32
	sealed  atomic.Bool
	cache   *ttlcache.Cache[string, ResolvedPath]
}

// New builds a root namespace (no parent) from entries, in file/flag order.
func New(entries []MountEntry) *Namespace {
	ns := &Namespace{
		entries: append([]MountEntry(nil), entries...),
		refs:    1,
		cache:   ttlcache.New[string, ResolvedPath](30*time.Second, 10*time.Second),
	}
	return ns
}

// ErrSealed is returned by mutating operations on a sealed namespace.
var ErrSealed = errors.New("namespace: sealed")

// ForkNS creates a child snapshot that delegates to ns via a parent link and
// does not copy ns's entries; the child's own entries (initially empty) are
// consulted first, then ns's, per the copy-on-write scheme of §4.C.
func (ns *Namespace) ForkNS() *Namespace {
	ns.ShareNS()
	return &Namespace{
		parent: ns,
		refs:   1,
		cache:  ttlcache.New[string, ResolvedPath](30*time.Second, 10*time.Second),
	}
}

// ShareNS increments the reference count, for a second pid pointing at the
// same namespace object (e.g. CLONE_FS).
func (ns *Namespace) ShareNS() { atomic.AddInt32(&ns.refs, 1) }

// DropNS decrements the reference count. When it reaches zero, ns releases
// its hold on its parent in turn.
func (ns *Namespace) DropNS() {
	if atomic.AddInt32(&ns.refs, -1) == 0 {
		ns.cache.Stop()
		if ns.parent != nil {
			ns.parent.DropNS()
		}
	}
}

// SealNS freezes ns: further AddEntry calls fail with ErrSealed. Existing
// children are unaffected.
func (ns *Namespace) SealNS() { ns.sealed.Store(true) }

// AddEntry appends a mount entry to ns's own list (not the parent chain).
func (ns *Namespace) AddEntry(e MountEntry) error {
	if ns.sealed.Load() {
		return ErrSealed
	}
	ns.mu.Lock()
	ns.entries = append(ns.entries, e)
	ns.mu.Unlock()
	return nil
}

// Resolve maps a logical path to a physical path and backend hint. It
// checks ns's own resolution cache first, then walks ns's own entries
// before falling through to the parent chain, matching the first entry
// whose prefix matches logicalPath either as a glob against the final
// component or as a directory-prefix of the whole path.
func (ns *Namespace) Resolve(ctx context.Context, logicalPath string) (ResolvedPath, error) {
	clean := cleanLogical(logicalPath)

	if rp, ok := ns.cache.Get(clean); ok {
		return rp, nil
	}

	rp, err := ns.resolveUncached(ctx, clean)
	if err != nil {
		return ResolvedPath{}, err
	}
	ns.cache.Set(clean, rp)
	return rp, nil
}

func (ns *Namespace) resolveUncached(ctx context.Context, clean string) (ResolvedPath, error) {
	ns.mu.RLock()
	entries := append([]MountEntry(nil), ns.entries...)
	ns.mu.RUnlock()

	for _, e := range entries {
		tail, matched := matchEntry(e.Prefix, clean)
		if !matched {
			continue
		}
		return applyEntry(ctx, e, tail)
	}

	if ns.parent != nil {
		return ns.parent.resolveUncached(ctx, clean)
	}

	// No entry matched: identity, native.
	return ResolvedPath{Physical: clean, Native: true, Result: Changed}, nil
}

// matchEntry reports whether prefix matches clean, either as a filename
// glob against the last path component or as a directory-prefix of the
// whole path, and returns the unmatched tail to append to the redirect.
func matchEntry(prefix, clean string) (tail string, matched bool) {
	if ok, _ := path.Match(prefix, path.Base(clean)); ok && !strings.Contains(prefix, "/") {
		return path.Base(clean), true
	}
	if clean == prefix {
		return "", true
	}
	if strings.HasPrefix(clean, prefix+"/") {
		return strings.TrimPrefix(clean, prefix), true
	}
	return "", false
}

func applyEntry(ctx context.Context, e MountEntry, tail string) (ResolvedPath, error) {
	switch e.Class {
	case ClassDeny:
		return ResolvedPath{Result: Denied}, nil
	case ClassENoEnt:
		return ResolvedPath{Result: ENoEnt}, nil
	case ClassLocal:
		return ResolvedPath{Physical: e.Prefix + tail, Native: true, Result: Changed}, nil
	case ClassLCache:
		return resolveLCache(e, tail)
	case ClassResolver:
		return resolveExternal(ctx, e.Redirect, tail)
	default: // ClassLiteral
		return ResolvedPath{Physical: e.Redirect + tail, Native: false, Result: Changed}, nil
	}
}

// resolveLCache returns the local half for paths present locally (file or
// directory), otherwise the remote half, per spec.md §4.C.
func resolveLCache(e MountEntry, tail string) (ResolvedPath, error) {
	local := e.LCacheLocal + tail
	if _, err := os.Stat(local); err == nil {
		return ResolvedPath{Physical: local, Native: true, Result: Changed}, nil
	}
	return ResolvedPath{Physical: e.LCacheRemote + tail, Native: false, Result: Changed}, nil
}

// resolveExternal forks+execs redirect with tail as its sole argument; the
// first line of stdout is the physical path on exit 0, else resolution
// fails.
func resolveExternal(ctx context.Context, redirect, tail string) (ResolvedPath, error) {
	cmd := exec.CommandContext(ctx, redirect, tail)
	out, err := cmd.Output()
	if err != nil {
		logger.Warnf("namespace: resolver %q failed for %q: %v", redirect, tail, err)
		return ResolvedPath{Result: Failed}, nil
	}
	line := strings.SplitN(string(out), "\n", 2)[0]
	line = strings.TrimSpace(line)
	if line == "" {
		return ResolvedPath{Result: Failed}, nil
	}
	return ResolvedPath{Physical: line, Native: true, Result: Changed}, nil
}

// cleanLogical canonicalizes a logical path the way dttools' path_collapse
// does: collapse "//" and "/./", resolve "/../" against the accumulated
// path, but (like path_collapse) leave a meaningful trailing slash alone.
func cleanLogical(p string) string {
	trailingSlash := len(p) > 1 && strings.HasSuffix(p, "/")
	c := filepath.Clean(p)
	if trailingSlash && !strings.HasSuffix(c, "/") {
		c += "/"
	}
	return c
}
