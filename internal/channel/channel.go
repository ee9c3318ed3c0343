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

//go:build linux

// Package channel implements the Tracer's shared-memory I/O channel: an
// anonymous memory region mapped into the Tracer's address space and also
// reachable by the tracee (via mmap of the same fd), used as the bulk-data
// path for reads, writes, and other operations the Dispatcher answers
// itself rather than letting the kernel touch the tracee's buffer directly.
package channel

import (
	"fmt"
	"os"
	"sync"

	"github.com/cooperative-computing-lab/gotracer/internal/metrics"
	"golang.org/x/sys/unix"
)

// extent is one entry in the channel's doubly-linked free/used list.
type extent struct {
	start, length int
	refcount      int
	name          string
	free          bool
	prev, next    *extent
}

// Channel is the shared-memory arena described by spec.md §4.B.
type Channel struct {
	mu      sync.Mutex
	fd      int
	size    int
	mapping []byte
	head    *extent // doubly-linked list of both free and used extents, in address order
	byName  map[string]*extent
	tmpFile *os.File // set only when memfd_create was unavailable
}

const pageSize = 4096

func roundUp(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// New creates the backing fd (preferring an anonymous memfd; falling back
// to a file under tempDir) sized to at least minSize, maps it shared, and
// returns a Channel with one large free extent spanning the whole mapping.
func New(minSize int, tempDir string) (*Channel, error) {
	size := roundUp(minSize)
	if size == 0 {
		size = pageSize
	}

	fd, tmpFile, err := createBacking(size, tempDir)
	if err != nil {
		return nil, err
	}

	mapping, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("channel: mmap: %w", err)
	}

	root := &extent{start: 0, length: size, free: true}
	root.prev, root.next = root, root // self-loop: the only extent links to itself

	c := &Channel{
		fd:      fd,
		size:    size,
		mapping: mapping,
		head:    root,
		byName:  make(map[string]*extent),
		tmpFile: tmpFile,
	}
	metrics.ChannelArenaBytes.Set(float64(size))
	return c, nil
}

func createBacking(size int, tempDir string) (fd int, tmpFile *os.File, err error) {
	fd, err = unix.MemfdCreate("tracer-channel", unix.MFD_CLOEXEC)
	if err == nil {
		if err = unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return 0, nil, fmt.Errorf("channel: ftruncate memfd: %w", err)
		}
		return fd, nil, nil
	}

	f, ferr := os.CreateTemp(tempDir, "tracer-channel-*")
	if ferr != nil {
		return 0, nil, fmt.Errorf("channel: memfd_create failed (%v) and tempfile fallback failed: %w", err, ferr)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return 0, nil, fmt.Errorf("channel: truncate tempfile: %w", err)
	}
	return int(f.Fd()), f, nil
}

// FD returns the channel's backing file descriptor number. The Dispatcher
// must treat this fd as reserved: the tracee is never allowed to open,
// dup onto, or close it directly.
func (c *Channel) FD() int {
	return c.fd
}

// File wraps the channel's backing fd in an *os.File suitable for
// exec.Cmd's ExtraFiles, so a launched tracee inherits the channel
// without any ptrace-side fd injection. The returned File shares the
// underlying fd with the Channel itself; callers must not Close it.
func (c *Channel) File() *os.File {
	return os.NewFile(uintptr(c.fd), "tracer-channel")
}

// Bytes returns the mapped region backing offset..offset+length, for the
// Tracer to read/write directly.
func (c *Channel) Bytes(offset, length int) []byte {
	return c.mapping[offset : offset+length]
}

// Alloc first-fit searches the free list for an extent of at least length
// bytes (page-rounded), splitting it if larger than needed, growing the
// channel if nothing fits. The returned region's final page is zeroed for
// hygiene before handing it back, and refcount starts at 1.
func (c *Channel) Alloc(name string, length int) (offset int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	length = roundUp(length)
	if length == 0 {
		length = pageSize
	}

	e := c.firstFit(length)
	if e == nil {
		if err := c.growLocked(length); err != nil {
			return 0, err
		}
		e = c.firstFit(length)
		if e == nil {
			return 0, fmt.Errorf("channel: alloc %d bytes failed after growth", length)
		}
	}

	if e.length > length {
		c.split(e, length)
	}
	e.free = false
	e.refcount = 1
	e.name = name
	if name != "" {
		c.byName[name] = e
	}

	lastPage := e.start + e.length - pageSize
	for i := range c.mapping[lastPage : lastPage+pageSize] {
		c.mapping[lastPage+i] = 0
	}
	return e.start, nil
}

func (c *Channel) firstFit(length int) *extent {
	e := c.head
	for {
		if e.free && e.length >= length {
			return e
		}
		e = e.next
		if e == c.head {
			return nil
		}
	}
}

// split carves a used extent of exactly length bytes off the front of e,
// leaving the remainder as a new free extent.
func (c *Channel) split(e *extent, length int) {
	rest := &extent{
		start:  e.start + length,
		length: e.length - length,
		free:   true,
		prev:   e,
		next:   e.next,
	}
	e.next.prev = rest
	e.next = rest
	e.length = length
}

// Lookup returns the offset of the named extent, if any.
func (c *Channel) Lookup(name string) (offset int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return e.start, true
}

// AddRef increments the refcount of the extent at offset.
func (c *Channel) AddRef(offset int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.find(offset)
	if e == nil || e.free {
		return fmt.Errorf("channel: addref: no live extent at offset %d", offset)
	}
	e.refcount++
	return nil
}

// Rename changes the name an extent is looked up by.
func (c *Channel) Rename(old, new string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[old]
	if !ok {
		return fmt.Errorf("channel: rename: %q not found", old)
	}
	delete(c.byName, old)
	e.name = new
	c.byName[new] = e
	return nil
}

// Free decrements the refcount of the extent at offset, and when it drops
// to zero, marks it free and coalesces with adjacent free neighbors. A
// channel holding exactly one extent (the self-loop case) is handled by
// the prev/next identity check so it is never coalesced with itself.
func (c *Channel) Free(offset int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.find(offset)
	if e == nil || e.free {
		return fmt.Errorf("channel: free: no live extent at offset %d", offset)
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}

	e.free = true
	if e.name != "" {
		delete(c.byName, e.name)
		e.name = ""
	}

	// The list is a ring in address order: e.next == c.head means e is the
	// last extent and e == c.head means it is the first, so neither of
	// those wrap-around links joins two adjacent address ranges.
	if e.next != e && e.next != c.head && e.next.free {
		c.mergeNext(e)
	}
	if e.prev != e && e != c.head && e.prev.free {
		c.mergeNext(e.prev)
	}
	return nil
}

// mergeNext absorbs e.next into e. Caller must already hold c.mu and must
// have verified e.next != e (not a self-loop) and e.next.free.
func (c *Channel) mergeNext(e *extent) {
	n := e.next
	e.length += n.length
	e.next = n.next
	n.next.prev = e
	if c.head == n {
		c.head = e
	}
}

func (c *Channel) find(offset int) *extent {
	e := c.head
	for {
		if e.start == offset {
			return e
		}
		e = e.next
		if e == c.head {
			return nil
		}
	}
}

// growLocked doubles the channel at least enough to fit need more bytes:
// ftruncate the backing object larger, then mremap(MAYMOVE) the mapping,
// and append one new free extent for the added span. Caller holds c.mu.
func (c *Channel) growLocked(need int) error {
	newSize := c.size * 2
	for newSize-c.size < need {
		newSize *= 2
	}

	if err := unix.Ftruncate(c.fd, int64(newSize)); err != nil {
		return fmt.Errorf("channel: grow ftruncate to %d: %w", newSize, err)
	}
	newMapping, err := unix.Mremap(c.mapping, newSize, unix.MREMAP_MAYMOVE)
	if err != nil {
		return fmt.Errorf("channel: grow mremap to %d: %w", newSize, err)
	}
	c.mapping = newMapping

	added := &extent{start: c.size, length: newSize - c.size, free: true}
	tail := c.head.prev
	tail.next = added
	added.prev = tail
	added.next = c.head
	c.head.prev = added

	c.size = newSize
	metrics.ChannelArenaBytes.Set(float64(newSize))
	return nil
}

// Close unmaps the channel and closes its backing fd.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := unix.Munmap(c.mapping)
	unix.Close(c.fd)
	if c.tmpFile != nil {
		c.tmpFile.Close()
		os.Remove(c.tmpFile.Name())
	}
	return err
}
