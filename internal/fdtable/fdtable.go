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

// Package fdtable implements the Tracer's per-process virtual file
// descriptor table (spec.md §4.E): a tagged-union slot array mirroring the
// tracee's fd space, shared by reference across processes that share fds
// the way the kernel's CLONE_FILES does.
package fdtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cooperative-computing-lab/gotracer/internal/metrics"
)

// Kind tags what a slot represents.
type Kind int

const (
	// Empty is an unused slot.
	Empty Kind = iota
	// Special marks a reserved fd the tracee must never see directly
	// (the channel fd, a mount-cache lock fd).
	Special
	// Native marks a slot whose kernel fd the tracee's own syscalls can
	// address directly (a real open local file, a socket, a pipe).
	Native
	// Virtual marks a slot backed by a Tracer-side VirtualFile, fronted
	// by a placeholder kernel fd the Dispatcher allocated via
	// memfd_create or an anchor-directory openat+unlink.
	Virtual
)

// VirtualFile is the opaque per-backend file object a Virtual slot points
// at. Multiple slots (after dup) may share one VirtualFile; RefCount
// tracks that sharing.
type VirtualFile struct {
	Backend  string
	Handle   any
	Size     int64
	RefCount int32
}

// Retain increments the file object's refcount (used by Dup/Dup2/Fork).
func (f *VirtualFile) Retain() { atomic.AddInt32(&f.RefCount, 1) }

// Release decrements the refcount and reports whether it reached zero.
func (f *VirtualFile) Release() bool {
	return atomic.AddInt32(&f.RefCount, -1) == 0
}

// Slot is one entry in the table.
type Slot struct {
	Kind        Kind
	CloseOnExec bool
	NonBlock    bool // O_NONBLOCK: a backend would-block surfaces as -EAGAIN instead of parking
	NativeFD    int  // valid for Special/Native, and as the placeholder kernel fd for Virtual
	File        *VirtualFile
	Offset      int64 // current seek position for a Virtual regular file
	Path        string
}

// ErrBadFD is returned for operations on an out-of-range or Empty slot.
var ErrBadFD = fmt.Errorf("fdtable: bad file descriptor")

// Table is a fork/dup-safe array of slots, refcounted so fd-table sharing
// (CLONE_FILES) is just another owner pointing at the same *Table.
type Table struct {
	mu    sync.Mutex
	slots []Slot
	refs  int32
}

// New returns a Table with size slots, all Empty, and one reference.
func New(size int) *Table {
	return &Table{slots: make([]Slot, size), refs: 1}
}

// Share increments the table's reference count for a second owner
// (CLONE_FILES).
func (t *Table) Share() { atomic.AddInt32(&t.refs, 1) }

// Drop decrements the reference count; when it reaches zero the caller
// should stop using t. Dropping does not close slots or release their
// VirtualFile references.
func (t *Table) Drop() int32 { return atomic.AddInt32(&t.refs, -1) }

// Alloc finds the lowest-numbered Empty slot (POSIX's "lowest available
// fd" rule), marks it occupied with slot, and returns its number, growing
// the table if necessary.
func (t *Table) Alloc(slot Slot) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].Kind == Empty {
			t.slots[i] = slot
			metrics.OpenFileDescriptors.Inc()
			return i
		}
	}
	fd := len(t.slots)
	t.slots = append(t.slots, slot)
	metrics.OpenFileDescriptors.Inc()
	return fd
}

// AllocAt installs slot at exactly fd (used by dup2/dup3 semantics),
// closing whatever previously occupied fd first.
func (t *Table) AllocAt(fd int, slot Slot) error {
	if fd < 0 {
		return ErrBadFD
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.growTo(fd)
	if t.slots[fd].Kind != Empty {
		t.releaseLocked(&t.slots[fd])
	} else {
		metrics.OpenFileDescriptors.Inc()
	}
	t.slots[fd] = slot
	return nil
}

func (t *Table) growTo(fd int) {
	for len(t.slots) <= fd {
		t.slots = append(t.slots, Slot{})
	}
}

// Get returns a copy of the slot at fd.
func (t *Table) Get(fd int) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].Kind == Empty {
		return Slot{}, false
	}
	return t.slots[fd], true
}

// SetOffset updates the seek offset of a Virtual slot in place.
func (t *Table) SetOffset(fd int, offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].Kind == Empty {
		return ErrBadFD
	}
	t.slots[fd].Offset = offset
	return nil
}

// SetCloseOnExec implements fcntl(F_SETFD, FD_CLOEXEC).
func (t *Table) SetCloseOnExec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].Kind == Empty {
		return ErrBadFD
	}
	t.slots[fd].CloseOnExec = on
	return nil
}

// SetNonBlock implements fcntl(F_SETFL, O_NONBLOCK) for a fd already open.
func (t *Table) SetNonBlock(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].Kind == Empty {
		return ErrBadFD
	}
	t.slots[fd].NonBlock = on
	return nil
}

// Close releases fd: Virtual slots drop their VirtualFile refcount (the
// caller is expected to have already torn down the backend handle when
// the last reference goes away); Native/Special slots just mark Empty
// (the Dispatcher is responsible for actually closing the kernel fd).
func (t *Table) Close(fd int) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].Kind == Empty {
		return Slot{}, ErrBadFD
	}
	closed := t.slots[fd]
	t.releaseLocked(&t.slots[fd])
	return closed, nil
}

func (t *Table) releaseLocked(s *Slot) {
	if s.Kind != Empty {
		metrics.OpenFileDescriptors.Dec()
	}
	*s = Slot{}
}

// Dup duplicates oldfd onto the lowest free slot, per dup(2): the new
// descriptor never carries CLOEXEC regardless of oldfd's flag.
func (t *Table) Dup(oldfd int) (int, error) {
	t.mu.Lock()
	if oldfd < 0 || oldfd >= len(t.slots) || t.slots[oldfd].Kind == Empty {
		t.mu.Unlock()
		return -1, ErrBadFD
	}
	slot := t.slots[oldfd]
	slot.CloseOnExec = false
	if slot.File != nil {
		slot.File.Retain()
	}
	t.mu.Unlock()
	return t.Alloc(slot), nil
}

// Dup2 duplicates oldfd onto newfd (a no-op returning newfd if they're
// equal and oldfd is valid), per dup2(2).
func (t *Table) Dup2(oldfd, newfd int) (int, error) {
	return t.dup3(oldfd, newfd, false)
}

// Dup3 is Dup2 with an explicit CLOEXEC flag and a hard error when
// oldfd == newfd (matching dup3(2), which POSIX defines as always invalid
// in that case).
func (t *Table) Dup3(oldfd, newfd int, cloexec bool) (int, error) {
	if oldfd == newfd {
		return -1, fmt.Errorf("fdtable: dup3: oldfd == newfd is invalid")
	}
	return t.dup3(oldfd, newfd, cloexec)
}

func (t *Table) dup3(oldfd, newfd int, cloexec bool) (int, error) {
	if oldfd == newfd {
		if _, ok := t.Get(oldfd); !ok {
			return -1, ErrBadFD
		}
		return newfd, nil
	}
	t.mu.Lock()
	if oldfd < 0 || oldfd >= len(t.slots) || t.slots[oldfd].Kind == Empty {
		t.mu.Unlock()
		return -1, ErrBadFD
	}
	slot := t.slots[oldfd]
	slot.CloseOnExec = cloexec
	if slot.File != nil {
		slot.File.Retain()
	}
	t.mu.Unlock()

	if err := t.AllocAt(newfd, slot); err != nil {
		return -1, err
	}
	return newfd, nil
}

// Fork duplicates every occupied slot into a new Table (child inherits the
// whole fd space by default, per spec.md §4.F; CLONE_FILES sharing is
// handled by the caller calling Share instead of Fork).
func (t *Table) Fork() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := New(0)
	child.slots = make([]Slot, len(t.slots))
	for i, s := range t.slots {
		if s.File != nil {
			s.File.Retain()
		}
		child.slots[i] = s
		if s.Kind != Empty {
			metrics.OpenFileDescriptors.Inc()
		}
	}
	return child
}

// CloseOnExecSweep drops every slot whose CloseOnExec flag is set,
// implementing close_on_exec() from spec.md §4.E. It returns the closed
// slots so the Dispatcher can release their kernel fds/backend handles.
func (t *Table) CloseOnExecSweep() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var closed []Slot
	for i := range t.slots {
		if t.slots[i].Kind != Empty && t.slots[i].CloseOnExec {
			closed = append(closed, t.slots[i])
			t.releaseLocked(&t.slots[i])
		}
	}
	return closed
}
