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

// Package proctable implements the Tracer's process table (spec.md §4.F):
// one record per traced pid, holding the fd table, namespace, credentials,
// and dispatch state that follow that pid across fork/clone/exec.
package proctable

import (
	"sync"

	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/metrics"
	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
	"golang.org/x/sys/unix"
)

// State is the Dispatcher's four-way per-process state, per spec.md §4.H.
type State int

const (
	Kernel State = iota
	User
	WaitRead
	WaitWrite
)

func (s State) String() string {
	switch s {
	case Kernel:
		return "kernel"
	case User:
		return "user"
	case WaitRead:
		return "wait-read"
	case WaitWrite:
		return "wait-write"
	default:
		return "unknown"
	}
}

// Credentials is the classic real/effective/saved uid or gid triple.
type Credentials struct {
	Real, Effective, Saved int
}

// Process is one row of the table.
type Process struct {
	Pid, Tgid, Ppid int
	ThreadGroupLead bool

	UID, GID Credentials

	FDs *fdtable.Table
	NS  *namespace.Namespace

	// ChannelFD is the fd number through which this specific process sees
	// the Tracer's shared I/O channel (spec.md §4.B); it is the same
	// integer across every process in a launch tree unless a later dup2
	// onto that number forced a Dispatcher-side renumbering, so it is
	// propagated unchanged across fork/clone.
	ChannelFD int

	State State

	// WaitFD is the fd a process parked in WaitRead/WaitWrite is waiting
	// on; the Dispatcher sets it when it parks the process.
	WaitFD int
}

// Table is a pid-keyed process table. spec.md calls for "dense by pid,
// O(1) expected lookup"; a plain map achieves the O(1) expectation without
// a pid-indexed array that would need resizing on every new top-level pid
// (pids are not contiguous nor bounded once initial fork descendants
// exit and the kernel recycles numbers).
type Table struct {
	mu   sync.RWMutex
	rows map[int]*Process
}

// New returns an empty table.
func New() *Table {
	return &Table{rows: make(map[int]*Process)}
}

// Add inserts p, keyed by p.Pid.
func (t *Table) Add(p *Process) {
	t.mu.Lock()
	t.rows[p.Pid] = p
	t.mu.Unlock()
	metrics.TracedProcesses.Inc()
}

// Get returns the row for pid, if any.
func (t *Table) Get(pid int) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.rows[pid]
	return p, ok
}

// Snapshot returns a point-in-time listing of every live pid's state, for
// the crash-diagnostic writer (cmd.CrashWriter) to dump when a run panics.
// The copy is taken under the read lock so a concurrent fork/exit can't
// race the caller's formatting.
func (t *Table) Snapshot() []ProcessSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProcessSummary, 0, len(t.rows))
	for _, p := range t.rows {
		out = append(out, ProcessSummary{
			Pid: p.Pid, Ppid: p.Ppid, Tgid: p.Tgid,
			Lead: p.ThreadGroupLead, State: p.State, ChannelFD: p.ChannelFD,
		})
	}
	return out
}

// ProcessSummary is the subset of a Process row worth dumping in a crash
// report; it omits the fd table and namespace, which print their own
// detail elsewhere.
type ProcessSummary struct {
	Pid, Ppid, Tgid int
	Lead            bool
	State           State
	ChannelFD       int
}

// Remove deletes pid's row, e.g. on process exit.
func (t *Table) Remove(pid int) {
	t.mu.Lock()
	_, existed := t.rows[pid]
	delete(t.rows, pid)
	t.mu.Unlock()
	if existed {
		metrics.TracedProcesses.Dec()
	}
}

// Fork builds childPid's row from parent per the clone(2) flags: the fd
// table is shared (CLONE_FILES) or forked (default, full copy); the
// thread group id follows the parent's tgid under CLONE_THREAD, else the
// child becomes its own thread-group leader; the namespace is shared
// under CLONE_FS, else COW-forked. Credentials always propagate unchanged (fork/clone do not
// themselves change identity).
func (t *Table) Fork(parent *Process, childPid int, cloneFlags uint64) *Process {
	child := &Process{
		Pid:       childPid,
		UID:       parent.UID,
		GID:       parent.GID,
		ChannelFD: parent.ChannelFD,
	}

	if cloneFlags&unix.CLONE_FILES != 0 {
		parent.FDs.Share()
		child.FDs = parent.FDs
	} else {
		child.FDs = parent.FDs.Fork()
	}

	if cloneFlags&unix.CLONE_THREAD != 0 {
		child.Tgid = parent.Tgid
		child.ThreadGroupLead = false
	} else {
		child.Tgid = childPid
		child.ThreadGroupLead = true
		child.Ppid = parent.Pid
	}

	if cloneFlags&unix.CLONE_FS != 0 {
		parent.NS.ShareNS()
		child.NS = parent.NS
	} else {
		child.NS = parent.NS.ForkNS()
	}

	t.Add(child)
	return child
}

// ErrPermissionDenied is the fake-identity-change failure outcome; the
// dispatcher maps it to -EPERM.
var ErrPermissionDenied = permError{}

type permError struct{}

func (permError) Error() string { return "proctable: operation not permitted" }

// SetUID implements the fake set*uid semantics of spec.md §4.F: the
// change succeeds either when the process is privileged (any member of
// the current uid triple is 0) or when every requested value already
// appears somewhere in the current triple; a no-op (new triple equals the
// current one) always succeeds, even without privilege. Any -1 component
// means "leave unchanged".
func (p *Process) SetUID(real, effective, saved int) error {
	next, err := rebuildTriple(p.UID, real, effective, saved)
	if err != nil {
		return err
	}
	p.UID = next
	return nil
}

// SetGID is SetUID's analogue for the gid triple.
func (p *Process) SetGID(real, effective, saved int) error {
	next, err := rebuildTriple(p.GID, real, effective, saved)
	if err != nil {
		return err
	}
	p.GID = next
	return nil
}

func rebuildTriple(cur Credentials, real, effective, saved int) (Credentials, error) {
	next := cur
	if real >= 0 {
		next.Real = real
	}
	if effective >= 0 {
		next.Effective = effective
	}
	if saved >= 0 {
		next.Saved = saved
	}

	if next == cur {
		return next, nil
	}
	if cur.Real == 0 || cur.Effective == 0 || cur.Saved == 0 {
		return next, nil
	}
	if drawnFromTriple(cur, next.Real) && drawnFromTriple(cur, next.Effective) && drawnFromTriple(cur, next.Saved) {
		return next, nil
	}
	return cur, ErrPermissionDenied
}

func drawnFromTriple(cur Credentials, v int) bool {
	return v == cur.Real || v == cur.Effective || v == cur.Saved
}
