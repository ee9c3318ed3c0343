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

//go:build linux && amd64

// Package dispatch is the Tracer's central component (spec.md §4.H): it is
// invoked once on syscall-entry and once on syscall-exit for every traced
// stop, and decides, per syscall number, whether the kernel does the real
// work (possibly against a namespace-rewritten path), whether the Tracer
// answers from its own state via a dummy-syscall diversion, or whether a
// backend call is needed first. Structurally this plays the role gcsfuse's
// fs.go plays for FUSE ops — one handler per operation number over a
// shared table of open-handle state — generalized from inode/handle
// numbers to syscall numbers and virtual fds.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/cooperative-computing-lab/gotracer/internal/channel"
	"github.com/cooperative-computing-lab/gotracer/internal/debugger"
	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/internal/metrics"
	"github.com/cooperative-computing-lab/gotracer/internal/proctable"
	"github.com/cooperative-computing-lab/gotracer/internal/scheduler"
	"github.com/cooperative-computing-lab/gotracer/internal/signals"
)

// Dispatcher holds everything the entry/exit actions need: the ptrace
// adapter, the shared I/O channel, the backend registry, the process
// table every per-pid lookup goes through, and the poll/sleep scheduler
// a blocked virtual-fd call parks itself in (spec.md §4.G).
type Dispatcher struct {
	Dbg       *debugger.Debugger
	Channel   *channel.Channel
	Backends  *backend.Registry
	Procs     *proctable.Table
	Interrupt *signals.Interruptible
	Sched     *scheduler.Scheduler

	mu      sync.Mutex
	pending map[int]*pendingCall
}

// New returns a ready Dispatcher.
func New(dbg *debugger.Debugger, ch *channel.Channel, backends *backend.Registry, procs *proctable.Table, sched *scheduler.Scheduler) *Dispatcher {
	return &Dispatcher{
		Dbg:       dbg,
		Channel:   ch,
		Backends:  backends,
		Procs:     procs,
		Interrupt: signals.NewInterruptible(),
		Sched:     sched,
		pending:   make(map[int]*pendingCall),
	}
}

// pendingCall is the per-pid bookkeeping an entry action leaves for the
// matching exit action to finish, pruned once exit processing consumes it.
type pendingCall struct {
	nr uint64

	// dummyDiverted records that entry rewrote Orig_rax to
	// debugger.DummySyscallNr; exit must restore nr and force result.
	dummyDiverted bool
	result        int64
	haveResult    bool

	// channel-mediated read/write bookkeeping.
	fd            int  // the virtual fd this call targets, for offset bookkeeping on exit
	isPositioned  bool // true for pread64/pwrite64: don't advance slot.Offset
	channelOffset int
	channelLen    int
	vfile         *fdtable.VirtualFile
	writeToVFile  bool  // exit must flush channel bytes to the backend
	writeOffset   int64 // backend offset to write at, valid when writeToVFile
	placeholderFD int   // the kernel fd the Dispatcher is tracking for open/openat

	// open/openat bookkeeping.
	openingVirtual bool
	openBackend    backend.Backend
	openHandle     any
	openCloseExec  bool
	openFlags      int

	// fork/clone bookkeeping.
	forking     bool
	cloneFlags  uint64
	parentPid   int

	// execve bookkeeping.
	execving bool

	scratchAddr uintptr
	scratchLen  int

	// blockedStage records which half of a virtual-fd call ("read" or
	// "write") RetryBlocked must re-enter once the scheduler wakes pid
	// from WaitRead/WaitWrite; the fields below it are the read retry's
	// own bookkeeping (the write retry reuses channelOffset/channelLen/
	// writeOffset/vfile, already set at entry).
	blockedStage    string
	blockedLength   int
	blockedOffset   int64
	blockedDestAddr uint64
}

// warnedUnknown holds the syscall numbers HandleEntry has already logged
// as unrecognized.
var warnedUnknown sync.Map

// HandleEntry runs the entry action for pid's pending syscall stop,
// switching on syscall number per spec.md §4.H.
func (d *Dispatcher) HandleEntry(ctx context.Context, pid int) error {
	regs, err := d.Dbg.GetRegs(pid)
	if err != nil {
		return fmt.Errorf("dispatch: getregs entry pid %d: %w", pid, err)
	}
	nr := SyscallNumber(regs)

	proc, ok := d.Procs.Get(pid)
	if !ok {
		return fmt.Errorf("dispatch: entry for untracked pid %d", pid)
	}
	proc.State = proctable.Kernel

	pc := &pendingCall{nr: nr}
	d.setPending(pid, pc)

	switch {
	case pureSyscalls[nr]:
		d.entryPure(pid, &regs, pc, proc)
	case pathSyscalls[nr]:
		d.entryPath(ctx, pid, &regs, pc, proc)
	case fdSyscalls[nr]:
		d.entryFD(ctx, pid, &regs, pc, proc)
	case nr == SYS_DUP || nr == SYS_DUP2 || nr == SYS_DUP3:
		d.entryDup(pid, &regs, pc, proc)
	case nr == SYS_CLOSE:
		d.entryClose(pid, &regs, pc, proc)
	case nr == SYS_FORK || nr == SYS_VFORK || nr == SYS_CLONE:
		d.entryFork(pid, &regs, pc, proc)
	case nr == SYS_EXECVE:
		d.entryExecve(ctx, pid, &regs, pc, proc)
	case nr == SYS_MMAP:
		d.entryMmap(pid, &regs, pc, proc)
	case passthroughSyscalls[nr]:
		// select/poll/ppoll/pselect6/epoll_* etc.: Tracer-owned fds never
		// appear in these sets (virtual fds are never polled directly), so
		// the real call is simply let through.
	case adminSyscalls[nr]:
		d.entryDenyWithErrno(&regs, pc, int(syscall.EPERM))
	case obsoleteSyscalls[nr]:
		d.entryDenyWithErrno(&regs, pc, int(syscall.ENOSYS))
	default:
		// Unknown syscalls are let through to the kernel, with a warning
		// logged the first time each number is seen; refusing outright
		// would break tracees that use syscalls this table hasn't been
		// taught about yet.
		if _, seen := warnedUnknown.LoadOrStore(nr, true); !seen {
			logger.Warnf("dispatch: unrecognized syscall %d from pid %d", nr, pid)
		}
	}

	if err := d.Dbg.SetRegs(pid, &regs); err != nil {
		return fmt.Errorf("dispatch: setregs entry pid %d: %w", pid, err)
	}
	metrics.SyscallsDispatched.WithLabelValues(syscallName(nr), "entry").Inc()
	return nil
}

// HandleExit runs the exit action for pid's syscall stop.
func (d *Dispatcher) HandleExit(ctx context.Context, pid int) error {
	regs, err := d.Dbg.GetRegs(pid)
	if err != nil {
		return fmt.Errorf("dispatch: getregs exit pid %d: %w", pid, err)
	}

	pc := d.takePending(pid)
	proc, ok := d.Procs.Get(pid)
	if !ok {
		return fmt.Errorf("dispatch: exit for untracked pid %d", pid)
	}
	proc.State = proctable.User

	if pc == nil {
		return nil
	}

	switch {
	case pc.openingVirtual:
		d.exitOpenVirtual(pid, &regs, pc, proc)
	case pc.channelLen > 0:
		d.exitChannelIO(ctx, &regs, pc, proc)
	case pc.forking:
		d.exitFork(&regs, pc, proc)
	case pc.execving:
		d.exitExecve(&regs, pc, proc)
	}

	if pc.dummyDiverted {
		regs.Orig_rax = pc.nr
		if pc.haveResult {
			SetSyscallReturn(&regs, pc.result)
		}
	}

	if err := d.Dbg.SetRegs(pid, &regs); err != nil {
		return fmt.Errorf("dispatch: setregs exit pid %d: %w", pid, err)
	}
	metrics.SyscallsDispatched.WithLabelValues(syscallName(pc.nr), "exit").Inc()
	return nil
}

// PendingCloneFlags returns the clone flags entryFork recorded for pid's
// in-flight fork/vfork/clone call, if one is still outstanding. The
// Tracer's main loop needs this to register a new child's process-table
// row from the parent's PTRACE_EVENT_{FORK,VFORK,CLONE} stop when that
// stop arrives before the ordinary syscall-exit stop exitFork normally
// runs on (spec.md §5's fork/clone ordering race).
func (d *Dispatcher) PendingCloneFlags(pid int) (flags uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[pid]
	if !ok || !pc.forking {
		return 0, false
	}
	return pc.cloneFlags, true
}

func (d *Dispatcher) setPending(pid int, pc *pendingCall) {
	d.mu.Lock()
	d.pending[pid] = pc
	d.mu.Unlock()
}

func (d *Dispatcher) takePending(pid int) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc := d.pending[pid]
	delete(d.pending, pid)
	return pc
}

// entryDenyWithErrno diverts the call to a dummy and pre-sets the result
// to -errno, used for kernel-admin and obsolete syscalls.
func (d *Dispatcher) entryDenyWithErrno(regs *syscall.PtraceRegs, pc *pendingCall, errno int) {
	debugger.DivertToDummy(regs)
	pc.dummyDiverted = true
	pc.haveResult = true
	pc.result = int64(-errno)
}

// scratchBelowStack returns an address in the tracee's red zone / unused
// stack slack the Dispatcher can scribble staged arguments into without
// clobbering anything live: 1 KiB below the current stack pointer, well
// past the 128-byte x86-64 System V red zone.
func scratchBelowStack(regs syscall.PtraceRegs) uintptr {
	return uintptr(regs.Rsp) - 1024
}

func syscallName(nr uint64) string {
	if name, ok := syscallNames[nr]; ok {
		return name
	}
	return fmt.Sprintf("sys_%d", nr)
}
