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

package dispatch

import (
	"context"
	"syscall"

	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/internal/metrics"
	"github.com/cooperative-computing-lab/gotracer/internal/proctable"
	"golang.org/x/sys/unix"
)

// exitOpenVirtual runs after the memfd_create the entry action retargeted
// open/openat onto has actually returned: the kernel's result is a real,
// distinct fd in the tracee, which becomes the virtual slot's placeholder
// fd number (spec.md §4.E).
func (d *Dispatcher) exitOpenVirtual(pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	result := SyscallReturn(*regs)
	if result < 0 {
		if pc.openBackend != nil && pc.openHandle != nil {
			_ = pc.openBackend.Close(context.Background(), pc.openHandle)
		}
		return
	}

	fd := int(result)
	if err := proc.FDs.AllocAt(fd, fdtable.Slot{
		Kind:        fdtable.Virtual,
		NativeFD:    fd,
		File:        pc.vfile,
		CloseOnExec: pc.openCloseExec,
		NonBlock:    pc.openFlags&unix.O_NONBLOCK != 0,
	}); err != nil {
		logger.Warnf("dispatch: registering virtual fd %d for pid %d: %v", fd, pid, err)
	}
}

// exitChannelIO runs after a channel-retargeted read or write syscall has
// actually completed against the channel fd. A read's bytes already
// landed in the tracee's own buffer (the kernel did that as part of the
// retargeted pread64); what is left is advancing a non-positioned read's
// seek offset and releasing the arena extent. A write's
// bytes landed in the arena and must be forwarded to the backend before
// the extent is released, and the syscall's apparent return value and
// the virtual fd's seek offset must reflect how many bytes the backend
// actually accepted, not how many the kernel copied into the arena.
func (d *Dispatcher) exitChannelIO(ctx context.Context, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	copied := SyscallReturn(*regs)
	if copied < 0 {
		if err := d.Channel.Free(pc.channelOffset); err != nil {
			logger.Warnf("dispatch: freeing channel extent %d: %v", pc.channelOffset, err)
		}
		return
	}

	if !pc.writeToVFile {
		metrics.ChannelBytesTransferred.WithLabelValues("read").Add(float64(copied))
		if !pc.isPositioned {
			_ = proc.FDs.SetOffset(pc.fd, offsetAfter(proc, pc.fd, copied))
		}
		if err := d.Channel.Free(pc.channelOffset); err != nil {
			logger.Warnf("dispatch: freeing channel extent %d: %v", pc.channelOffset, err)
		}
		return
	}

	// The kernel has already copied the tracee's bytes into the channel
	// extent; flushWrite pushes them to the backend, parking pid in
	// WaitWrite instead of failing the call if the backend would block.
	d.flushWrite(ctx, regs, pc, proc)
}

// exitExecve runs on the stop following a rewritten execve. A negative
// result means the new image never started (the rewritten exe/argv was
// bad, or the kernel itself refused it); nothing needs undoing since the
// rewrite only wrote into scratch memory below the stack. A non-negative
// result means the new image is running: every fd table slot marked
// CLOEXEC must be closed now, mirroring the kernel's own close-on-exec
// sweep (spec.md §4.E, §4.H's execve finalize step).
func (d *Dispatcher) exitExecve(regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	if SyscallReturn(*regs) < 0 {
		return
	}
	for _, slot := range proc.FDs.CloseOnExecSweep() {
		if slot.Kind == fdtable.Virtual && slot.File != nil && slot.File.Release() {
			be, err := d.Backends.Lookup(slot.File.Backend)
			if err == nil {
				_ = be.Close(context.Background(), slot.File.Handle)
			}
		}
	}
}

// offsetAfter returns fd's seek position advanced by n bytes, used to
// update a non-positioned read/write's slot offset after the fact (the
// entry action staged the call before knowing how many bytes the kernel
// or backend actually transferred).
func offsetAfter(proc *proctable.Process, fd int, n int64) int64 {
	slot, ok := proc.FDs.Get(fd)
	if !ok {
		return n
	}
	return slot.Offset + n
}

// exitFork runs once fork/vfork/clone has actually returned in the parent
// (the child stop is a separate ptrace event the debugger's wait loop
// delivers on its own): the new pid becomes a row in the process table,
// inheriting fd table, namespace, and credentials per proctable.Fork's
// clone-flag-aware rules (spec.md §4.F).
func (d *Dispatcher) exitFork(regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	result := SyscallReturn(*regs)
	if result <= 0 {
		return
	}
	childPid := int(result)
	if _, exists := d.Procs.Get(childPid); exists {
		return
	}
	child := d.Procs.Fork(proc, childPid, pc.cloneFlags)
	// The child has not made a syscall yet; its next ptrace stop is an
	// entry, matching the User->Kernel->User cycle HandleEntry/HandleExit
	// drive off of.
	child.State = proctable.User
}
