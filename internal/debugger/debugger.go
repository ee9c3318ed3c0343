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

// Package debugger is the ptrace(2) adapter: it launches or attaches to a
// tracee, drives the PTRACE_SYSCALL stop/continue loop, and moves registers
// and memory between the Tracer and the tracee's address space. Everything
// above this package works in terms of syscall numbers and register values;
// nothing above it calls into syscall/unix directly.
package debugger

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ptraceFlags mirrors the options the teacher's CWS ptracer sets: trace
// through fork/vfork/clone and exec, and tag syscall-stops with bit 0x80
// so they're distinguishable from other SIGTRAP stops.
const ptraceFlags = unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACESYSGOOD

// Debugger owns the OS thread running the ptrace loop. ptrace's calling
// thread must be the one that attached, so every method here must run on
// the goroutine that called Launch/Attach (callers are expected to have
// called runtime.LockOSThread, normally done once by internal/tracer).
type Debugger struct{}

// New returns a Debugger. Construction does not touch any process.
func New() *Debugger { return &Debugger{} }

// Launch starts path with args/env under ptrace and returns once the
// tracee has stopped at its own exec (the traditional PTRACE_TRACEME
// handshake): fork, child calls PTRACE_TRACEME then execve, the resulting
// SIGTRAP stop is consumed here before options are set. extraFiles, if
// given, are inherited starting at fd 3 (exec.Cmd's own convention); the
// Tracer uses this to hand the root tracee its I/O channel fd without any
// ptrace-side fd injection.
func (d *Debugger) Launch(path string, args []string, env []string, extraFiles ...*os.File) (pid int, err error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("debugger: launch %s: %w", path, err)
	}
	pid = cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("debugger: initial wait4 on %d: %w", pid, err)
	}
	if err := syscall.PtraceSetOptions(pid, ptraceFlags); err != nil {
		return 0, fmt.Errorf("debugger: setoptions on %d: %w", pid, err)
	}
	return pid, nil
}

// Attach attaches to an already-running pid (used for processes the
// tracee forks outside the exec-rewrite path, or manual re-attach after a
// detach).
func (d *Debugger) Attach(pid int) error {
	if err := syscall.PtraceAttach(pid); err != nil {
		return fmt.Errorf("debugger: attach %d: %w", pid, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("debugger: wait4 after attach %d: %w", pid, err)
	}
	return syscall.PtraceSetOptions(pid, ptraceFlags)
}

// Detach releases pid back to running freely.
func (d *Debugger) Detach(pid int) error {
	return syscall.PtraceDetach(pid)
}

// Event is one stop reported by Wait.
type Event struct {
	Pid    int
	Status syscall.WaitStatus
	// TrapCause is one of the PTRACE_EVENT_* constants when Status reports
	// a SIGTRAP stop carrying ptrace-event information (fork/exec/etc.),
	// else 0.
	TrapCause int
}

// Wait blocks for the next stop from any traced pid (wait4(-1, ...)), per
// spec.md's per-process Kernel/User/Wait* state machine driving off a
// single waitpid loop.
func (d *Debugger) Wait() (Event, error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &ws, 0, nil)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Pid: pid, Status: ws}
	if ws.Stopped() && ws.StopSignal() == syscall.SIGTRAP {
		ev.TrapCause = ws.TrapCause()
	}
	return ev, nil
}

// Exited reports whether ev represents process termination (normal exit,
// core dump, or fatal signal).
func (ev Event) Exited() bool {
	return ev.Status.Exited() || ev.Status.CoreDump() || ev.Status.Signaled()
}

// IsSyscallStop reports whether ev is a syscall-entry/exit stop as opposed
// to a group-stop or a genuine signal delivery, using the TRACESYSGOOD tag
// bit (SIGTRAP | 0x80).
func (ev Event) IsSyscallStop() bool {
	return ev.Status.Stopped() && ev.Status.StopSignal() == syscall.SIGTRAP|0x80
}

// WaitNoHang polls for the next stop without blocking (wait4(-1,
// WNOHANG, ...)). ok is false when no pid had a stop waiting; used by the
// Tracer to drain genuine ptrace activity that queued up while it was
// asleep in the scheduler's poll/sleep loop (spec.md §4.G) so a parked
// pid never starves an unrelated one.
func (d *Debugger) WaitNoHang() (ev Event, ok bool, err error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
	if err != nil {
		return Event{}, false, err
	}
	if pid <= 0 {
		return Event{}, false, nil
	}
	ev = Event{Pid: pid, Status: ws}
	if ws.Stopped() && ws.StopSignal() == syscall.SIGTRAP {
		ev.TrapCause = ws.TrapCause()
	}
	return ev, true, nil
}

// ContinueToSyscall resumes pid until its next syscall-enter or -exit
// stop, forwarding sig (0 for none) as the teacher's trace loop does.
func (d *Debugger) ContinueToSyscall(pid int, sig int) error {
	return syscall.PtraceSyscall(pid, sig)
}

// Cont resumes pid without stopping at syscalls, for the rare case where
// the Tracer wants the tracee to run free until the next signal or exit.
func (d *Debugger) Cont(pid int, sig int) error {
	return syscall.PtraceCont(pid, sig)
}

// EventMessage returns the auxiliary value attached to a PTRACE_EVENT_*
// stop: the new pid for fork/vfork/clone events.
func (d *Debugger) EventMessage(pid int) (uint, error) {
	return syscall.PtraceGetEventMsg(pid)
}

// GetRegs reads pid's general-purpose registers.
func (d *Debugger) GetRegs(pid int) (syscall.PtraceRegs, error) {
	var regs syscall.PtraceRegs
	err := syscall.PtraceGetRegs(pid, &regs)
	return regs, err
}

// SetRegs writes pid's general-purpose registers.
func (d *Debugger) SetRegs(pid int, regs *syscall.PtraceRegs) error {
	return syscall.PtraceSetRegs(pid, regs)
}

// Kill sends sig directly to pid (bypassing the tracee's own kill
// syscall), used by the signal/kill plumbing component.
func (d *Debugger) Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
