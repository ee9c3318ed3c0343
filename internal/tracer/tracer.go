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

// Package tracer wires every other component (the Debugger, the shared
// I/O channel, the backend registry, the process table, the Dispatcher)
// into the Tracer's single-threaded wait/dispatch main loop, and owns the
// process-level concerns nothing below it should know about: launching
// the initial tracee, the fork/clone stop-ordering race of spec.md §5, and
// the Tracer's own signal handling.
package tracer

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/cooperative-computing-lab/gotracer/cfg"
	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/cooperative-computing-lab/gotracer/internal/backend/httpfs"
	"github.com/cooperative-computing-lab/gotracer/internal/backend/lcache"
	"github.com/cooperative-computing-lab/gotracer/internal/backend/local"
	"github.com/cooperative-computing-lab/gotracer/internal/channel"
	"github.com/cooperative-computing-lab/gotracer/internal/debugger"
	"github.com/cooperative-computing-lab/gotracer/internal/dispatch"
	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/internal/mountcache"
	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
	"github.com/cooperative-computing-lab/gotracer/internal/proctable"
	"github.com/cooperative-computing-lab/gotracer/internal/scheduler"
	"github.com/cooperative-computing-lab/gotracer/internal/signals"
	"golang.org/x/sys/unix"
)

const (
	channelInitialSize  = 4 << 20
	defaultFDTableSize  = 64
	schedulerMaxEntries = 4096
	rootChannelFD       = 3 // exec.Cmd.ExtraFiles' first slot
)

// Reason tags for the exit-status file (spec.md §6).
const (
	ReasonNormal   = "normal"
	ReasonAbnormal = "abnormal"
	ReasonNoFork   = "nofork"
	ReasonNoExec   = "noexec"
	ReasonNoAttach = "noattach"
)

// Result is the outcome of Run: the exit-status file's two lines, and the
// process exit code the CLI front-end should actually return.
type Result struct {
	Reason   string
	Status   int
	ExitCode int
}

// Tracer owns every long-lived component and drives the wait/dispatch
// loop. One Tracer traces exactly one launch tree.
type Tracer struct {
	cfg      *cfg.Config
	dbg      *debugger.Debugger
	ch       *channel.Channel
	backends *backend.Registry
	procs    *proctable.Table
	disp     *dispatch.Dispatcher
	sched    *scheduler.Scheduler
	mcache   *mountcache.Cache
	rootNS   *namespace.Namespace

	rootPid     int
	pids        map[int]struct{}
	fatalSignal int32 // atomic; set by the signal-watching goroutine
}

// New builds every component from c, ready for Run. It does not launch or
// attach to anything yet.
func New(c *cfg.Config) (*Tracer, error) {
	mounts, err := cfg.MountEntries(c)
	if err != nil {
		return nil, err
	}

	tempDir := c.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	ch, err := channel.New(channelInitialSize, tempDir)
	if err != nil {
		return nil, err
	}

	mc, err := mountcache.New(tempDir + "/gotracer-cache")
	if err != nil {
		ch.Close()
		return nil, err
	}

	localBackend := local.New()
	remoteBackend := httpfs.New()
	backends := backend.NewRegistry()
	backends.Register(localBackend)
	backends.Register(remoteBackend)
	backends.Register(lcache.New(localBackend, remoteBackend))

	procs := proctable.New()
	dbg := debugger.New()
	sched := scheduler.New(schedulerMaxEntries)
	disp := dispatch.New(dbg, ch, backends, procs, sched)

	return &Tracer{
		cfg:      c,
		dbg:      dbg,
		ch:       ch,
		backends: backends,
		procs:    procs,
		disp:     disp,
		sched:    sched,
		mcache:   mc,
		rootNS:   namespace.New(mounts),
		pids:     make(map[int]struct{}),
	}, nil
}

// Close releases the Tracer's own resources (the channel arena). Process
// table rows are not its concern once Run has returned.
func (t *Tracer) Close() error {
	return t.ch.Close()
}

// Procs exposes the process table for diagnostics (cmd.CrashWriter's
// panic-time dump); Run itself is the only other writer.
func (t *Tracer) Procs() *proctable.Table {
	return t.procs
}

// Run launches argv[0] with the remaining elements as its arguments, traces
// it and everything it forks or execs to completion, and reports how the
// root process ended.
func (t *Tracer) Run(ctx context.Context, argv []string) Result {
	if len(argv) == 0 {
		return Result{Reason: ReasonNoExec, Status: -1, ExitCode: 1}
	}

	pid, err := t.dbg.Launch(argv[0], argv[1:], os.Environ(), t.ch.File())
	if err != nil {
		logger.Errorf("tracer: launch %s: %v", argv[0], err)
		return Result{Reason: ReasonNoExec, Status: -1, ExitCode: 1}
	}
	t.rootPid = pid
	t.registerRoot(pid)

	if err := t.dbg.ContinueToSyscall(pid, 0); err != nil {
		logger.Errorf("tracer: initial continue on %d: %v", pid, err)
		return Result{Reason: ReasonNoAttach, Status: -1, ExitCode: 1}
	}

	t.watchSignals()

	result := Result{Reason: ReasonAbnormal, Status: -1, ExitCode: 1}
	// A child's very own first ptrace stop (after fork/vfork/clone) can
	// arrive before the parent's event-stop registers it; hold such
	// stops here until registration catches up (spec.md §5).
	awaitingRegistration := make(map[int]bool)
	done := false

	for !done {
		if sig := atomic.LoadInt32(&t.fatalSignal); sig != 0 {
			t.killAll()
			return Result{Reason: ReasonAbnormal, Status: int(sig), ExitCode: 128 + int(sig)}
		}

		// A pid parked in WaitRead/WaitWrite (spec.md §4.G) takes priority
		// over the blocking wait4 below: it has no ptrace stop pending, so
		// dbg.Wait would never notice it needs retrying.
		if !t.sched.Empty() {
			t.drainScheduler(ctx, &result, awaitingRegistration, &done)
			continue
		}

		ev, err := t.dbg.Wait()
		if err != nil {
			if err == syscall.ECHILD {
				break
			}
			if err == syscall.EINTR {
				continue
			}
			logger.Warnf("tracer: wait4: %v", err)
			continue
		}
		t.handleEvent(ctx, ev, &result, awaitingRegistration, &done)
	}

	return result
}

// handleEvent runs the full per-stop handling the main loop and the
// scheduler's non-blocking drain share: exit bookkeeping, the fork/clone
// stop-ordering race, syscall entry/exit dispatch (skipping the resume
// when dispatch has parked the pid in WaitRead/WaitWrite), and plain
// signal-delivery forwarding.
func (t *Tracer) handleEvent(ctx context.Context, ev debugger.Event, result *Result, awaitingRegistration map[int]bool, done *bool) {
	if ev.Exited() {
		reason, status := exitOutcome(ev.Status)
		if ev.Pid == t.rootPid {
			*result = Result{Reason: reason, Status: status, ExitCode: exitCode(ev.Status)}
		}
		t.release(ev.Pid)
		if len(t.pids) == 0 {
			*done = true
		}
		return
	}

	proc, known := t.procs.Get(ev.Pid)
	if !known {
		awaitingRegistration[ev.Pid] = true
		return
	}

	switch ev.TrapCause {
	case syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK, syscall.PTRACE_EVENT_CLONE:
		if msg, err := t.dbg.EventMessage(ev.Pid); err == nil {
			childPid := int(msg)
			t.ensureChild(proc, childPid)
			if awaitingRegistration[childPid] {
				delete(awaitingRegistration, childPid)
				if err := t.dbg.ContinueToSyscall(childPid, 0); err != nil {
					logger.Warnf("tracer: resuming registered child %d: %v", childPid, err)
				}
			}
		} else {
			logger.Warnf("tracer: event message for %d: %v", ev.Pid, err)
		}
		if err := t.dbg.ContinueToSyscall(ev.Pid, 0); err != nil {
			logger.Warnf("tracer: resuming %d after fork event: %v", ev.Pid, err)
		}
		return
	}

	if ev.IsSyscallStop() || ev.TrapCause == syscall.PTRACE_EVENT_EXEC {
		var dispatchErr error
		if proc.State == proctable.User {
			dispatchErr = t.disp.HandleEntry(ctx, ev.Pid)
		} else {
			dispatchErr = t.disp.HandleExit(ctx, ev.Pid)
		}
		if dispatchErr != nil {
			logger.Warnf("tracer: dispatch %d: %v", ev.Pid, dispatchErr)
		}
		// A channel read/write that would have blocked leaves proc parked
		// rather than resumable; it stays stopped until the scheduler wakes
		// it and RetryBlocked either resumes it or parks it again.
		if proc.State == proctable.WaitRead || proc.State == proctable.WaitWrite {
			return
		}
		if err := t.dbg.ContinueToSyscall(ev.Pid, 0); err != nil {
			logger.Warnf("tracer: resuming %d: %v", ev.Pid, err)
		}
		return
	}

	// A plain signal-delivery stop (or a registered-but-not-yet-seen
	// child's own first stop): forward any real signal and resume.
	sig := 0
	if s := ev.Status.StopSignal(); s != 0 && s != syscall.SIGTRAP {
		sig = int(s)
	}
	if err := t.dbg.ContinueToSyscall(ev.Pid, sig); err != nil {
		logger.Warnf("tracer: resuming %d after signal stop: %v", ev.Pid, err)
	}
}

// drainScheduler services every pid the scheduler reports ready (spec.md
// §4.G's wakeup side of the WaitRead|WaitWrite -> Kernel transition in
// §4.H), then drains any real ptrace stops that queued up on other pids
// while it slept, feeding each through the same handling the main loop
// uses so a parked pid's retry cadence never starves genuine progress
// elsewhere.
func (t *Tracer) drainScheduler(ctx context.Context, result *Result, awaitingRegistration map[int]bool, done *bool) {
	woken, err := t.sched.Sleep()
	if err != nil {
		logger.Warnf("tracer: scheduler sleep: %v", err)
	}
	for _, pid := range woken {
		t.sched.RemoveFDWait(pid)
		t.sched.RemoveTimeWait(pid)
		retryDone, err := t.disp.RetryBlocked(ctx, pid)
		if err != nil {
			logger.Warnf("tracer: retrying parked pid %d: %v", pid, err)
			continue
		}
		if retryDone {
			if err := t.dbg.ContinueToSyscall(pid, 0); err != nil {
				logger.Warnf("tracer: resuming %d after retry: %v", pid, err)
			}
		}
	}

	for {
		ev, ok, err := t.dbg.WaitNoHang()
		if err != nil || !ok {
			return
		}
		t.handleEvent(ctx, ev, result, awaitingRegistration, done)
	}
}

// registerRoot builds the process-table row for the initially launched
// tracee: its own fd table, the Tracer's root namespace, and the channel
// fd exec.Cmd delivered via ExtraFiles.
func (t *Tracer) registerRoot(pid int) {
	uid, gid := t.identity()
	p := &proctable.Process{
		Pid:             pid,
		Tgid:            pid,
		ThreadGroupLead: true,
		UID:             proctable.Credentials{Real: uid, Effective: uid, Saved: uid},
		GID:             proctable.Credentials{Real: gid, Effective: gid, Saved: gid},
		FDs:             fdtable.New(defaultFDTableSize),
		NS:              t.rootNS,
		ChannelFD:       rootChannelFD,
		State:           proctable.User,
	}
	t.procs.Add(p)
	t.pids[pid] = struct{}{}
}

// ensureChild registers childPid's row if no stop has already done so,
// using the real clone flags recorded by entryFork where available rather
// than assuming plain-fork semantics.
func (t *Tracer) ensureChild(parent *proctable.Process, childPid int) *proctable.Process {
	if child, ok := t.procs.Get(childPid); ok {
		return child
	}
	flags, _ := t.disp.PendingCloneFlags(parent.Pid)
	child := t.procs.Fork(parent, childPid, flags)
	child.State = proctable.User
	t.pids[childPid] = struct{}{}
	return child
}

func (t *Tracer) identity() (uid, gid int) {
	uid, gid = os.Getuid(), os.Getgid()
	if t.cfg.Uid >= 0 {
		uid = t.cfg.Uid
	}
	if t.cfg.Gid >= 0 {
		gid = t.cfg.Gid
	}
	return uid, gid
}

// release drops pid's row and its references on the fd table and
// namespace it held, called once the kernel has reported pid's exit.
func (t *Tracer) release(pid int) {
	if proc, ok := t.procs.Get(pid); ok {
		proc.FDs.Drop()
		proc.NS.DropNS()
		t.disp.Interrupt.Forget(pid)
	}
	t.procs.Remove(pid)
	delete(t.pids, pid)
}

// watchSignals starts a goroutine classifying signals the Tracer process
// itself receives; a Fatal one is latched into fatalSignal for the main
// loop to notice between wait4 calls.
func (t *Tracer) watchSignals() {
	ch := signals.Watch()
	go func() {
		for s := range ch {
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			if signals.Classify(unix.Signal(sig)) == signals.Fatal {
				atomic.CompareAndSwapInt32(&t.fatalSignal, 0, int32(sig))
			}
		}
	}()
}

// killAll sends SIGKILL to every still-tracked pid, used when the Tracer
// itself must shut down on a fatal signal.
func (t *Tracer) killAll() {
	for pid := range t.pids {
		if err := t.dbg.Kill(pid, syscall.SIGKILL); err != nil {
			logger.Warnf("tracer: kill %d: %v", pid, err)
		}
	}
}

func exitOutcome(ws syscall.WaitStatus) (reason string, status int) {
	switch {
	case ws.Exited():
		return ReasonNormal, ws.ExitStatus()
	case ws.Signaled():
		return ReasonAbnormal, int(ws.Signal())
	default:
		return ReasonAbnormal, -1
	}
}

func exitCode(ws syscall.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return 1
	}
}
