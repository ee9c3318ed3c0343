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
	"encoding/binary"
	"errors"
	"syscall"
	"time"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/cooperative-computing-lab/gotracer/internal/debugger"
	"github.com/cooperative-computing-lab/gotracer/internal/execrewrite"
	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
	"github.com/cooperative-computing-lab/gotracer/internal/proctable"
	"golang.org/x/sys/unix"
)

// entryPure answers getpid/getuid/time/setuid-family calls from Tracer
// state, diverting the real syscall to a dummy (spec.md §4.H, "pure
// integer/no-resource calls").
func (d *Dispatcher) entryPure(pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	switch pc.nr {
	case SYS_GETPID:
		d.divertResult(regs, pc, int64(proc.Pid))
	case SYS_GETPPID:
		d.divertResult(regs, pc, int64(proc.Ppid))
	case SYS_GETUID:
		d.divertResult(regs, pc, int64(proc.UID.Real))
	case SYS_GETEUID:
		d.divertResult(regs, pc, int64(proc.UID.Effective))
	case SYS_GETGID:
		d.divertResult(regs, pc, int64(proc.GID.Real))
	case SYS_GETEGID:
		d.divertResult(regs, pc, int64(proc.GID.Effective))
	case SYS_SETUID:
		uid := int(int32(SyscallArg(*regs, 0)))
		err := proc.SetUID(uid, uid, uid)
		d.divertResult(regs, pc, errnoResult(err))
	case SYS_SETGID:
		gid := int(int32(SyscallArg(*regs, 0)))
		err := proc.SetGID(gid, gid, gid)
		d.divertResult(regs, pc, errnoResult(err))
	case SYS_TIME:
		now := time.Now().Unix()
		if tloc := uintptr(SyscallArg(*regs, 0)); tloc != 0 {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(now))
			if err := d.Dbg.CopyOut(pid, tloc, buf[:]); err != nil {
				logger.Warnf("dispatch: time() copyout to pid %d failed: %v", pid, err)
			}
		}
		d.divertResult(regs, pc, now)
	case SYS_GETTIMEOFDAY:
		if tv := uintptr(SyscallArg(*regs, 0)); tv != 0 {
			now := time.Now()
			var buf [16]byte
			binary.LittleEndian.PutUint64(buf[0:8], uint64(now.Unix()))
			binary.LittleEndian.PutUint64(buf[8:16], uint64(now.Nanosecond()/1000))
			if err := d.Dbg.CopyOut(pid, tv, buf[:]); err != nil {
				logger.Warnf("dispatch: gettimeofday() copyout to pid %d failed: %v", pid, err)
			}
		}
		d.divertResult(regs, pc, 0)
	}
}

func (d *Dispatcher) divertResult(regs *syscall.PtraceRegs, pc *pendingCall, result int64) {
	debugger.DivertToDummy(regs)
	pc.dummyDiverted = true
	pc.haveResult = true
	pc.result = result
}

func errnoResult(err error) int64 {
	if err == nil {
		return 0
	}
	if err == proctable.ErrPermissionDenied {
		return int64(-int(syscall.EPERM))
	}
	return int64(-int(syscall.EIO))
}

// entryPath resolves a path argument through the process's namespace and
// either rewrites the call onto a native physical path or, for a
// non-native backend, opens the backend and diverts to a virtual-fd
// placeholder (spec.md §4.E/§4.H).
func (d *Dispatcher) entryPath(ctx context.Context, pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	pathArgIdx := 0
	if pc.nr == SYS_OPENAT {
		pathArgIdx = 1
	}
	pathAddr := uintptr(SyscallArg(*regs, pathArgIdx))
	path, err := d.Dbg.ReadString(pid, pathAddr)
	if err != nil {
		logger.Warnf("dispatch: readstring path arg for pid %d: %v", pid, err)
		d.divertResult(regs, pc, int64(-int(syscall.EFAULT)))
		return
	}

	rp, err := proc.NS.Resolve(ctx, path)
	if err != nil {
		logger.Warnf("dispatch: namespace resolve %q for pid %d: %v", path, pid, err)
		d.divertResult(regs, pc, int64(-int(syscall.EIO)))
		return
	}

	switch rp.Result {
	case namespace.Denied:
		d.divertResult(regs, pc, int64(-int(syscall.EACCES)))
		return
	case namespace.ENoEnt:
		d.divertResult(regs, pc, int64(-int(syscall.ENOENT)))
		return
	case namespace.Failed:
		d.divertResult(regs, pc, int64(-int(syscall.EIO)))
		return
	}

	if rp.Native {
		if rp.Physical != path {
			d.rewritePathArg(pid, regs, pathArgIdx, rp.Physical)
		}
		return
	}

	// Non-native: the resolved path carries a scheme the backend registry
	// must know about (e.g. "http"); pick that backend and ask it to open.
	be, err := d.Backends.Lookup(schemeOf(rp.Physical))
	if err != nil {
		logger.Warnf("dispatch: no backend for %q (pid %d): %v", rp.Physical, pid, err)
		d.divertResult(regs, pc, int64(-int(syscall.ENOENT)))
		return
	}

	flags := int(SyscallArg(*regs, pathArgIdx+1))
	outcome := be.Open(ctx, rp.Physical, flags, uint32(SyscallArg(*regs, pathArgIdx+2)))
	switch outcome.Result {
	case backend.OpenError:
		errno := syscall.EIO
		var en syscall.Errno
		if errors.As(outcome.Err, &en) {
			errno = en
		}
		d.divertResult(regs, pc, int64(-int(errno)))
	case backend.OpenCanBeNative:
		d.rewritePathArg(pid, regs, pathArgIdx, outcome.PhysicalPath)
	case backend.OpenVirtual:
		pc.openFlags = flags
		d.beginVirtualOpen(pid, regs, pc, be, outcome)
	}
}

func schemeOf(physical string) string {
	for i := 0; i < len(physical); i++ {
		if physical[i] == ':' {
			return physical[:i]
		}
	}
	return "local"
}

// rewritePathArg stages resolved in the tracee's scratch region and points
// the syscall's path argument at it, leaving the syscall number itself
// alone so the kernel performs the real operation.
func (d *Dispatcher) rewritePathArg(pid int, regs *syscall.PtraceRegs, argIdx int, resolved string) {
	addr := scratchBelowStack(*regs)
	buf := append([]byte(resolved), 0)
	if err := d.Dbg.CopyOut(pid, addr, buf); err != nil {
		logger.Warnf("dispatch: copyout resolved path for pid %d: %v", pid, err)
		return
	}
	setSyscallArg(regs, argIdx, uint64(addr))
}

func setSyscallArg(regs *syscall.PtraceRegs, n int, v uint64) {
	switch n {
	case 0:
		regs.Rdi = v
	case 1:
		regs.Rsi = v
	case 2:
		regs.Rdx = v
	case 3:
		regs.R10 = v
	case 4:
		regs.R8 = v
	case 5:
		regs.R9 = v
	}
}

// beginVirtualOpen diverts the tracee's open/openat to memfd_create so
// that, on exit, the kernel itself hands back a real, distinct kernel fd
// the Dispatcher can register as this virtual file's placeholder (spec.md
// §4.E).
func (d *Dispatcher) beginVirtualOpen(pid int, regs *syscall.PtraceRegs, pc *pendingCall, be backend.Backend, outcome backend.OpenOutcome) {
	name := []byte("tracer-vfd\x00")
	addr := scratchBelowStack(*regs)
	if err := d.Dbg.CopyOut(pid, addr, name); err != nil {
		logger.Warnf("dispatch: copyout memfd name for pid %d: %v", pid, err)
		d.divertResult(regs, pc, int64(-int(syscall.EIO)))
		return
	}
	debugger.RetargetSyscall(regs, SYS_MEMFD_CREATE, uint64(addr), uint64(unix.MFD_CLOEXEC))
	pc.openingVirtual = true
	pc.openBackend = be
	pc.openHandle = outcome.Handle
	pc.vfile = &fdtable.VirtualFile{Backend: be.Scheme(), Handle: outcome.Handle, Size: outcome.Size, RefCount: 1}
}

// entryFD fans entry processing out on whatever the target fd's table
// slot says it is: Native falls through untouched, Virtual is answered by
// the backend (via the channel for bulk transfer), Special is refused.
func (d *Dispatcher) entryFD(ctx context.Context, pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	fd := int(SyscallArg(*regs, 0))
	slot, ok := proc.FDs.Get(fd)
	if !ok {
		d.divertResult(regs, pc, int64(-int(syscall.EBADF)))
		return
	}
	switch slot.Kind {
	case fdtable.Native:
		return
	case fdtable.Special:
		d.divertResult(regs, pc, int64(-int(syscall.EBADF)))
	case fdtable.Virtual:
		if pc.nr == SYS_FCNTL {
			d.entryFcntl(regs, pc, proc, fd, slot)
			return
		}
		d.entryVirtualIO(ctx, pid, regs, pc, proc, fd, slot)
	}
}

// entryFcntl implements the handful of fcntl(2) commands a virtual fd
// must answer itself rather than passing through to its memfd
// placeholder: F_GETFL/F_SETFL's O_NONBLOCK bit, which governs whether a
// backend would-block surfaces as -EAGAIN or parks the caller (spec.md
// §4.G).
func (d *Dispatcher) entryFcntl(regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process, fd int, slot fdtable.Slot) {
	switch int(SyscallArg(*regs, 1)) {
	case unix.F_GETFL:
		flags := int64(0)
		if slot.NonBlock {
			flags = int64(unix.O_NONBLOCK)
		}
		d.divertResult(regs, pc, flags)
	case unix.F_SETFL:
		arg := int(SyscallArg(*regs, 2))
		if err := proc.FDs.SetNonBlock(fd, arg&unix.O_NONBLOCK != 0); err != nil {
			d.divertResult(regs, pc, int64(-int(syscall.EBADF)))
			return
		}
		d.divertResult(regs, pc, 0)
	default:
		d.divertResult(regs, pc, int64(-int(syscall.EINVAL)))
	}
}

// entryVirtualIO implements the channel-mediated fast path for
// read/pread/write/pwrite/readv/writev on a virtual fd (spec.md §4.H).
//
// A read is answered by pulling bytes from the backend into an arena
// extent up front, then retargeting the tracee's own syscall to a
// pread64 against the Tracer's channel fd (proc.ChannelFD, the fd number
// through which this tracee can already see the shared memfd) with the
// destination buffer left as the tracee's original pointer: pread64's
// buffer argument is interpreted in the calling (tracee) process, so the
// kernel itself copies the arena bytes into the application's buffer and
// the Dispatcher never has to poke the tracee's memory one word at a
// time. A write is the mirror image: the syscall is retargeted to a
// pwrite64 of the tracee's own source buffer into the channel fd at the
// extent's offset, and the exit action flushes those bytes to the
// backend once the kernel has copied them in.
func (d *Dispatcher) entryVirtualIO(ctx context.Context, pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process, fd int, slot fdtable.Slot) {
	pc.fd = fd
	switch pc.nr {
	case SYS_READ, SYS_PREAD64, SYS_READV:
		length := int(SyscallArg(*regs, 2))
		offset := slot.Offset
		pc.isPositioned = pc.nr == SYS_PREAD64
		if pc.isPositioned {
			offset = int64(SyscallArg(*regs, 3))
		}
		destAddr := SyscallArg(*regs, 1)

		off, err := d.Channel.Alloc(channelSlotName(pid, fd), length)
		if err != nil {
			d.divertResult(regs, pc, int64(-int(syscall.ENOMEM)))
			return
		}
		buf := d.Channel.Bytes(off, length)
		pc.vfile = slot.File
		pc.channelOffset = off
		pc.blockedLength, pc.blockedOffset, pc.blockedDestAddr = length, offset, destAddr
		d.attemptRead(ctx, pid, regs, pc, proc, fd, slot, buf, off, offset, destAddr)
	case SYS_WRITE, SYS_PWRITE64, SYS_WRITEV:
		length := int(SyscallArg(*regs, 2))
		srcAddr := SyscallArg(*regs, 1)
		pc.isPositioned = pc.nr == SYS_PWRITE64
		offset := slot.Offset
		if pc.isPositioned {
			offset = int64(SyscallArg(*regs, 3))
		}

		off, err := d.Channel.Alloc(channelSlotName(pid, fd), length)
		if err != nil {
			d.divertResult(regs, pc, int64(-int(syscall.ENOMEM)))
			return
		}
		debugger.RetargetSyscall(regs, SYS_PWRITE64, uint64(proc.ChannelFD), srcAddr, uint64(length), uint64(off))
		pc.channelOffset, pc.channelLen = off, length
		pc.vfile = slot.File
		pc.writeToVFile = true
		pc.writeOffset = offset
	case SYS_FSTAT:
		// Let the memfd-backed placeholder answer its own fstat; size and
		// mode already reflect the virtual file via its memfd ftruncate.
	}
}

func channelSlotName(pid, fd int) string {
	return "io:" + itoa(pid) + ":" + itoa(fd)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (d *Dispatcher) entryDup(pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	// dup/dup2/dup3 are let through to the kernel on the placeholder fd
	// (native fd space is shared 1:1 with the kernel's own view of it);
	// the fd-table aliasing itself is recorded on exit, once the new
	// descriptor number is known.
}

func (d *Dispatcher) entryClose(pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	fd := int(SyscallArg(*regs, 0))
	slot, ok := proc.FDs.Get(fd)
	if !ok {
		d.divertResult(regs, pc, int64(-int(syscall.EBADF)))
		return
	}
	if slot.Kind == fdtable.Special {
		d.divertResult(regs, pc, int64(-int(syscall.EBADF)))
		return
	}
	if slot.Kind == fdtable.Virtual && slot.File != nil && slot.File.Release() {
		be, err := d.Backends.Lookup(slot.File.Backend)
		if err == nil {
			_ = be.Close(context.Background(), slot.File.Handle)
		}
	}
	proc.FDs.Close(fd)
}

// entryFork forces CLONE_PTRACE|CLONE_PARENT onto fork/vfork/clone so the
// new task is traced by this Tracer directly rather than becoming an
// orphan the debugger never sees (spec.md §4.H).
func (d *Dispatcher) entryFork(pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	flags := uint64(unix.SIGCHLD)
	if pc.nr == SYS_CLONE {
		flags = SyscallArg(*regs, 0)
	}
	flags |= unix.CLONE_PTRACE | unix.CLONE_PARENT
	flags &^= unix.CLONE_UNTRACED

	if pc.nr == SYS_CLONE {
		setSyscallArg(regs, 0, flags)
	}
	pc.forking = true
	pc.cloneFlags = flags
	pc.parentPid = pid
}

// execScratchSize bounds the scratch region entryExecve lays the rewritten
// exe path, argv strings, and pointer table into; a layout that would
// overflow it fails the call with E2BIG before any register is touched,
// per spec.md §8's scratch-region boundary behavior.
const execScratchSize = 4096

// execScratchBase picks an area further below the stack than
// scratchBelowStack's 1 KiB slack: an execve layout can run to the full
// scratch budget, well past the red zone other entry actions stage into.
func execScratchBase(regs syscall.PtraceRegs) uintptr {
	return uintptr(regs.Rsp) - 2*execScratchSize
}

// entryExecve resolves the executable path through the namespace (denying
// or erroring before the kernel ever starts a new image, per spec.md §8
// scenario S2), then asks internal/execrewrite whether the target is a
// `#!`-interpreted script and, if so, rewrites argv to
// `[interp, (interparg?), physical_path, origArgv[1:]...]` staged in the
// tracee's scratch region (spec.md §4.I).
func (d *Dispatcher) entryExecve(ctx context.Context, pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	proc.State = proctable.Kernel

	path, err := d.Dbg.ReadString(pid, uintptr(SyscallArg(*regs, 0)))
	if err != nil {
		d.divertResult(regs, pc, int64(-int(syscall.EFAULT)))
		return
	}

	rp, err := proc.NS.Resolve(ctx, path)
	if err != nil {
		d.divertResult(regs, pc, int64(-int(syscall.EIO)))
		return
	}
	switch rp.Result {
	case namespace.Denied:
		d.divertResult(regs, pc, int64(-int(syscall.EACCES)))
		return
	case namespace.ENoEnt:
		d.divertResult(regs, pc, int64(-int(syscall.ENOENT)))
		return
	case namespace.Failed:
		d.divertResult(regs, pc, int64(-int(syscall.EIO)))
		return
	}
	if !rp.Native {
		// A backend-hosted executable has no physical path the kernel can
		// load directly, and there is no loader stage to fetch it first.
		d.divertResult(regs, pc, int64(-int(syscall.ENOEXEC)))
		return
	}

	argv, err := d.readArgv(pid, uintptr(SyscallArg(*regs, 1)))
	if err != nil {
		d.divertResult(regs, pc, int64(-int(syscall.EFAULT)))
		return
	}
	if len(argv) == 0 {
		argv = []string{rp.Physical}
	}

	plan, err := execrewrite.Rewrite(rp.Physical, argv)
	if err != nil {
		d.divertResult(regs, pc, int64(-int(syscall.ENOENT)))
		return
	}
	if plan.Interpreted {
		if interpRp, err := proc.NS.Resolve(ctx, plan.ExePath); err == nil && interpRp.Native && interpRp.Result == namespace.Changed {
			plan.ExePath = interpRp.Physical
			plan.Argv[0] = interpRp.Physical
		}
	} else if rp.Physical == path {
		// Nothing changed at all: let the kernel run the original call
		// untouched rather than paying for a pointless restage.
		return
	}

	exeAddr, argvAddr, err := d.stageExecPlan(pid, *regs, plan)
	if err != nil {
		d.divertResult(regs, pc, int64(-int(syscall.E2BIG)))
		return
	}
	setSyscallArg(regs, 0, uint64(exeAddr))
	setSyscallArg(regs, 1, uint64(argvAddr))
	pc.execving = true
}

// readArgv reads a NULL-terminated argv pointer array out of the tracee
// and resolves each pointer to its string, per the standard execve(2)
// argument layout.
func (d *Dispatcher) readArgv(pid int, addr uintptr) ([]string, error) {
	var argv []string
	for i := 0; i < 4096; i++ {
		var buf [8]byte
		if err := d.Dbg.CopyIn(pid, addr+uintptr(i*8), buf[:]); err != nil {
			return nil, err
		}
		ptr := binary.LittleEndian.Uint64(buf[:])
		if ptr == 0 {
			break
		}
		s, err := d.Dbg.ReadString(pid, uintptr(ptr))
		if err != nil {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, nil
}

// stageExecPlan lays plan.ExePath and plan.Argv's strings out back to
// back in the tracee's scratch region, followed by the NULL-terminated
// pointer table argv itself must point at, and returns the addresses the
// rewritten execve's path and argv arguments should carry.
func (d *Dispatcher) stageExecPlan(pid int, regs syscall.PtraceRegs, plan execrewrite.Plan) (exeAddr, argvAddr uintptr, err error) {
	data := append([]byte(plan.ExePath), 0)
	offsets := make([]int, len(plan.Argv))
	for i, s := range plan.Argv {
		offsets[i] = len(data)
		data = append(data, s...)
		data = append(data, 0)
	}

	ptrTableSize := (len(plan.Argv) + 1) * 8
	if len(data)+ptrTableSize > execScratchSize {
		return 0, 0, execrewrite.ErrArgvTooLarge
	}

	base := execScratchBase(regs)
	ptrTableBase := base + uintptr(len(data))
	if err := d.Dbg.CopyOut(pid, base, data); err != nil {
		return 0, 0, err
	}

	ptrs := make([]byte, ptrTableSize)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(ptrs[i*8:], uint64(base)+uint64(off))
	}
	if err := d.Dbg.CopyOut(pid, ptrTableBase, ptrs); err != nil {
		return 0, 0, err
	}
	return base, ptrTableBase, nil
}

// entryMmap passes anonymous mappings and mappings on native fds straight
// through; a virtual-fd mapping would need a channel-backed mmap record,
// which is out of scope for the read/write fast path this Dispatcher
// optimizes (spec.md §4.H explicitly calls mmap-on-virtual-fd the rarer
// case).
func (d *Dispatcher) entryMmap(pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	flags := int(SyscallArg(*regs, 3))
	if flags&unix.MAP_ANONYMOUS != 0 {
		return
	}
	fd := int(SyscallArg(*regs, 4))
	slot, ok := proc.FDs.Get(fd)
	if !ok || slot.Kind != fdtable.Virtual {
		return
	}
	logger.Warnf("dispatch: mmap on virtual fd %d (pid %d) not yet backed by channel mapping", fd, pid)
}
