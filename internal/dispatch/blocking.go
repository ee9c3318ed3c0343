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

// blocking.go implements the Kernel -> WaitRead|WaitWrite transition of
// spec.md §4.H and the wakeup-driven retry side of the poll/scheduler
// component (§4.G). A backend that cannot finish a transfer within
// backendPollTimeout signals this by returning backend.ErrWouldBlock (or
// by a bounded context simply expiring): the local backend's direct
// file-descriptor reads never take long enough to trip this, so in
// practice it is httpfs stalling against a slow or unresponsive origin
// that parks a caller here. A process on a blocking virtual fd is parked
// rather than spun on; RetryBlocked re-enters the same half of the call
// once the Tracer's scheduler reports the retry deadline has passed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/cooperative-computing-lab/gotracer/internal/backend"
	"github.com/cooperative-computing-lab/gotracer/internal/debugger"
	"github.com/cooperative-computing-lab/gotracer/internal/fdtable"
	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/internal/metrics"
	"github.com/cooperative-computing-lab/gotracer/internal/proctable"
)

// backendPollTimeout bounds a single backend attempt against a virtual
// fd; exceeding it is treated the same as an explicit ErrWouldBlock, and
// is also the retry interval the scheduler's time-wait table uses to
// wake a parked pid for another attempt.
const backendPollTimeout = 20 * time.Millisecond

func wouldBlock(err error) bool {
	return errors.Is(err, backend.ErrWouldBlock) || errors.Is(err, context.DeadlineExceeded)
}

func (d *Dispatcher) readFromBackendBounded(ctx context.Context, slot fdtable.Slot, buf []byte, offset int64) (int, error) {
	be, err := d.Backends.Lookup(slot.File.Backend)
	if err != nil {
		return 0, err
	}
	pctx, cancel := context.WithTimeout(ctx, backendPollTimeout)
	defer cancel()
	n, err := be.Pread(pctx, slot.File.Handle, buf, offset)
	if wouldBlock(err) {
		return n, backend.ErrWouldBlock
	}
	return n, err
}

// attemptRead tries once to fill buf from the backend at offset. Success
// retargets the tracee's syscall onto the channel fd exactly as the
// non-blocking fast path always has; a hard failure diverts -errno; a
// would-block against a blocking fd parks pid in WaitRead instead of
// failing the call.
func (d *Dispatcher) attemptRead(ctx context.Context, pid int, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process, fd int, slot fdtable.Slot, buf []byte, off int, offset int64, destAddr uint64) {
	nread, rerr := d.readFromBackendBounded(ctx, slot, buf, offset)
	if rerr != nil {
		if wouldBlock(rerr) && !slot.NonBlock {
			d.parkRead(pid, pc, proc, fd)
			return
		}
		d.Channel.Free(off)
		proc.State = proctable.Kernel
		errno := syscall.EIO
		if wouldBlock(rerr) {
			errno = syscall.EAGAIN
		} else if errors.Is(rerr, backend.ErrNotSupported) {
			errno = syscall.ENOSYS
		}
		d.divertResult(regs, pc, int64(-int(errno)))
		return
	}
	proc.State = proctable.Kernel
	debugger.RetargetSyscall(regs, SYS_PREAD64, uint64(proc.ChannelFD), destAddr, uint64(nread), uint64(off))
	pc.channelLen = nread
}

func (d *Dispatcher) parkRead(pid int, pc *pendingCall, proc *proctable.Process, fd int) {
	pc.blockedStage = "read"
	proc.State = proctable.WaitRead
	proc.WaitFD = fd
	if err := d.Sched.AddTimeWait(time.Now().Add(backendPollTimeout), pid); err != nil {
		logger.Warnf("dispatch: scheduling read retry for pid %d: %v", pid, err)
	}
}

// flushWrite pushes the bytes the kernel already copied into the channel
// extent out to the backend, completing a channel-retargeted write. A
// would-block on a blocking fd parks pid in WaitWrite and holds the extent
// for a retry instead of failing the call; on a non-blocking fd it fails
// the call with -EAGAIN.
func (d *Dispatcher) flushWrite(ctx context.Context, regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process) {
	if pc.vfile == nil {
		d.finishWrite(regs, pc, proc, -int64(syscall.EIO))
		return
	}
	be, err := d.Backends.Lookup(pc.vfile.Backend)
	if err != nil {
		d.finishWrite(regs, pc, proc, -int64(syscall.EIO))
		return
	}

	buf := d.Channel.Bytes(pc.channelOffset, pc.channelLen)
	pctx, cancel := context.WithTimeout(ctx, backendPollTimeout)
	defer cancel()
	n, werr := be.Pwrite(pctx, pc.vfile.Handle, buf, pc.writeOffset)
	if wouldBlock(werr) {
		if slot, ok := proc.FDs.Get(pc.fd); ok && slot.NonBlock {
			d.finishWrite(regs, pc, proc, -int64(syscall.EAGAIN))
			return
		}
		pc.blockedStage = "write"
		proc.State = proctable.WaitWrite
		proc.WaitFD = pc.fd
		d.setPending(proc.Pid, pc)
		if aerr := d.Sched.AddTimeWait(time.Now().Add(backendPollTimeout), proc.Pid); aerr != nil {
			logger.Warnf("dispatch: scheduling write retry for pid %d: %v", proc.Pid, aerr)
		}
		return
	}
	if werr != nil {
		errno := syscall.EIO
		if errors.Is(werr, backend.ErrNotSupported) {
			errno = syscall.ENOSYS
		}
		d.finishWrite(regs, pc, proc, -int64(errno))
		return
	}

	metrics.ChannelBytesTransferred.WithLabelValues("write").Add(float64(n))
	if !pc.isPositioned {
		_ = proc.FDs.SetOffset(pc.fd, pc.writeOffset+int64(n))
	}
	d.finishWrite(regs, pc, proc, int64(n))
}

// finishWrite sets the call's final return value, releases the channel
// extent, drops the pending-call bookkeeping, and returns pid to User.
func (d *Dispatcher) finishWrite(regs *syscall.PtraceRegs, pc *pendingCall, proc *proctable.Process, result int64) {
	SetSyscallReturn(regs, result)
	if err := d.Channel.Free(pc.channelOffset); err != nil {
		logger.Warnf("dispatch: freeing channel extent %d: %v", pc.channelOffset, err)
	}
	d.takePending(proc.Pid)
	proc.State = proctable.User
}

func (d *Dispatcher) peekPending(pid int) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[pid]
}

// RetryBlocked re-enters the entry or exit action a parked pid left
// unfinished, called once the Tracer's scheduler reports its wakeup
// condition satisfied (spec.md §4.G, the WaitRead|WaitWrite -> Kernel
// transition of §4.H). done reports whether pid's syscall is now fully
// resolved and the Tracer should resume it; false means it was parked
// again for another retry.
func (d *Dispatcher) RetryBlocked(ctx context.Context, pid int) (done bool, err error) {
	proc, ok := d.Procs.Get(pid)
	if !ok {
		return false, nil
	}
	pc := d.peekPending(pid)
	if pc == nil {
		return false, fmt.Errorf("dispatch: no pending call for parked pid %d", pid)
	}
	regs, err := d.Dbg.GetRegs(pid)
	if err != nil {
		return false, fmt.Errorf("dispatch: getregs retry pid %d: %w", pid, err)
	}

	switch pc.blockedStage {
	case "read":
		slot, ok := proc.FDs.Get(pc.fd)
		if !ok {
			// fd was closed out from under the parked call: divert to the
			// dummy exactly as attemptRead's own hard-error path would,
			// still at the original entry stop. The ordinary exit-stop
			// HandleExit finishes the dummyDiverted restore once the
			// tracee actually reaches it (pc is left in the pending map,
			// same as attemptRead leaves it).
			proc.State = proctable.Kernel
			d.divertResult(&regs, pc, int64(-int(syscall.EBADF)))
		} else {
			buf := d.Channel.Bytes(pc.channelOffset, pc.blockedLength)
			d.attemptRead(ctx, pid, &regs, pc, proc, pc.fd, slot, buf, pc.channelOffset, pc.blockedOffset, pc.blockedDestAddr)
		}
	case "write":
		d.flushWrite(ctx, &regs, pc, proc)
	default:
		return false, fmt.Errorf("dispatch: pid %d parked with unrecognized stage %q", pid, pc.blockedStage)
	}

	if proc.State == proctable.WaitRead || proc.State == proctable.WaitWrite {
		if err := d.Dbg.SetRegs(pid, &regs); err != nil {
			return false, fmt.Errorf("dispatch: setregs retry pid %d: %w", pid, err)
		}
		return false, nil
	}

	// The read stage, success or hard-error, leaves pid at the original
	// entry stop (possibly now retargeted to pread64-on-channel, or
	// diverted to the dummy syscall): resuming it reaches a genuine
	// syscall-exit stop the Tracer's ordinary HandleExit will process,
	// same as any never-parked call. The write stage already ran its
	// dummyDiverted-equivalent finalize inside flushWrite/finishWrite,
	// since a parked write is already past its own real exit stop.
	if err := d.Dbg.SetRegs(pid, &regs); err != nil {
		return false, fmt.Errorf("dispatch: setregs retry pid %d: %w", pid, err)
	}
	metrics.SyscallsDispatched.WithLabelValues(syscallName(pc.nr), "retry").Inc()
	return true, nil
}
