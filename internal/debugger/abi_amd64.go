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

package debugger

import "syscall"

// SyscallNumber returns the syscall number from Orig_rax, the register the
// kernel preserves across a syscall's entry and exit stops (Rax is
// clobbered with the return value by exit).
func SyscallNumber(regs syscall.PtraceRegs) uint64 {
	return regs.Orig_rax
}

// SyscallArg returns the n'th (0-based) syscall argument per the x86-64
// Linux syscall ABI: rdi, rsi, rdx, r10, r8, r9. Note r10 stands in for rcx
// here (rcx is clobbered by the syscall instruction itself) — the
// well-known "args[3] is r10, not rcx" trap that spec.md's 32/64-bit-ABI
// note calls the args5 bug in the 32-bit compat case.
func SyscallArg(regs syscall.PtraceRegs, n int) uint64 {
	switch n {
	case 0:
		return regs.Rdi
	case 1:
		return regs.Rsi
	case 2:
		return regs.Rdx
	case 3:
		return regs.R10
	case 4:
		return regs.R8
	case 5:
		return regs.R9
	default:
		return 0
	}
}

// SyscallReturn returns the result register (Rax on exit).
func SyscallReturn(regs syscall.PtraceRegs) int64 {
	return int64(regs.Rax)
}

// SetSyscallReturn forces the result register, used both on normal
// syscall-exit post-processing and to force a dummy syscall's apparent
// result.
func SetSyscallReturn(regs *syscall.PtraceRegs, val int64) {
	regs.Rax = uint64(val)
}

// DummySyscallNr is diverted to on syscall-entry when the Dispatcher wants
// the real kernel call skipped entirely (e.g. a backend call the Tracer
// answers itself): getpid is harmless, side-effect-free, and always legal
// regardless of tracee state.
const DummySyscallNr = 39 // SYS_getpid on amd64

// DivertToDummy rewrites regs so the tracee's pending syscall becomes
// DummySyscallNr; SetSyscallReturn on the matching exit then forces
// whatever result the Dispatcher actually computed.
func DivertToDummy(regs *syscall.PtraceRegs) {
	regs.Orig_rax = DummySyscallNr
	regs.Rax = DummySyscallNr
}

// RetargetSyscall rewrites regs so the tracee's pending syscall becomes a
// different real syscall (e.g. retargeting open at a channel-backed path),
// preserving the Dispatcher's ability to let the kernel do the actual
// work instead of emulating it.
func RetargetSyscall(regs *syscall.PtraceRegs, nr uint64, args ...uint64) {
	regs.Orig_rax = nr
	regs.Rax = nr
	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, a := range args {
		if i >= len(argRegs) {
			break
		}
		*argRegs[i] = a
	}
}
