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
	"syscall"

	"github.com/cooperative-computing-lab/gotracer/internal/debugger"
)

// These forward to internal/debugger's amd64 ABI helpers so entry.go and
// exit.go read as plain syscall-register accessors rather than needing a
// debugger. prefix on every line.

func SyscallNumber(regs syscall.PtraceRegs) uint64 { return debugger.SyscallNumber(regs) }

func SyscallArg(regs syscall.PtraceRegs, n int) uint64 { return debugger.SyscallArg(regs, n) }

func SyscallReturn(regs syscall.PtraceRegs) int64 { return debugger.SyscallReturn(regs) }

func SetSyscallReturn(regs *syscall.PtraceRegs, val int64) { debugger.SetSyscallReturn(regs, val) }
