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
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Syscall numbers this package dispatches on, x86-64 Linux ABI, named
// locally so entry.go/exit.go read as syscall names rather than magic
// numbers from an unrelated package.
const (
	SYS_READ         = unix.SYS_READ
	SYS_WRITE        = unix.SYS_WRITE
	SYS_OPEN         = unix.SYS_OPEN
	SYS_CLOSE        = unix.SYS_CLOSE
	SYS_STAT         = unix.SYS_STAT
	SYS_FSTAT        = unix.SYS_FSTAT
	SYS_LSTAT        = unix.SYS_LSTAT
	SYS_MMAP         = unix.SYS_MMAP
	SYS_MUNMAP       = unix.SYS_MUNMAP
	SYS_PREAD64      = unix.SYS_PREAD64
	SYS_PWRITE64     = unix.SYS_PWRITE64
	SYS_READV        = unix.SYS_READV
	SYS_WRITEV       = unix.SYS_WRITEV
	SYS_SELECT       = unix.SYS_SELECT
	SYS_DUP          = unix.SYS_DUP
	SYS_DUP2         = unix.SYS_DUP2
	SYS_DUP3         = unix.SYS_DUP3
	SYS_GETPID       = unix.SYS_GETPID
	SYS_CONNECT      = unix.SYS_CONNECT
	SYS_SENDMSG      = unix.SYS_SENDMSG
	SYS_RECVMSG      = unix.SYS_RECVMSG
	SYS_BIND         = unix.SYS_BIND
	SYS_CLONE        = unix.SYS_CLONE
	SYS_FORK         = unix.SYS_FORK
	SYS_VFORK        = unix.SYS_VFORK
	SYS_EXECVE       = unix.SYS_EXECVE
	SYS_GETCWD       = unix.SYS_GETCWD
	SYS_UMASK        = unix.SYS_UMASK
	SYS_GETTIMEOFDAY = unix.SYS_GETTIMEOFDAY
	SYS_GETUID       = unix.SYS_GETUID
	SYS_GETGID       = unix.SYS_GETGID
	SYS_SETUID       = unix.SYS_SETUID
	SYS_SETGID       = unix.SYS_SETGID
	SYS_GETEUID      = unix.SYS_GETEUID
	SYS_GETEGID      = unix.SYS_GETEGID
	SYS_GETPPID      = unix.SYS_GETPPID
	SYS_PIVOT_ROOT   = unix.SYS_PIVOT_ROOT
	SYS_CHROOT       = unix.SYS_CHROOT
	SYS_ACCT         = unix.SYS_ACCT
	SYS_MOUNT        = unix.SYS_MOUNT
	SYS_UMOUNT2      = unix.SYS_UMOUNT2
	SYS_TIME         = unix.SYS_TIME
	SYS_OPENAT       = unix.SYS_OPENAT
	SYS_PSELECT6     = unix.SYS_PSELECT6
	SYS_PPOLL        = unix.SYS_PPOLL
	SYS_POLL         = unix.SYS_POLL
	SYS_MEMFD_CREATE = unix.SYS_MEMFD_CREATE
	SYS_FCNTL        = unix.SYS_FCNTL
)

// pureSyscalls compute a result purely from Tracer-side state (process
// table credentials, wall-clock time) with no path/fd argument to resolve.
var pureSyscalls = map[uint64]bool{
	SYS_GETPID:       true,
	SYS_GETPPID:      true,
	SYS_GETUID:       true,
	SYS_GETEUID:      true,
	SYS_GETGID:       true,
	SYS_GETEGID:      true,
	SYS_SETUID:       true,
	SYS_SETGID:       true,
	SYS_TIME:         true,
	SYS_GETTIMEOFDAY: true,
}

// pathSyscalls take a path argument that must be resolved through the
// namespace before the kernel (or a backend) acts on it.
var pathSyscalls = map[uint64]bool{
	SYS_OPEN:   true,
	SYS_OPENAT: true,
	SYS_STAT:   true,
	SYS_LSTAT:  true,
}

// fdSyscalls operate on an already-open fd; entry fans out on whether
// that fd is Native, Virtual, or Special.
var fdSyscalls = map[uint64]bool{
	SYS_READ:     true,
	SYS_WRITE:    true,
	SYS_PREAD64:  true,
	SYS_PWRITE64: true,
	SYS_READV:    true,
	SYS_WRITEV:   true,
	SYS_FSTAT:    true,
	SYS_FCNTL:    true,
}

// passthroughSyscalls never need Dispatcher involvement: the multiplexing
// calls never see a Tracer-owned fd because virtual fds are never polled
// directly (spec.md §4.H).
var passthroughSyscalls = map[uint64]bool{
	SYS_SELECT:   true,
	SYS_POLL:     true,
	SYS_PPOLL:    true,
	SYS_PSELECT6: true,
}

// adminSyscalls are kernel-administration calls a traced, unprivileged
// process should never be allowed to perform against the real kernel.
var adminSyscalls = map[uint64]bool{
	SYS_CHROOT:     true,
	SYS_MOUNT:      true,
	SYS_UMOUNT2:    true,
	SYS_PIVOT_ROOT: true,
}

// obsoleteSyscalls are calls the Tracer refuses outright as unsupported.
var obsoleteSyscalls = map[uint64]bool{
	SYS_ACCT: true,
}

var syscallNames = map[uint64]string{
	SYS_READ: "read", SYS_WRITE: "write", SYS_OPEN: "open", SYS_CLOSE: "close",
	SYS_STAT: "stat", SYS_FSTAT: "fstat", SYS_LSTAT: "lstat", SYS_MMAP: "mmap",
	SYS_MUNMAP: "munmap", SYS_PREAD64: "pread64", SYS_PWRITE64: "pwrite64",
	SYS_READV: "readv", SYS_WRITEV: "writev", SYS_SELECT: "select",
	SYS_DUP: "dup", SYS_DUP2: "dup2", SYS_DUP3: "dup3", SYS_GETPID: "getpid",
	SYS_CLONE: "clone", SYS_FORK: "fork", SYS_VFORK: "vfork", SYS_EXECVE: "execve",
	SYS_GETCWD: "getcwd", SYS_UMASK: "umask", SYS_GETTIMEOFDAY: "gettimeofday",
	SYS_GETUID: "getuid", SYS_GETGID: "getgid", SYS_SETUID: "setuid",
	SYS_SETGID: "setgid", SYS_GETEUID: "geteuid", SYS_GETEGID: "getegid",
	SYS_GETPPID: "getppid", SYS_OPENAT: "openat", SYS_TIME: "time",
	SYS_FCNTL: "fcntl", SYS_POLL: "poll", SYS_PPOLL: "ppoll",
	SYS_PSELECT6: "pselect6", SYS_CHROOT: "chroot", SYS_MOUNT: "mount",
	SYS_UMOUNT2: "umount2", SYS_PIVOT_ROOT: "pivot_root", SYS_ACCT: "acct",
}

// classify names the table a syscall number is routed through, matching the
// switch order in HandleEntry.
func classify(nr uint64) string {
	switch {
	case pureSyscalls[nr]:
		return "pure"
	case pathSyscalls[nr]:
		return "path"
	case fdSyscalls[nr]:
		return "fd"
	case nr == SYS_DUP || nr == SYS_DUP2 || nr == SYS_DUP3:
		return "dup"
	case nr == SYS_CLOSE:
		return "close"
	case nr == SYS_FORK || nr == SYS_VFORK || nr == SYS_CLONE:
		return "fork"
	case nr == SYS_EXECVE:
		return "execve"
	case nr == SYS_MMAP:
		return "mmap"
	case passthroughSyscalls[nr]:
		return "passthrough"
	case adminSyscalls[nr]:
		return "deny-eperm"
	case obsoleteSyscalls[nr]:
		return "deny-enosys"
	default:
		return "unknown"
	}
}

// SyscallTableText renders the full dispatch table (syscall number, name,
// routing class) for the --syscall-table diagnostic flag, one line per
// syscall the table has an opinion about.
func SyscallTableText() string {
	nrs := make([]uint64, 0, len(syscallNames))
	for nr := range syscallNames {
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })

	var b strings.Builder
	for _, nr := range nrs {
		fmt.Fprintf(&b, "%-4d %-16s %s\n", nr, syscallNames[nr], classify(nr))
	}
	return b.String()
}
