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

package debugger

import (
	"bytes"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaxString bounds PeekString reads, matching the teacher-grounded
// ptracer's MaxStringSize guard against a corrupt/hostile tracee that
// never null-terminates.
const MaxString = 4096

// CopyIn reads len(buf) bytes from pid's address space at addr into buf.
// It tries the fast process_vm_readv path first and falls back to
// PTRACE_PEEKDATA word-at-a-time, per spec.md's Tracer-internal-recoverable
// error handling (failed memory transfer falls back to the slow path).
func (d *Debugger) CopyIn(pid int, addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if n, err := processVMReadv(pid, addr, buf); err == nil && n == len(buf) {
		return nil
	}
	return d.peekSlow(pid, addr, buf)
}

// CopyOut writes buf into pid's address space at addr, word-at-a-time via
// PTRACE_POKEDATA (there is no process_vm_writev fast path symmetrical to
// CopyIn; POKEDATA is the only portable write primitive).
func (d *Debugger) CopyOut(pid int, addr uintptr, buf []byte) error {
	wordSize := 8
	for off := 0; off < len(buf); off += wordSize {
		end := off + wordSize
		var word [8]byte
		if end > len(buf) {
			// Preserve the tail bytes beyond buf by reading the existing
			// word first, then overlaying the partial write.
			existing := make([]byte, wordSize)
			if _, err := syscall.PtracePeekData(pid, addr+uintptr(off), existing); err != nil {
				return fmt.Errorf("debugger: copyout peek tail at %#x: %w", addr+uintptr(off), err)
			}
			copy(word[:], existing)
			copy(word[:], buf[off:])
		} else {
			copy(word[:], buf[off:end])
		}
		if _, err := syscall.PtracePokeData(pid, addr+uintptr(off), word[:]); err != nil {
			return fmt.Errorf("debugger: copyout poke at %#x: %w", addr+uintptr(off), err)
		}
	}
	return nil
}

// ReadString reads a NUL-terminated string from pid at addr, scanning at
// most one page at a time via process_vm_readv until the NUL is found or
// MaxString is exceeded.
func (d *Debugger) ReadString(pid int, addr uintptr) (string, error) {
	pageSize := uintptr(unix.Getpagesize())
	pageAddr := addr &^ (pageSize - 1)
	firstChunk := pageAddr + pageSize - addr

	for readSize := firstChunk; readSize <= MaxString; readSize += pageSize {
		data := make([]byte, readSize)
		if _, err := processVMReadv(pid, addr, data); err != nil {
			return d.readStringSlow(pid, addr)
		}
		if n := bytes.IndexByte(data, 0); n >= 0 {
			return string(data[:n]), nil
		}
	}
	return "", fmt.Errorf("debugger: string at %#x exceeds %d bytes", addr, MaxString)
}

func (d *Debugger) readStringSlow(pid int, addr uintptr) (string, error) {
	var out []byte
	word := make([]byte, 1)
	for i := uintptr(0); i < MaxString; i++ {
		n, err := syscall.PtracePeekData(pid, addr+i, word)
		if err != nil || n != len(word) {
			return "", fmt.Errorf("debugger: peek string at %#x: %w", addr+i, err)
		}
		if word[0] == 0 {
			return string(out), nil
		}
		out = append(out, word[0])
	}
	return "", fmt.Errorf("debugger: string at %#x exceeds %d bytes", addr, MaxString)
}

func (d *Debugger) peekSlow(pid int, addr uintptr, buf []byte) error {
	n, err := syscall.PtracePeekData(pid, addr, buf)
	if err != nil {
		return fmt.Errorf("debugger: peekdata at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("debugger: short peekdata at %#x: got %d want %d", addr, n, len(buf))
	}
	return nil
}

func processVMReadv(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remoteIov := []unix.RemoteIovec{{Base: addr, Len: len(data)}}
	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}
