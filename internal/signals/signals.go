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

// Package signals classifies the signals the Tracer itself receives and
// the ones a tracee raises (spec.md §4.K): which ones pass straight
// through to the tracee, which ones are fatal to the whole Tracer process,
// and which ones are purely internal bookkeeping (e.g. the SIGCHLD that
// drives the debugger's wait loop). It also enforces that a kill(2) issued
// by one traced process against another can't cross a namespace the
// Tracer itself set up to keep them apart.
package signals

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Class is the outcome of classifying a signal the Tracer observed.
type Class int

const (
	// Forward means the signal should be delivered to the tracee at its
	// next resume, unmodified.
	Forward Class = iota
	// Fatal means the Tracer itself must stop: clean up every tracee and
	// exit.
	Fatal
	// Internal means the signal exists only to drive the Tracer's own
	// control flow (SIGCHLD waking the debugger's wait4 loop) and must
	// never reach a tracee.
	Internal
)

// Classify reports how the Tracer should treat sig.
func Classify(sig unix.Signal) Class {
	switch sig {
	case unix.SIGCHLD:
		return Internal
	case unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGHUP:
		return Fatal
	default:
		return Forward
	}
}

// Watch installs a signal.Notify channel for the Fatal and Internal
// classes the Tracer cares about at the process level (tracee-bound
// signals arrive through ptrace stops, not through this channel).
func Watch() chan os.Signal {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGHUP, unix.SIGCHLD)
	return ch
}

// Interruptible tracks, per process and per signal number, whether that
// process's current handler for the signal has SA_RESTART set. The
// Dispatcher holds one and the Tracer calls Forget when a process exits;
// sigaction is not traced and no dispatch path calls SetAction or
// ShouldInterrupt, so every lookup returns the default (interrupt).
type Interruptible struct {
	restartable map[int]map[int]bool // pid -> signum -> SA_RESTART set
}

// NewInterruptible returns an empty table.
func NewInterruptible() *Interruptible {
	return &Interruptible{restartable: make(map[int]map[int]bool)}
}

// SetAction records whether pid's handler for sig has SA_RESTART set.
func (r *Interruptible) SetAction(pid, sig int, restart bool) {
	m, ok := r.restartable[pid]
	if !ok {
		m = make(map[int]bool)
		r.restartable[pid] = m
	}
	m[sig] = restart
}

// ShouldInterrupt reports whether a backend call blocked on behalf of pid
// should return -EINTR when sig arrives: true unless pid has explicitly
// registered SA_RESTART for sig.
func (r *Interruptible) ShouldInterrupt(pid, sig int) bool {
	m, ok := r.restartable[pid]
	if !ok {
		return true
	}
	return !m[sig]
}

// Forget drops pid's bookkeeping, called on process exit.
func (r *Interruptible) Forget(pid int) {
	delete(r.restartable, pid)
}

// CrossNamespaceKill reports whether a kill(2) from a process in callerNS
// against a process in targetNS must be refused: the Tracer treats two
// processes as mutually visible for signaling only when one namespace is
// an ancestor of (or identical to) the other, mirroring how a real kernel
// pid namespace boundary works for kill(2). isAncestor(a, b) reports
// whether a is an ancestor of (or the same as) b; the caller supplies it,
// so this package does not import internal/namespace.
func CrossNamespaceKill[NS comparable](callerNS, targetNS NS, isAncestor func(a, b NS) bool) bool {
	if callerNS == targetNS {
		return false
	}
	return !isAncestor(callerNS, targetNS) && !isAncestor(targetNS, callerNS)
}
