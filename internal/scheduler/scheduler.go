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

// Package scheduler implements the Tracer's poll/sleep loop (spec.md
// §4.G): processes blocked on an fd becoming ready, or on a deadline,
// register a wait condition here; Sleep blocks the whole Tracer (it is
// single-threaded by design) until something wakes.
package scheduler

import (
	"fmt"
	"time"

	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"golang.org/x/sys/unix"
)

// WaitMask is a bitmask of the conditions a process is sleeping on.
type WaitMask int

const (
	Read WaitMask = 1 << iota
	Write
	Except
)

// FDWait is one entry in the fd-wait table.
type FDWait struct {
	FD   int
	Pid  int
	Mask WaitMask
}

// TimeWait is one entry in the time-wait table.
type TimeWait struct {
	Deadline time.Time
	Pid      int
}

// Scheduler holds the two bounded tables spec.md §4.G describes.
type Scheduler struct {
	maxEntries int
	fdWaits    []FDWait
	timeWaits  []TimeWait
}

// New returns a Scheduler whose tables hold at most maxEntries each.
func New(maxEntries int) *Scheduler {
	return &Scheduler{maxEntries: maxEntries}
}

// ErrTableFull is returned when a wait table is already at maxEntries.
var ErrTableFull = fmt.Errorf("scheduler: wait table full")

// AddFDWait registers pid as sleeping on fd becoming ready per mask.
func (s *Scheduler) AddFDWait(fd, pid int, mask WaitMask) error {
	if len(s.fdWaits) >= s.maxEntries {
		return ErrTableFull
	}
	s.fdWaits = append(s.fdWaits, FDWait{FD: fd, Pid: pid, Mask: mask})
	return nil
}

// AddTimeWait registers pid as sleeping until deadline.
func (s *Scheduler) AddTimeWait(deadline time.Time, pid int) error {
	if len(s.timeWaits) >= s.maxEntries {
		return ErrTableFull
	}
	s.timeWaits = append(s.timeWaits, TimeWait{Deadline: deadline, Pid: pid})
	return nil
}

// RemoveFDWait drops every fd-wait entry for pid (called once the pid is
// actually woken, or when the fd is closed out from under it).
func (s *Scheduler) RemoveFDWait(pid int) {
	out := s.fdWaits[:0]
	for _, w := range s.fdWaits {
		if w.Pid != pid {
			out = append(out, w)
		}
	}
	s.fdWaits = out
}

// RemoveTimeWait drops every time-wait entry for pid.
func (s *Scheduler) RemoveTimeWait(pid int) {
	out := s.timeWaits[:0]
	for _, w := range s.timeWaits {
		if w.Pid != pid {
			out = append(out, w)
		}
	}
	s.timeWaits = out
}

// Empty reports whether both tables are empty.
func (s *Scheduler) Empty() bool {
	return len(s.fdWaits) == 0 && len(s.timeWaits) == 0
}

// Sleep rebuilds fd_sets and a timeout from the union of both tables,
// pselects with the signal mask fully unblocked (so a child's SIGCHLD
// interrupts the call the instant it arrives), and returns every pid whose
// fd became ready or whose deadline passed. If the pselect call times out
// with no wakeups at all — a known kernel race around signal delivery
// during the atomic mask swap — the caller should reinstall its
// child-exit handling and retry; Sleep signals that case by returning a
// nil, nil result.
func (s *Scheduler) Sleep() (woken []int, err error) {
	if len(s.fdWaits) == 0 {
		return s.sleepTimeOnly()
	}

	var rfds, wfds, efds unix.FdSet
	maxFD := 0
	for _, w := range s.fdWaits {
		if w.Mask&Read != 0 {
			fdSet(&rfds, w.FD)
		}
		if w.Mask&Write != 0 {
			fdSet(&wfds, w.FD)
		}
		if w.Mask&Except != 0 {
			fdSet(&efds, w.FD)
		}
		if w.FD > maxFD {
			maxFD = w.FD
		}
	}

	var ts *unix.Timespec
	if d, ok := s.earliestDeadline(); ok {
		ts = &unix.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
	}

	var emptyMask unix.Sigset_t
	n, err := unix.Pselect(maxFD+1, &rfds, &wfds, &efds, ts, &emptyMask)
	if err != nil {
		if err == unix.EBADF {
			// spec.md §4.G: EBADF wakes every sleeping process to clean up.
			return s.wakeAll(), nil
		}
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduler: pselect: %w", err)
	}

	now := time.Now()
	if n > 0 {
		for _, w := range s.fdWaits {
			if (w.Mask&Read != 0 && fdIsSet(&rfds, w.FD)) ||
				(w.Mask&Write != 0 && fdIsSet(&wfds, w.FD)) ||
				(w.Mask&Except != 0 && fdIsSet(&efds, w.FD)) {
				woken = append(woken, w.Pid)
			}
		}
	}
	for _, w := range s.timeWaits {
		if !w.Deadline.After(now) {
			woken = append(woken, w.Pid)
		}
	}

	if n == 0 && len(woken) == 0 {
		logger.Debugf("scheduler: pselect returned no events (signal race); caller should retry")
		return nil, nil
	}
	return dedupe(woken), nil
}

func (s *Scheduler) sleepTimeOnly() ([]int, error) {
	d, ok := s.earliestDeadline()
	if !ok {
		return nil, nil
	}
	time.Sleep(d)
	now := time.Now()
	var woken []int
	for _, w := range s.timeWaits {
		if !w.Deadline.After(now) {
			woken = append(woken, w.Pid)
		}
	}
	return woken, nil
}

func (s *Scheduler) earliestDeadline() (time.Duration, bool) {
	if len(s.timeWaits) == 0 {
		return 0, false
	}
	now := time.Now()
	best := s.timeWaits[0].Deadline
	for _, w := range s.timeWaits[1:] {
		if w.Deadline.Before(best) {
			best = w.Deadline
		}
	}
	d := best.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Scheduler) wakeAll() []int {
	var pids []int
	for _, w := range s.fdWaits {
		pids = append(pids, w.Pid)
	}
	for _, w := range s.timeWaits {
		pids = append(pids, w.Pid)
	}
	return dedupe(pids)
}

func dedupe(pids []int) []int {
	seen := make(map[int]bool, len(pids))
	out := pids[:0]
	for _, p := range pids {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
