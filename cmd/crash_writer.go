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

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/cooperative-computing-lab/gotracer/internal/proctable"
)

// CrashWriter appends a diagnostic dump of the process table to fileName
// when runTracer recovers a panic, so a crashed run leaves behind a record
// of which pids were live and what state each was in.
type CrashWriter struct {
	fileName string
	procs    *proctable.Table
}

// NewCrashWriter returns a CrashWriter that dumps procs's state to path.
func NewCrashWriter(path string, procs *proctable.Table) *CrashWriter {
	return &CrashWriter{fileName: path, procs: procs}
}

// Write appends p followed by a snapshot of the process table; runTracer
// hands it the formatted panic message as p.
func (w *CrashWriter) Write(p []byte) (n int, err error) {
	f, err := os.OpenFile(w.fileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	n, err = f.Write(p)
	if err != nil {
		return
	}

	fmt.Fprintf(f, "\n--- process table at %s ---\n", time.Now().UTC().Format(time.RFC3339))
	if w.procs == nil {
		return
	}
	for _, row := range w.procs.Snapshot() {
		fmt.Fprintf(f, "pid=%d ppid=%d tgid=%d lead=%v state=%s channel_fd=%d\n",
			row.Pid, row.Ppid, row.Tgid, row.Lead, row.State, row.ChannelFD)
	}
	return
}
