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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cooperative-computing-lab/gotracer/cfg"
	"github.com/cooperative-computing-lab/gotracer/internal/dispatch"
	"github.com/cooperative-computing-lab/gotracer/internal/logger"
	"github.com/cooperative-computing-lab/gotracer/internal/tracer"
)

// runTracer builds the Tracer from c and runs argv under it, translating
// the result into the process's own exit status (spec.md §6).
func runTracer(ctx context.Context, c *cfg.Config, argv []string) error {
	logger.Init(os.Stderr, "text", string(c.LogSeverity()))

	if c.SyscallTable {
		fmt.Print(dispatch.SyscallTableText())
		return nil
	}

	t, err := tracer.New(c)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer t.Close()

	tempDir := c.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	crash := NewCrashWriter(filepath.Join(tempDir, "gotracer-crash.log"), t.Procs())
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(crash, "panic: %v\n", r)
			os.Exit(2)
		}
	}()

	result := t.Run(ctx, argv)

	if err := tracer.WriteStatusFile(c.StatusFile, result); err != nil {
		logger.Errorf("writing status file %q: %v", c.StatusFile, err)
	}

	os.Exit(result.ExitCode)
	return nil
}
