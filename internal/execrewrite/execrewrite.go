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

// Package execrewrite builds the new argv/exe pair an execve call should
// actually run (spec.md §4.I), the way gcsfuse_mount_helper rewrites a
// mount(8) invocation's argv before re-exec'ing the real gcsfuse binary:
// inspect what's being asked for, substitute a different argv[0] and
// prepend interpreter arguments, then hand the result back for the caller
// to actually invoke.
package execrewrite

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Plan is the rewritten execve the Dispatcher should apply: ExePath/Argv
// replace the tracee's originals; Interpreted reports whether a `#!`
// prefix drove the rewrite (so the Dispatcher knows to track scratch-region
// usage it must restore on failure).
type Plan struct {
	ExePath     string
	Argv        []string
	Interpreted bool
}

// MaxShebangLine bounds how much of a candidate script the Rewrite reads
// looking for a `#!` line, guarding against a multi-gigabyte "script" that
// happens to start with the two right bytes.
const MaxShebangLine = 4096

// Rewrite inspects path (already namespace-resolved to a physical path)
// and returns the argv the kernel should actually execve. A plain ELF or
// any file with no `#!` prefix is returned unchanged (Interpreted false).
// A `#!interp [arg]` script becomes `[interp, (arg?), path, origArgv[1:]...]`,
// matching the kernel's own shebang handling so that tracing stays
// consistent whether the kernel or the Tracer performs the substitution.
func Rewrite(physicalPath string, origArgv []string) (Plan, error) {
	interp, arg, ok, err := readShebang(physicalPath)
	if err != nil {
		return Plan{}, err
	}
	if !ok {
		return Plan{ExePath: physicalPath, Argv: origArgv}, nil
	}

	argv := make([]string, 0, len(origArgv)+2)
	argv = append(argv, interp)
	if arg != "" {
		argv = append(argv, arg)
	}
	argv = append(argv, physicalPath)
	if len(origArgv) > 1 {
		argv = append(argv, origArgv[1:]...)
	}
	return Plan{ExePath: interp, Argv: argv, Interpreted: true}, nil
}

// readShebang reads the first line of path and, if it starts with `#!`,
// splits it into an interpreter path and an optional single argument (the
// kernel's own binfmt_script handling allows at most one).
func readShebang(path string) (interp, arg string, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", false, fmt.Errorf("execrewrite: open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 2)
	n, _ := f.Read(header)
	if n < 2 || string(header) != "#!" {
		return "", "", false, nil
	}

	r := bufio.NewReaderSize(f, MaxShebangLine)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", "", false, fmt.Errorf("execrewrite: read shebang line of %s: %w", path, err)
	}
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false, fmt.Errorf("execrewrite: %s has empty shebang line", path)
	}

	fields := strings.SplitN(line, " ", 2)
	interp = fields[0]
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return interp, arg, true, nil
}

// ErrArgvTooLarge is returned by LayoutArgv when the rewritten argv/envp
// would overflow the scratch region reserved for it in the tracee, the
// Go-side analogue of the kernel's own E2BIG.
var ErrArgvTooLarge = fmt.Errorf("execrewrite: %w", os.ErrInvalid)

// LayoutArgv serializes argv as the kernel expects to find it in the
// tracee's scratch region: each string NUL-terminated, back to back,
// followed by a NULL-terminated pointer table once relocated by the
// caller (the Dispatcher knows the scratch region's base address and does
// the pointer-fixup itself; this just produces the flattened bytes and
// per-string offsets).
func LayoutArgv(argv []string, scratchSize int) (data []byte, offsets []int, err error) {
	offsets = make([]int, len(argv))
	for i, s := range argv {
		offsets[i] = len(data)
		data = append(data, s...)
		data = append(data, 0)
	}
	if len(data) > scratchSize {
		return nil, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrArgvTooLarge, len(data), scratchSize)
	}
	return data, offsets, nil
}
