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

package cfg

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
)

// ParseMountfile reads the mountfile format of spec.md §6: text, each
// non-blank non-`#` line is `<prefix> <redirect>`, tokens shell-escaped,
// processed in file order (order is resolution-significant).
func ParseMountfile(path string) ([]namespace.MountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMountfileReader(f)
}

func parseMountfileReader(r io.Reader) ([]namespace.MountEntry, error) {
	var entries []namespace.MountEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens, err := splitShellWords(line)
		if err != nil {
			return nil, fmt.Errorf("mountfile line %d: %w", lineNo, err)
		}
		if len(tokens) != 2 {
			return nil, fmt.Errorf("mountfile line %d: want 2 tokens, got %d", lineNo, len(tokens))
		}
		entries = append(entries, namespace.NewMountEntry(tokens[0], tokens[1]))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ParseMountString parses `prefix=redirect` specs, one per element: the
// `--mount` flag values, or a TRACER_MOUNT_STRING value that Load has
// already split on `;`, into entries.
func ParseMountString(specs []string) ([]namespace.MountEntry, error) {
	var entries []namespace.MountEntry
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("mount spec %q: want prefix=redirect", spec)
		}
		entries = append(entries, namespace.NewMountEntry(parts[0], parts[1]))
	}
	return entries, nil
}

// splitShellWords tokenizes a single line the way a shell would for an
// unquoted or quoted argument list: whitespace separates tokens outside of
// quotes, single and double quotes group a token's characters verbatim
// (double quotes still honor backslash), and a trailing unclosed quote is
// an error.
func splitShellWords(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				continue
			}
			if c == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
				continue
			}
			cur.WriteRune(c)
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			inToken = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteRune(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}
