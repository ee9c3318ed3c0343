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

package tracer

import (
	"fmt"
	"os"
)

// WriteStatusFile renders r as the two-line exit-status file format of
// spec.md §6: a reason tag, then an integer, each on its own line. path
// empty is a no-op, matching the --status-file flag being optional.
func WriteStatusFile(path string, r Result) error {
	if path == "" {
		return nil
	}
	contents := fmt.Sprintf("%s\n%d\n", r.Reason, r.Status)
	return os.WriteFile(path, []byte(contents), 0o644)
}
