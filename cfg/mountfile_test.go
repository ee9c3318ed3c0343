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
	"strings"
	"testing"

	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMountfileReaderOrderAndComments(t *testing.T) {
	src := strings.NewReader(`
# comment line, ignored
/cvmfs/x http://host/x

/bin DENY
"/with space" '/also space'
`)
	entries, err := parseMountfileReader(src)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "/cvmfs/x", entries[0].Prefix)
	assert.Equal(t, namespace.ClassLiteral, entries[0].Class)

	assert.Equal(t, "/bin", entries[1].Prefix)
	assert.Equal(t, namespace.ClassDeny, entries[1].Class)

	assert.Equal(t, "/with space", entries[2].Prefix)
	assert.Equal(t, "/also space", entries[2].Redirect)
}

func TestParseMountfileReaderRejectsBadLine(t *testing.T) {
	_, err := parseMountfileReader(strings.NewReader("/only-one-token\n"))
	assert.Error(t, err)
}

func TestParseMountString(t *testing.T) {
	entries, err := ParseMountString([]string{"/cvmfs=http://host/x", "/bin=DENY"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/cvmfs", entries[0].Prefix)
	assert.Equal(t, "http://host/x", entries[0].Redirect)
	assert.Equal(t, namespace.ClassDeny, entries[1].Class)
}
