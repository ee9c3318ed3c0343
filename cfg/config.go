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

// Package cfg binds the Tracer's command-line flags, environment variables,
// and (optionally) a YAML config file into one Config struct, per spec §6.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every value named in spec.md §6's command-line subset.
type Config struct {
	MountFile    string        `mapstructure:"mount-file"`
	Mounts       []string      `mapstructure:"mount"`
	CvmfsRepos   string        `mapstructure:"cvmfs-repos"`
	LdPath       string        `mapstructure:"ld-path"`
	TempDir      string        `mapstructure:"tempdir"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Uid          int           `mapstructure:"uid"`
	Gid          int           `mapstructure:"gid"`
	Hostname     string        `mapstructure:"hostname"`
	StatusFile   string        `mapstructure:"status-file"`
	SyscallTable bool          `mapstructure:"syscall-table"`
	Debug        []string      `mapstructure:"debug"`
}

// LogSeverity derives the logger severity from the --debug flags: any flag
// of the form "level:X" or the bare token "debug"/"trace" sets the
// threshold; absent that, INFO.
func (c *Config) LogSeverity() LogSeverity {
	for _, d := range c.Debug {
		switch {
		case len(d) > 6 && d[:6] == "level:":
			var sev LogSeverity
			if err := sev.UnmarshalText([]byte(d[6:])); err == nil {
				return sev
			}
		case d == "trace":
			return TraceLogSeverity
		case d == "debug":
			return DebugLogSeverity
		}
	}
	return InfoLogSeverity
}

// BindFlags registers every flag named in spec.md §6 on flagSet and binds it
// into viper under the matching key, mirroring the teacher's
// flag-then-BindPFlag idiom.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("mount-file", "", "Path to a mountfile of <prefix> <redirect> lines.")
	flagSet.StringArray("mount", nil, "A single prefix=redirect mount, may be repeated.")
	flagSet.String("cvmfs-repos", "", "CVMFS repository specification string.")
	flagSet.String("ld-path", "", "Path to a dynamic-loader ABI probe binary.")
	flagSet.String("tempdir", "", "Temporary directory for the channel backing file and caches.")
	flagSet.Duration("timeout", 0, "Global timeout for backend calls; 0 disables the limit.")
	flagSet.Int("uid", -1, "UID to report for the traced process; -1 uses the real UID.")
	flagSet.Int("gid", -1, "GID to report for the traced process; -1 uses the real GID.")
	flagSet.String("hostname", "", "Hostname to report to the traced process.")
	flagSet.String("status-file", "", "Path to write the two-line exit-status file.")
	flagSet.Bool("syscall-table", false, "Print the syscall dispatch table and exit.")
	flagSet.StringArray("debug", nil, "Debug flags, may be repeated (e.g. level:DEBUG).")

	for _, name := range []string{
		"mount-file", "mount", "cvmfs-repos", "ld-path", "tempdir", "timeout",
		"uid", "gid", "hostname", "status-file", "syscall-table", "debug",
	} {
		if err := viper.BindPFlag(name, flagSet.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal fills a Config from viper's current state (flags, then env,
// then config file, per the precedence established by Load).
func Unmarshal(v *viper.Viper, c *Config) error {
	return v.Unmarshal(c)
}
