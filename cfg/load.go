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
	"os"

	"github.com/cooperative-computing-lab/gotracer/internal/namespace"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envOverrides lists the spec.md §6 environment variables, highest
// precedence only below an explicitly-set flag.
var envOverrides = []struct {
	env string
	key string
}{
	{"TRACER_MOUNT_FILE", "mount-file"},
	{"TRACER_TIMEOUT", "timeout"},
	{"TRACER_UID", "uid"},
	{"TRACER_GID", "gid"},
	{"TRACER_TEMP_DIR", "tempdir"},
}

// Load builds a Config from flagSet (already parsed) applying the
// precedence order documented in SPEC_FULL.md §3: explicit flag > env var >
// config file > built-in default. configFile may be empty.
func Load(flagSet *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, err
	}

	for _, o := range envOverrides {
		if flagSet.Changed(o.key) {
			continue
		}
		val, ok := os.LookupEnv(o.env)
		if !ok {
			continue
		}
		v.Set(o.key, val)
	}

	if !flagSet.Changed("debug") {
		if dbg, ok := os.LookupEnv("TRACER_DEBUG_FLAGS"); ok {
			v.Set("debug", splitNonEmpty(dbg, ","))
		}
	}

	if !flagSet.Changed("mount") {
		if ms, ok := os.LookupEnv("TRACER_MOUNT_STRING"); ok {
			v.Set("mount", splitNonEmpty(ms, ";"))
		}
	}

	c := &Config{Uid: -1, Gid: -1}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// MountEntries reads c's mountfile (if any) and c.Mounts flags, in that
// order, into one ordered entry list per spec.md §6's resolution-order
// requirement.
func MountEntries(c *Config) ([]namespace.MountEntry, error) {
	var entries []namespace.MountEntry
	if c.MountFile != "" {
		fileEntries, err := ParseMountfile(c.MountFile)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}
	flagEntries, err := ParseMountString(c.Mounts)
	if err != nil {
		return nil, err
	}
	return append(entries, flagEntries...), nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || string(s[i]) == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
