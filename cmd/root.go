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

// Package cmd is the Tracer's command-line front end (spec.md §4.L, §6):
// a single cobra root command that parses flags, binds them through cfg,
// and hands the remaining argv off to internal/tracer.
package cmd

import (
	"fmt"
	"os"

	"github.com/cooperative-computing-lab/gotracer/cfg"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	bindErr error
)

var rootCmd = &cobra.Command{
	Use:   "gotracer [flags] -- prog [args...]",
	Short: "Run a program under a user-level ptrace virtual filesystem",
	Long: `gotracer attaches to a launched program via ptrace and rewrites
its filesystem syscalls according to a namespace of path redirects,
without requiring any change to the traced program itself.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		c, err := cfg.Load(cmd.Flags(), cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runTracer(cmd.Context(), c, args)
	},
}

// Execute runs the root command, exiting the process with the code the
// traced run (or a startup failure) reports.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.Flags().SetInterspersed(false)
}
