// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Kokia is a runtime-independent source-level debugger for async
// programs. The kokia command attaches to a process and serves the
// reconstructed task graph through an interactive prompt.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kokia",
		Short: "async-aware debugger for native executables",
		Long: `Kokia reconstructs the logical structure of an async program
(the await chain, the task inventory and each suspended task's locals)
from breakpoint events on the generator poll routine.`,
		SilenceUsage: true,
	}
	root.AddCommand(attachCmd())
	return root
}

func attachCmd() *cobra.Command {
	var (
		pid        int
		polls      []string
		byScope    bool
		metricAddr string
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "attach to a running process and open the prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid <= 0 {
				return fmt.Errorf("attach: --pid is required")
			}
			if len(polls) == 0 {
				return fmt.Errorf("attach: at least one --poll range is required")
			}
			return runAttach(pid, polls, byScope, metricAddr)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process id to attach to")
	cmd.Flags().StringArrayVar(&polls, "poll", nil,
		"generator-poll function as [name=]lo-hi (0x prefix for hex addresses); repeatable")
	cmd.Flags().BoolVar(&byScope, "parent-by-scope", false,
		"infer await parents from the poll scope only, skipping stack scans")
	cmd.Flags().StringVar(&metricAddr, "metrics", "",
		"serve Prometheus metrics on this address (e.g. :9120)")
	return cmd
}
