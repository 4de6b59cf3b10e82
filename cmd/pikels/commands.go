// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pikels/services/pikels"
	"github.com/AleutianAI/pikels/services/pikels/benchcheck"
)

var (
	configPath string
	debugAddr  string
	noWatch    bool

	rootCmd = &cobra.Command{
		Use:   "pikels",
		Short: "A language server for Pike",
		Long: `pikels serves diagnostics, hover, completion and reference counts
for Pike sources over the Language Server Protocol. Analysis runs in a
long-lived Pike worker process.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the language server on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	benchCheckCmd = &cobra.Command{
		Use:   "bench-check [results.json]",
		Short: "Fail when compilation cache benchmarks regress",
		Long: `Reads benchmark results (default benchmark-results.json) and fails when
the cache speedup is below COMPILE_SPEEDUP_THRESHOLD percent, or, with
BASELINE_FILE set, when the overall mean exceeds the baseline by more
than ALERT_THRESHOLD. Missing results skip the check.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runBenchCheck,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the pikels version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pikels %s\n", pikels.ServiceVersion)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file overlaid on the defaults")
	serveCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "Listen address of the debug HTTP server (overrides config)")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable the workspace file watcher")

	rootCmd.AddCommand(benchCheckCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBenchCheck(cmd *cobra.Command, args []string) error {
	resultsFile := "benchmark-results.json"
	if len(args) == 1 {
		resultsFile = args[0]
	}
	opts, err := benchcheck.OptionsFromEnv(resultsFile)
	if err != nil {
		return err
	}

	report := benchcheck.Check(opts)
	report.Write(cmd.OutOrStdout())
	if report.Failed() {
		return fmt.Errorf("benchmark checks failed: %d violation(s)", len(report.Failures))
	}
	return nil
}
