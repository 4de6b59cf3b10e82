// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package benchcheck gates CI on benchmark results.
//
// It checks that the compilation cache makes a hit markedly faster than a
// miss and, given a baseline, that the overall mean has not regressed.
// Missing inputs skip the check rather than fail it, so a pipeline without
// results yet stays green.
package benchcheck

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Defaults for Options.
const (
	DefaultSpeedupThreshold = 50.0
	DefaultAlertThreshold   = 1.2

	cacheGroupName = "Compilation Cache"
	cacheHitName   = "Cache Hit"
	cacheMissName  = "Cache Miss"
)

// Results is a benchmark results file.
type Results struct {
	Groups []Group `json:"groups"`

	// Mean is the overall mean in milliseconds.
	Mean float64 `json:"mean"`
}

// Group is a named set of benchmarks.
type Group struct {
	Name       string      `json:"name"`
	Benchmarks []Benchmark `json:"benchmarks"`
}

// Benchmark is one benchmark's mean time in milliseconds.
type Benchmark struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
}

// Options configures a check.
type Options struct {
	// ResultsFile is the results JSON to check.
	ResultsFile string

	// BaselineFile enables the regression check when set and present.
	BaselineFile string

	// SpeedupThreshold is the minimum cache speedup in percent.
	SpeedupThreshold float64

	// AlertThreshold is the largest allowed current/baseline mean ratio.
	AlertThreshold float64
}

// OptionsFromEnv reads COMPILE_SPEEDUP_THRESHOLD, ALERT_THRESHOLD and
// BASELINE_FILE, falling back to the defaults for unset variables.
func OptionsFromEnv(resultsFile string) (Options, error) {
	opts := Options{
		ResultsFile:      resultsFile,
		BaselineFile:     os.Getenv("BASELINE_FILE"),
		SpeedupThreshold: DefaultSpeedupThreshold,
		AlertThreshold:   DefaultAlertThreshold,
	}
	if v := os.Getenv("COMPILE_SPEEDUP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("COMPILE_SPEEDUP_THRESHOLD: %w", err)
		}
		opts.SpeedupThreshold = f
	}
	if v := os.Getenv("ALERT_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("ALERT_THRESHOLD: %w", err)
		}
		opts.AlertThreshold = f
	}
	return opts, nil
}

// Report is the outcome of a check.
type Report struct {
	// Skipped is set when there was nothing to check; SkipReason says why.
	Skipped    bool
	SkipReason string

	HitMean  float64
	MissMean float64

	// Speedup is (miss-hit)/miss in percent.
	Speedup          float64
	SpeedupThreshold float64

	// BaselineChecked is set when the regression check ran.
	BaselineChecked bool
	CurrentMean     float64
	BaselineMean    float64
	Regression      float64
	AlertThreshold  float64

	// Warnings are problems that do not fail the check.
	Warnings []string

	// Failures are the reasons the check failed.
	Failures []string
}

// Failed reports whether any threshold was violated.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

// Check runs the cache speedup and baseline regression checks.
//
// Description:
//
//	An unreadable or malformed results file, a missing "Compilation Cache"
//	group, or a group without "Cache Hit" and "Cache Miss" benchmarks
//	skips the check. A baseline that cannot be read or has a zero mean is
//	a warning.
//
// Outputs:
//
//	*Report - Never nil
func Check(opts Options) *Report {
	if opts.SpeedupThreshold == 0 {
		opts.SpeedupThreshold = DefaultSpeedupThreshold
	}
	if opts.AlertThreshold == 0 {
		opts.AlertThreshold = DefaultAlertThreshold
	}
	report := &Report{
		SpeedupThreshold: opts.SpeedupThreshold,
		AlertThreshold:   opts.AlertThreshold,
	}

	results, err := readResults(opts.ResultsFile)
	if err != nil {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("cannot read benchmark results from %s: %v", opts.ResultsFile, err)
		return report
	}

	group, ok := findGroup(results.Groups, cacheGroupName)
	if !ok {
		report.Skipped = true
		report.SkipReason = "no Compilation Cache benchmark group found"
		return report
	}
	hit, okHit := findBenchmark(group.Benchmarks, cacheHitName)
	miss, okMiss := findBenchmark(group.Benchmarks, cacheMissName)
	if !okHit || !okMiss {
		report.Skipped = true
		report.SkipReason = "Cache Hit or Cache Miss benchmark not found"
		return report
	}

	report.HitMean = hit.Mean
	report.MissMean = miss.Mean
	report.Speedup = speedup(hit.Mean, miss.Mean)
	if report.Speedup < opts.SpeedupThreshold {
		report.Failures = append(report.Failures, fmt.Sprintf(
			"cache speedup (%.1f%%) below threshold (%g%%)", report.Speedup, opts.SpeedupThreshold))
	}

	if opts.BaselineFile != "" {
		checkBaseline(report, results, opts)
	}
	return report
}

// speedup is 100 when a hit is effectively free and 0 when there is no
// miss time to compare against.
func speedup(hit, miss float64) float64 {
	switch {
	case hit > 0 && miss > 0:
		return (miss - hit) / miss * 100
	case miss > 0:
		return 100
	default:
		return 0
	}
}

func checkBaseline(report *Report, results *Results, opts Options) {
	baseline, err := readResults(opts.BaselineFile)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("could not compare against baseline: %v", err))
		return
	}
	if baseline.Mean <= 0 {
		report.Warnings = append(report.Warnings, "baseline has no overall mean, regression check skipped")
		return
	}

	report.BaselineChecked = true
	report.CurrentMean = results.Mean
	report.BaselineMean = baseline.Mean
	report.Regression = results.Mean / baseline.Mean
	if report.Regression > opts.AlertThreshold {
		report.Failures = append(report.Failures, fmt.Sprintf(
			"performance regression detected (%.1f%% > %g%%)", report.Regression*100, opts.AlertThreshold*100))
	}
}

func readResults(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &r, nil
}

func findGroup(groups []Group, name string) (Group, bool) {
	for _, g := range groups {
		if strings.Contains(g.Name, name) {
			return g, true
		}
	}
	return Group{}, false
}

func findBenchmark(benches []Benchmark, name string) (Benchmark, bool) {
	for _, b := range benches {
		if strings.Contains(b.Name, name) {
			return b, true
		}
	}
	return Benchmark{}, false
}

// Write prints the report in a human-readable form.
func (r *Report) Write(w io.Writer) {
	if r.Skipped {
		fmt.Fprintf(w, "%s, skipping cache checks.\n", r.SkipReason)
		return
	}

	fmt.Fprintln(w, "=== Compilation Cache Performance ===")
	fmt.Fprintf(w, "Cache Hit Mean:     %.3f ms\n", r.HitMean)
	fmt.Fprintf(w, "Cache Miss Mean:    %.3f ms\n", r.MissMean)
	fmt.Fprintf(w, "Cache Speedup:      %.1f%%\n", r.Speedup)
	if r.Speedup >= r.SpeedupThreshold {
		fmt.Fprintf(w, "OK: Cache speedup meets threshold (%g%%)\n", r.SpeedupThreshold)
	}

	if r.BaselineChecked {
		fmt.Fprintln(w, "\n=== Overall Regression Check ===")
		fmt.Fprintf(w, "Current Mean:  %.3f ms\n", r.CurrentMean)
		fmt.Fprintf(w, "Baseline Mean: %.3f ms\n", r.BaselineMean)
		fmt.Fprintf(w, "Regression:    %.1f%%\n", r.Regression*100)
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
	for _, failure := range r.Failures {
		fmt.Fprintf(w, "ERROR: %s\n", failure)
	}
	if !r.Failed() {
		fmt.Fprintln(w, "\nBenchmark regression checks passed.")
	}
}
