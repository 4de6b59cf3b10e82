// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce coalesces bursts of document edits into one validation.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultWindow is the default quiet period after the last edit.
const DefaultWindow = 250 * time.Millisecond

var (
	// debounceEvents counts scheduling decisions by event.
	debounceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pikels_debounce_events_total",
		Help: "Debounced validation events by type",
	}, []string{"event"})

	// validationDuration tracks how long validations triggered here take.
	validationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pikels_debounce_validation_duration_seconds",
		Help:    "Duration of debounced validations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})
)

// ValidateFunc validates the current state of uri. version is the editor
// version that caused the validation; implementations should read the
// document's then-current state rather than trust it.
type ValidateFunc func(ctx context.Context, uri string, version int)

// pendingRun is the single surviving scheduled validation of a URI.
type pendingRun struct {
	timer      *time.Timer
	generation uint64
	version    int
}

// Debouncer schedules validations per URI.
//
// Description:
//
//	Each Schedule call for a URI replaces the pending one and restarts the
//	quiet period, so N edits within the window produce one validation,
//	Window after the last edit. A per-URI generation counter is checked at
//	fire time, so a timer that already fired but lost the race against a
//	newer Schedule does nothing. A validation that is already running is
//	never interrupted; edits during it schedule the next one.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Debouncer struct {
	window   time.Duration
	validate ValidateFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     map[string]*pendingRun
	generations map[string]uint64
	stopped     bool
	running     sync.WaitGroup
}

// New creates a debouncer. A non-positive window uses DefaultWindow.
func New(window time.Duration, validate ValidateFunc) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		window:      window,
		validate:    validate,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]*pendingRun),
		generations: make(map[string]uint64),
	}
}

// Window returns the quiet period.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Schedule (re)starts the quiet period for uri.
func (d *Debouncer) Schedule(uri string, version int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	gen := d.bumpLocked(uri)
	if p, ok := d.pending[uri]; ok {
		p.timer.Stop()
		debounceEvents.WithLabelValues("superseded").Inc()
	}

	d.pending[uri] = &pendingRun{
		generation: gen,
		version:    version,
		timer: time.AfterFunc(d.window, func() {
			d.fire(uri, gen)
		}),
	}
	debounceEvents.WithLabelValues("scheduled").Inc()
}

// bumpLocked advances the generation of uri. Caller holds d.mu.
func (d *Debouncer) bumpLocked(uri string) uint64 {
	d.generations[uri]++
	return d.generations[uri]
}

// fire runs the validation if gen is still the newest schedule of uri.
func (d *Debouncer) fire(uri string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[uri]
	if !ok || p.generation != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, uri)
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	debounceEvents.WithLabelValues("fired").Inc()
	d.run(uri, p.version)
}

func (d *Debouncer) run(uri string, version int) {
	start := time.Now()
	defer func() {
		validationDuration.Observe(time.Since(start).Seconds())
	}()

	slog.Debug("Running debounced validation",
		slog.String("uri", uri),
		slog.Int("version", version),
	)
	d.validate(d.ctx, uri, version)
}

// Cancel drops the pending validation of uri, e.g. when it is closed.
// Returns false if nothing was pending.
func (d *Debouncer) Cancel(uri string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[uri]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, uri)
	d.bumpLocked(uri)
	debounceEvents.WithLabelValues("cancelled").Inc()
	return true
}

// Flush runs the pending validation of uri now, in the caller's goroutine.
// Returns false if nothing was pending.
func (d *Debouncer) Flush(uri string) bool {
	d.mu.Lock()
	p, ok := d.pending[uri]
	if !ok || d.stopped {
		d.mu.Unlock()
		return false
	}
	p.timer.Stop()
	delete(d.pending, uri)
	d.bumpLocked(uri)
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	debounceEvents.WithLabelValues("flushed").Inc()
	d.run(uri, p.version)
	return true
}

// Pending reports whether a validation of uri is scheduled.
func (d *Debouncer) Pending(uri string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[uri]
	return ok
}

// PendingCount returns the number of scheduled validations.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending validation and waits for running ones. The
// context passed to running validations is cancelled. Idempotent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for uri, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, uri)
	}
	d.mu.Unlock()

	d.cancel()
	d.running.Wait()
}
