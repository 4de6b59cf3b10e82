// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// STATE
// =============================================================================

// State represents the lifecycle state of the worker bridge.
type State int

const (
	// StateUnstarted is the initial state before the first request.
	StateUnstarted State = iota

	// StateStarting means a worker process is being spawned and handshaken.
	StateStarting

	// StateReady means the worker answered the handshake and serves requests.
	StateReady

	// StateRestarting means the previous worker was discarded after a crash
	// or timeout recycle. The next request starts a new one.
	StateRestarting

	// StateFailed means the last start attempt failed. The next request
	// tries again.
	StateFailed

	// StateStopped is terminal. Set by Shutdown.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	names := []string{"unstarted", "starting", "ready", "restarting", "failed", "stopped"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// CONFIG
// =============================================================================

// Config configures the worker process.
type Config struct {
	// Command is the executable to run. Default: "pike".
	Command string

	// Args are passed to Command, typically the analyzer script path.
	Args []string

	// Env entries ("KEY=value") are appended to the inherited environment.
	Env []string

	// Dir is the working directory of the worker. Empty means inherit.
	Dir string

	// StartupTimeout bounds spawn plus handshake. Default: 30s.
	StartupTimeout time.Duration

	// RequestTimeout bounds a single request. Default: 10s.
	RequestTimeout time.Duration

	// ShutdownTimeout bounds the graceful shutdown sequence. Default: 5s.
	ShutdownTimeout time.Duration

	// MaxConsecutiveTimeouts is how many timeouts in a row, with no
	// successful response in between, recycle the process. Default: 3.
	MaxConsecutiveTimeouts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Command:                "pike",
		StartupTimeout:         30 * time.Second,
		RequestTimeout:         10 * time.Second,
		ShutdownTimeout:        5 * time.Second,
		MaxConsecutiveTimeouts: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Command == "" {
		c.Command = d.Command
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxConsecutiveTimeouts <= 0 {
		c.MaxConsecutiveTimeouts = d.MaxConsecutiveTimeouts
	}
	return c
}

// =============================================================================
// WORKER PROCESS
// =============================================================================

// worker is one spawned process. A worker is never reused after it is
// discarded; restarts create a new one.
type worker struct {
	id       int64
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	protocol *Protocol
	cancel   context.CancelFunc
	exited   chan struct{}
}

// kill terminates the process. Safe to call more than once.
func (w *worker) kill() {
	w.cancel()
}

// startAttempt is shared by every caller waiting on the same start.
type startAttempt struct {
	done chan struct{}
	err  error
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge owns the worker process and the request/response contract with it.
//
// Description:
//
//	Starts the worker lazily on the first request and restarts it
//	transparently after it crashes. Requests are pipelined: callers do not
//	wait for each other, responses are matched by id.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Bridge struct {
	config  Config
	session string

	mu                  sync.Mutex
	state               State
	current             *worker
	starting            *startAttempt
	lastErr             error
	spawns              int64
	consecutiveTimeouts int
	version             VersionInfo
	readyHooks          []func(VersionInfo)
}

// New creates a bridge. The worker is not started until Start or the
// first Request.
func New(config Config) *Bridge {
	return &Bridge{
		config:  config.withDefaults(),
		session: uuid.NewString(),
		state:   StateUnstarted,
	}
}

// OnReady registers fn to run after every successful (re)start with the
// worker's version info. Hooks run outside the bridge lock.
func (b *Bridge) OnReady(fn func(VersionInfo)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readyHooks = append(b.readyHooks, fn)
}

// Start spawns the worker if it is not running and waits until it is ready.
//
// Description:
//
//	Idempotent. Returns immediately when Ready. Concurrent callers during a
//	start wait for the same attempt. The spawn itself is bounded by
//	StartupTimeout and is not cancelled when ctx ends; ctx only bounds how
//	long this caller waits.
//
// Outputs:
//
//	error - ErrBridgeStopped after Shutdown, ErrWorkerNotInstalled,
//	        ErrHandshakeFailed, or ctx.Err()
//
// Thread Safety:
//
//	Safe for concurrent use.
func (b *Bridge) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	b.mu.Lock()
	switch b.state {
	case StateStopped:
		b.mu.Unlock()
		return ErrBridgeStopped
	case StateReady:
		b.mu.Unlock()
		return nil
	}
	attempt := b.starting
	if attempt == nil {
		attempt = &startAttempt{done: make(chan struct{})}
		b.starting = attempt
		b.state = StateStarting
		go b.runStart(attempt)
	}
	b.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStart performs one start attempt and publishes its outcome.
func (b *Bridge) runStart(attempt *startAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.StartupTimeout)
	defer cancel()

	w, info, err := b.spawn(ctx)

	b.mu.Lock()
	b.starting = nil
	if b.state == StateStopped {
		b.mu.Unlock()
		if w != nil {
			w.kill()
		}
		attempt.err = ErrBridgeStopped
		close(attempt.done)
		return
	}

	if err == nil {
		select {
		case <-w.exited:
			err = fmt.Errorf("%w: exited after handshake", ErrWorkerUnavailable)
		default:
		}
	}

	var hooks []func(VersionInfo)
	if err != nil {
		b.state = StateFailed
		b.lastErr = err
	} else {
		b.current = w
		b.state = StateReady
		b.lastErr = nil
		b.version = info
		b.consecutiveTimeouts = 0
		hooks = append(hooks, b.readyHooks...)
	}
	b.mu.Unlock()

	if err != nil {
		slog.Warn("Pike worker failed to start",
			slog.String("session", b.session),
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("Pike worker ready",
			slog.String("session", b.session),
			slog.Int64("worker", w.id),
			slog.String("version", info.Version),
		)
		// Hooks finish before any waiter is released.
		for _, h := range hooks {
			h(info)
		}
	}

	attempt.err = err
	close(attempt.done)
}

// spawn starts a process and performs the get_version handshake.
func (b *Bridge) spawn(ctx context.Context) (*worker, VersionInfo, error) {
	path, err := exec.LookPath(b.config.Command)
	if err != nil {
		recordSpawn(ctx, false)
		return nil, VersionInfo{}, fmt.Errorf("%w: %s", ErrWorkerNotInstalled, b.config.Command)
	}

	// The process outlives any single caller's context.
	procCtx, procCancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, path, b.config.Args...)
	cmd.Dir = b.config.Dir
	cmd.Env = append(os.Environ(), b.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		procCancel()
		return nil, VersionInfo{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		procCancel()
		return nil, VersionInfo{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		procCancel()
		return nil, VersionInfo{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		procCancel()
		recordSpawn(ctx, false)
		return nil, VersionInfo{}, fmt.Errorf("%w: start process: %v", ErrWorkerUnavailable, err)
	}

	b.mu.Lock()
	b.spawns++
	id := b.spawns
	b.mu.Unlock()

	w := &worker{
		id:       id,
		cmd:      cmd,
		stdin:    stdin,
		protocol: NewProtocol(stdout, stdin),
		cancel:   procCancel,
		exited:   make(chan struct{}),
	}

	slog.Info("Starting Pike worker",
		slog.String("session", b.session),
		slog.Int64("worker", id),
		slog.String("command", path),
	)

	go b.supervise(w, stderr)

	var info VersionInfo
	resp, err := w.protocol.SendRequest(ctx, "get_version", nil)
	if err == nil {
		err = json.Unmarshal(resp.Result, &info)
	}
	if err != nil {
		w.kill()
		recordSpawn(ctx, false)
		return nil, VersionInfo{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	recordSpawn(ctx, true)
	return w, info, nil
}

// supervise reads responses until the worker's output ends, then reaps it.
func (b *Bridge) supervise(w *worker, stderr io.Reader) {
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("Pike worker stderr",
				slog.Int64("worker", w.id),
				slog.String("line", scanner.Text()),
			)
		}
	}()

	readErr := w.protocol.ReadLoop(context.Background())
	w.protocol.Close(fmt.Errorf("%w: worker exited", ErrWorkerUnavailable))
	if !errors.Is(readErr, io.EOF) {
		// Framing is lost; the process cannot be talked to any more.
		w.kill()
	}

	<-stderrDone
	waitErr := w.cmd.Wait()
	w.cancel()
	close(w.exited)

	b.handleExit(w, waitErr)
}

// handleExit reacts to a process ending on its own.
func (b *Bridge) handleExit(w *worker, waitErr error) {
	attrs := []any{
		slog.String("session", b.session),
		slog.Int64("worker", w.id),
	}
	if waitErr != nil {
		attrs = append(attrs, slog.String("exit", waitErr.Error()))
	}

	if b.discard(w, "exit") {
		slog.Warn("Pike worker exited unexpectedly", attrs...)
		return
	}
	slog.Debug("Pike worker reaped", attrs...)
}

// discard drops w if it is still the current worker. Every request still in
// flight on it fails with ErrWorkerUnavailable. Returns false if w was
// already replaced.
func (b *Bridge) discard(w *worker, reason string) bool {
	b.mu.Lock()
	if b.current != w {
		b.mu.Unlock()
		return false
	}
	b.current = nil
	b.state = StateRestarting
	b.consecutiveTimeouts = 0
	b.mu.Unlock()

	w.protocol.Close(fmt.Errorf("%w: worker discarded (%s)", ErrWorkerUnavailable, reason))
	w.kill()
	recordRestart(context.Background(), reason)
	return true
}

// noteSuccess resets the consecutive timeout count.
func (b *Bridge) noteSuccess(w *worker) {
	b.mu.Lock()
	if b.current == w {
		b.consecutiveTimeouts = 0
	}
	b.mu.Unlock()
}

// noteTimeout counts a timeout and recycles w once the limit is reached.
func (b *Bridge) noteTimeout(w *worker) {
	b.mu.Lock()
	if b.current != w {
		b.mu.Unlock()
		return
	}
	b.consecutiveTimeouts++
	recycle := b.consecutiveTimeouts >= b.config.MaxConsecutiveTimeouts
	count := b.consecutiveTimeouts
	b.mu.Unlock()

	if recycle && b.discard(w, "timeout") {
		slog.Warn("Recycling unresponsive Pike worker",
			slog.String("session", b.session),
			slog.Int64("worker", w.id),
			slog.Int("consecutive_timeouts", count),
		)
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request sends method to the worker and decodes the response into result.
//
// Description:
//
//	Starts (or restarts) the worker if needed. Bounded by RequestTimeout.
//	result may be nil when the caller does not need the response body.
//
// Outputs:
//
//	error - ErrWorkerUnavailable (retryable) if the worker could not be
//	        started or died, ErrRequestTimeout, *RPCError for worker-side
//	        errors, ErrInvalidResponse if the result did not decode
//
// Thread Safety:
//
//	Safe for concurrent use.
func (b *Bridge) Request(ctx context.Context, method string, params, result interface{}) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	ctx, span := startRequestSpan(ctx, method, b.session)
	defer span.End()

	start := time.Now()
	err := b.request(ctx, method, params, result)
	recordRequestMetrics(ctx, method, time.Since(start), err == nil)

	span.SetAttributes(attribute.Bool("pike.success", err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (b *Bridge) request(ctx context.Context, method string, params, result interface{}) error {
	if err := b.Start(ctx); err != nil {
		if errors.Is(err, ErrBridgeStopped) || ctx.Err() != nil || errors.Is(err, ErrWorkerUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	b.mu.Lock()
	w := b.current
	b.mu.Unlock()
	if w == nil {
		// Died between the start and here.
		return fmt.Errorf("%w: worker not running", ErrWorkerUnavailable)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	resp, err := w.protocol.SendRequest(reqCtx, method, params)
	if err != nil {
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			b.noteSuccess(w)
		case errors.Is(err, ErrRequestTimeout):
			b.noteTimeout(w)
		case errors.Is(err, ErrWorkerUnavailable):
			b.discard(w, "exit")
		case ctx.Err() != nil:
			// Caller gave up; the worker is fine.
		default:
			// Writes fail once the worker's stdin is gone.
			b.discard(w, "write")
			return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
		}
		return err
	}
	b.noteSuccess(w)

	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
	}
	return nil
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown stops the worker and moves the bridge to StateStopped.
//
// Description:
//
//	Sends the shutdown request and exit notification, closes stdin and waits
//	for the process, killing it if it does not exit within
//	ShutdownTimeout. Requests after Shutdown fail with ErrBridgeStopped.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopped
	w := b.current
	b.current = nil
	b.mu.Unlock()

	if w == nil {
		return nil
	}

	slog.Info("Shutting down Pike worker",
		slog.String("session", b.session),
		slog.Int64("worker", w.id),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, b.config.ShutdownTimeout)
	defer cancel()

	_, _ = w.protocol.SendRequest(shutdownCtx, "shutdown", nil)
	_ = w.protocol.SendNotification("exit", nil)
	w.protocol.Close(ErrBridgeStopped)
	_ = w.stdin.Close()

	select {
	case <-w.exited:
	case <-shutdownCtx.Done():
		w.kill()
		<-w.exited
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Version returns the version info of the current worker, and false if no
// worker has become ready yet.
func (b *Bridge) Version() (VersionInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version, b.spawns > 0 && b.version.Version != ""
}

// Session returns the bridge session id used in logs and spans.
func (b *Bridge) Session() string {
	return b.session
}

// Spawns returns how many worker processes have been started.
func (b *Bridge) Spawns() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spawns
}

// LastError returns the error of the last failed start, or nil.
func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Snapshot is a point-in-time view of the bridge for debug endpoints.
type Snapshot struct {
	State   string `json:"state"`
	Session string `json:"session"`
	Spawns  int64  `json:"spawns"`
	Version string `json:"version,omitempty"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// Snapshot returns a point-in-time view of the bridge.
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:   b.state.String(),
		Session: b.session,
		Spawns:  b.spawns,
		Version: b.version.Version,
	}
	if b.current != nil {
		s.Pending = b.current.protocol.Pending()
	}
	if b.lastErr != nil {
		s.Error = b.lastErr.Error()
	}
	return s
}
