// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pikels is the analysis service behind the Pike language server.
//
// The service wires together:
//   - the worker bridge and its typed client
//   - the fingerprint-keyed analysis cache
//   - the debounced validation trigger
//   - the stdlib resolver used by hover and completion
//   - the completion context builder
//
// Frontends (the LSP server, the debug HTTP endpoints) only talk to Service.
package pikels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/cache"
	"github.com/AleutianAI/pikels/services/pikels/completion"
	"github.com/AleutianAI/pikels/services/pikels/debounce"
	"github.com/AleutianAI/pikels/services/pikels/documents"
	"github.com/AleutianAI/pikels/services/pikels/resolver"
)

// DefaultWarmModules are resolved in the background after every worker
// start so the first hover on common modules is a memo hit.
var DefaultWarmModules = []string{"Stdio", "Stdio.File", "Array", "String", "Mapping", "Parser", "Protocols.HTTP"}

// ServiceConfig configures the analysis service.
type ServiceConfig struct {
	// DebounceWindow is the quiet period before a changed document is
	// validated. Default: 250ms
	DebounceWindow time.Duration

	// CacheMaxEntries bounds the analysis cache. Default: 512
	CacheMaxEntries int

	// StaleVersionTolerance is how many versions behind an analysis may be
	// and still serve completion. Default: 5
	StaleVersionTolerance int

	// Invalidation is the cross-file invalidation policy. Default: none
	Invalidation InvalidationPolicy

	// WarmModules are preloaded into the resolver after each worker start.
	// Default: DefaultWarmModules. Set to an empty non-nil slice to disable.
	WarmModules []string

	// ValidateTimeout bounds one debounced validation. Default: 30s
	ValidateTimeout time.Duration
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DebounceWindow:        debounce.DefaultWindow,
		CacheMaxEntries:       cache.DefaultMaxEntries,
		StaleVersionTolerance: completion.DefaultStaleVersionTolerance,
		Invalidation:          InvalidationNone,
		WarmModules:           DefaultWarmModules,
		ValidateTimeout:       30 * time.Second,
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = d.CacheMaxEntries
	}
	if c.StaleVersionTolerance < 0 {
		c.StaleVersionTolerance = d.StaleVersionTolerance
	}
	if c.Invalidation == "" {
		c.Invalidation = d.Invalidation
	}
	if c.WarmModules == nil {
		c.WarmModules = d.WarmModules
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = d.ValidateTimeout
	}
	return c
}

// Service is the Pike analysis service.
//
// Thread Safety:
//
//	Service is safe for concurrent use. Document notifications for one URI
//	must arrive in editor order; everything else may run concurrently.
type Service struct {
	config ServiceConfig

	worker    Worker
	client    *bridge.Client
	cache     *cache.Cache
	docs      *documents.Store
	resolver  *resolver.Resolver
	debouncer *debounce.Debouncer
	builder   *completion.Builder

	pubMu     sync.RWMutex
	publisher Publisher

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	stopOnce sync.Once
}

// NewService creates the service around worker, normally a *bridge.Bridge.
//
// Description:
//
//	Nothing is started. The worker is spawned by Start or lazily by the
//	first request that needs it.
//
// Inputs:
//
//	config - Service configuration; zero fields take defaults
//	worker - The worker transport
//
// Outputs:
//
//	*Service - The configured service
func NewService(config ServiceConfig, worker Worker) *Service {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config: config,
		worker: worker,
		client: bridge.NewClient(worker),
		cache:  cache.New(cache.WithMaxEntries(config.CacheMaxEntries)),
		docs:   documents.NewStore(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.resolver = resolver.New(s.client)
	s.debouncer = debounce.New(config.DebounceWindow, s.validateScheduled)
	s.builder = completion.NewBuilder(s.docs, snapshotAnalyzer{s}, s.resolver,
		completion.WithStaleVersionTolerance(config.StaleVersionTolerance))

	worker.OnReady(s.onWorkerReady)
	return s
}

// SetPublisher sets where diagnostics go. A nil publisher discards them.
func (s *Service) SetPublisher(p Publisher) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.publisher = p
}

// Start spawns the worker and waits for its handshake.
//
// A start failure is returned but is not fatal: the next request that needs
// the worker tries again.
func (s *Service) Start(ctx context.Context) error {
	if err := s.checkRunning("start", ""); err != nil {
		return err
	}
	if err := s.worker.Start(ctx); err != nil {
		return wrapError("start", "", err)
	}
	return nil
}

// Shutdown stops pending validations, waits for background work and stops
// the worker. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.debouncer.Stop()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("Background analysis still running at shutdown")
		}

		err = s.worker.Shutdown(ctx)
	})
	return wrapError("shutdown", "", err)
}

// checkRunning returns ErrServiceStopped once Shutdown has begun.
func (s *Service) checkRunning(op, uri string) error {
	if s.ctx.Err() != nil {
		return wrapError(op, uri, ErrServiceStopped)
	}
	return nil
}

// onWorkerReady runs inside the bridge's start attempt, so it must not send
// requests itself.
func (s *Service) onWorkerReady(info bridge.VersionInfo) {
	if s.resolver.SetIdentity(info) {
		slog.Info("Pike worker version changed, resolver memo reset",
			slog.String("version", info.Version))
	}
	if len(s.config.WarmModules) == 0 || s.ctx.Err() != nil {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.resolver.Warm(s.ctx, s.config.WarmModules...); err != nil {
			slog.Debug("Resolver warm-up incomplete", slog.String("error", err.Error()))
		}
	}()
}

// =============================================================================
// DOCUMENT LIFECYCLE
// =============================================================================

// DidOpen records an opened document and validates it right away.
func (s *Service) DidOpen(uri, languageID string, version int, text string) {
	s.docs.Open(uri, languageID, version, text)
	s.debouncer.Schedule(uri, version)
	s.flushAsync(uri)
}

// DidChange records new document text and schedules a debounced validation.
func (s *Service) DidChange(uri string, version int, text string) error {
	if err := s.docs.Change(uri, version, text); err != nil {
		return wrapError("didChange", uri, err)
	}
	s.debouncer.Schedule(uri, version)
	return nil
}

// DidSave validates a pending change immediately.
//
// Dependents compile against the saved file, so with InvalidationDependents
// their analyses are dropped and the open ones revalidated. Unsaved edits
// do not reach dependents.
func (s *Service) DidSave(uri string) {
	s.flushAsync(uri)
	if s.config.Invalidation == InvalidationDependents {
		s.invalidateDependents(uri)
	}
}

// DidClose forgets the editor state of uri and clears its diagnostics.
// Cached analyses stay; the file is now fingerprinted by stat.
func (s *Service) DidClose(ctx context.Context, uri string) {
	s.debouncer.Cancel(uri)
	s.docs.Close(uri)
	s.publish(ctx, uri, nil, []bridge.Diagnostic{})
}

func (s *Service) flushAsync(uri string) {
	if s.ctx.Err() != nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.debouncer.Flush(uri)
	}()
}

// =============================================================================
// ANALYSIS
// =============================================================================

// Analyze returns the analysis of the current state of uri.
//
// Description:
//
//	Open documents are keyed by editor version, closed files by
//	modification time and size. An unchanged fingerprint is served from the
//	cache without contacting the worker.
//
// Outputs:
//
//	*cache.AnalysisResult - Shared, read-only result
//	error - *Error; LayerBridge failures are retryable
func (s *Service) Analyze(ctx context.Context, uri string) (*cache.AnalysisResult, error) {
	if err := s.checkRunning("analyze", uri); err != nil {
		return nil, err
	}
	snap, err := s.docs.Snapshot(uri)
	if err != nil {
		return nil, wrapError("analyze", uri, err)
	}
	res, err := s.analyzeSnapshot(ctx, snap)
	if err != nil {
		return nil, wrapError("analyze", uri, err)
	}
	return res, nil
}

// Validate analyzes uri and publishes its diagnostics.
//
// Diagnostics are not published when the document changed while the
// analysis ran; the change has scheduled its own validation.
func (s *Service) Validate(ctx context.Context, uri string) (*cache.AnalysisResult, error) {
	if err := s.checkRunning("validate", uri); err != nil {
		return nil, err
	}
	snap, err := s.docs.Snapshot(uri)
	if err != nil {
		return nil, wrapError("validate", uri, err)
	}
	res, err := s.analyzeSnapshot(ctx, snap)
	if err != nil {
		return nil, wrapError("validate", uri, err)
	}

	if snap.Open() {
		doc, ok := s.docs.Get(uri)
		if !ok || doc.Version != *snap.Version {
			slog.Debug("Skipping diagnostics for superseded version",
				slog.String("uri", uri),
				slog.Int("version", *snap.Version))
			return res, nil
		}
	}

	s.publish(ctx, uri, snap.Version, res.Diagnostics)
	return res, nil
}

// validateScheduled is the debouncer's callback.
func (s *Service) validateScheduled(ctx context.Context, uri string, version int) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ValidateTimeout)
	defer cancel()

	if _, err := s.Validate(ctx, uri); err != nil {
		slog.Warn("Validation failed",
			slog.String("uri", uri),
			slog.Int("version", version),
			slog.String("error", err.Error()))
	}
}

// analyzeSnapshot analyzes exactly snap through the cache.
func (s *Service) analyzeSnapshot(ctx context.Context, snap documents.Snapshot) (*cache.AnalysisResult, error) {
	return s.cache.Analyze(ctx, snap.Fingerprint, func(ctx context.Context, fp cache.Fingerprint) (*cache.AnalysisResult, error) {
		out, err := s.client.Analyze(ctx, bridge.DocumentParams{
			URI:      fp.URI,
			Filename: documents.URIToPath(fp.URI),
			Text:     snap.Text,
			Version:  snap.Version,
		})
		if err != nil {
			return nil, err
		}
		return &cache.AnalysisResult{
			Fingerprint:  fp,
			Diagnostics:  out.Diagnostics,
			Symbols:      out.Symbols,
			Dependencies: dependencyKeys(out.Dependencies),
		}, nil
	})
}

// dependencyKeys maps dependencies to the keys of the cache's reverse
// index: the file URI when the worker resolved one, else the module name.
func dependencyKeys(deps []bridge.Dependency) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d.URI != "" {
			out = append(out, d.URI)
		} else if d.Name != "" {
			out = append(out, d.Name)
		}
	}
	return out
}

func (s *Service) publish(ctx context.Context, uri string, version *int, diags []bridge.Diagnostic) {
	s.pubMu.RLock()
	p := s.publisher
	s.pubMu.RUnlock()
	if p == nil {
		return
	}
	if diags == nil {
		diags = []bridge.Diagnostic{}
	}
	if err := p.PublishDiagnostics(ctx, uri, version, diags); err != nil {
		slog.Warn("Failed to publish diagnostics",
			slog.String("uri", uri),
			slog.String("error", err.Error()))
	}
}

// =============================================================================
// COMPLETION
// =============================================================================

// Completion returns the completion context at pos.
func (s *Service) Completion(ctx context.Context, uri string, pos bridge.Position) (*completion.Context, error) {
	if err := s.checkRunning("completion", uri); err != nil {
		return nil, err
	}
	c, err := s.builder.Build(ctx, uri, pos)
	if err != nil {
		return nil, wrapError("completion", uri, err)
	}
	return c, nil
}

// snapshotAnalyzer lets the completion builder analyze through the cache.
type snapshotAnalyzer struct {
	s *Service
}

func (a snapshotAnalyzer) Analyze(ctx context.Context, snap documents.Snapshot) (*cache.AnalysisResult, error) {
	return a.s.analyzeSnapshot(ctx, snap)
}

func (a snapshotAnalyzer) Latest(uri string) (*cache.AnalysisResult, bool) {
	return a.s.cache.Latest(uri)
}

// =============================================================================
// WORKSPACE CHANGES
// =============================================================================

// FileChanged handles a file changed, created or removed on disk.
//
// Description:
//
//	Closed files need nothing for their own analysis since their stat
//	fingerprint already changed. Removed closed files are dropped from the
//	cache; open documents are owned by the editor and keep their analyses.
//	With InvalidationDependents, every transitive dependent of the file is
//	dropped and the open ones are revalidated, whether or not the file
//	itself is open.
//
// Outputs:
//
//	[]string - URIs whose analyses were invalidated, sorted
func (s *Service) FileChanged(path string, removed bool) []string {
	uri := documents.PathToURI(path)
	if removed && !s.docs.IsOpen(uri) {
		s.cache.InvalidateURI(uri)
	}
	if s.config.Invalidation != InvalidationDependents {
		return nil
	}
	return s.invalidateDependents(uri)
}

// invalidateDependents drops the dependents of uri from the cache and
// schedules validation of the open ones.
func (s *Service) invalidateDependents(uri string) []string {
	invalidated := s.cache.InvalidateDependents(uri)
	for _, dep := range invalidated {
		if doc, ok := s.docs.Get(dep); ok {
			s.debouncer.Schedule(dep, doc.Version)
		}
	}
	if len(invalidated) > 0 {
		slog.Info("Invalidated dependents",
			slog.String("uri", uri),
			slog.Int("count", len(invalidated)))
	}
	return invalidated
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	return Status{
		Bridge:             s.worker.Snapshot(),
		Cache:              s.cache.Stats(),
		Resolver:           s.resolver.Stats(),
		OpenDocuments:      len(s.docs.OpenURIs()),
		PendingValidations: s.debouncer.PendingCount(),
		LegacyAnalyze:      s.client.LegacyOnly(),
		Invalidation:       s.config.Invalidation,
	}
}

// Documents returns the document store.
func (s *Service) Documents() *documents.Store {
	return s.docs
}

// Config returns the effective configuration.
func (s *Service) Config() ServiceConfig {
	return s.config
}
