// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package documents tracks the text of open documents and fingerprints
// both open and closed ones.
package documents

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/pikels/services/pikels/cache"
)

// Sentinel errors.
var (
	// ErrDocumentNotFound is returned for a URI that is neither open nor
	// present on disk.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentNotOpen is returned when changing a document that was never opened.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentUnstable is returned when a closed file kept changing while
	// it was read.
	ErrDocumentUnstable = errors.New("document changed while being read")
)

// Document is an open editor document.
type Document struct {
	URI        string
	LanguageID string
	Version    int
	Text       string
	OpenedAt   time.Time
}

// Snapshot is a consistent view of a document's state: the fingerprint
// always describes exactly Text.
type Snapshot struct {
	Fingerprint cache.Fingerprint
	Text        string

	// Version is nil for closed documents.
	Version *int
}

// Open reports whether the snapshot came from an open document.
func (s Snapshot) Open() bool {
	return s.Version != nil
}

// Store holds open documents.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*Document

	// stat and readFile are replaceable in tests.
	stat     func(name string) (fs.FileInfo, error)
	readFile func(name string) ([]byte, error)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		docs:     make(map[string]*Document),
		stat:     os.Stat,
		readFile: os.ReadFile,
	}
}

// Open records an opened document, replacing any previous state.
func (s *Store) Open(uri, languageID string, version int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[uri] = &Document{
		URI:        uri,
		LanguageID: languageID,
		Version:    version,
		Text:       text,
		OpenedAt:   time.Now(),
	}
}

// Change replaces the text of an open document.
func (s *Store) Change(uri string, version int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}
	doc.Version = version
	doc.Text = text
	return nil
}

// Close forgets an open document. Returns false if it was not open.
func (s *Store) Close(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[uri]; !ok {
		return false
	}
	delete(s.docs, uri)
	return true
}

// Get returns a copy of an open document.
func (s *Store) Get(uri string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// IsOpen reports whether uri is open.
func (s *Store) IsOpen(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[uri]
	return ok
}

// OpenURIs returns the URIs of all open documents, sorted.
func (s *Store) OpenURIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.docs))
	for uri := range s.docs {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// Fingerprint returns the current fingerprint of uri.
//
// Description:
//
//	Open documents are fingerprinted by editor version. Closed documents
//	by the file's modification time and size.
//
// Outputs:
//
//	cache.Fingerprint - The fingerprint
//	error - ErrDocumentNotFound if uri is not open and not on disk
func (s *Store) Fingerprint(uri string) (cache.Fingerprint, error) {
	s.mu.RLock()
	doc, ok := s.docs[uri]
	var version int
	if ok {
		version = doc.Version
	}
	s.mu.RUnlock()

	if ok {
		return cache.VersionedFingerprint(uri, version), nil
	}

	info, err := s.statURI(uri)
	if err != nil {
		return cache.Fingerprint{}, err
	}
	return cache.StatFingerprint(uri, info.ModTime(), info.Size()), nil
}

// Text returns the open text of uri, or the file content when closed.
func (s *Store) Text(uri string) (string, error) {
	snap, err := s.Snapshot(uri)
	if err != nil {
		return "", err
	}
	return snap.Text, nil
}

// Snapshot returns the fingerprint and text of uri read together.
func (s *Store) Snapshot(uri string) (Snapshot, error) {
	s.mu.RLock()
	if doc, ok := s.docs[uri]; ok {
		version := doc.Version
		snap := Snapshot{
			Fingerprint: cache.VersionedFingerprint(uri, version),
			Text:        doc.Text,
			Version:     &version,
		}
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		snap, stable, err := s.readClosed(uri)
		if err != nil || stable {
			return snap, err
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrDocumentUnstable, uri)
}

// maxReadAttempts bounds how often a closed file is re-read while it is
// being written.
const maxReadAttempts = 3

// readClosed reads a closed file between two stats. stable is false when
// the file changed in between, since the text may not match either stat.
func (s *Store) readClosed(uri string) (snap Snapshot, stable bool, err error) {
	before, err := s.statURI(uri)
	if err != nil {
		return Snapshot{}, false, err
	}
	data, err := s.readFile(URIToPath(uri))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, fmt.Errorf("%w: %s", ErrDocumentNotFound, uri)
		}
		return Snapshot{}, false, fmt.Errorf("read %s: %w", uri, err)
	}
	after, err := s.statURI(uri)
	if err != nil {
		return Snapshot{}, false, err
	}

	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() ||
		int64(len(data)) != after.Size() {
		return Snapshot{}, false, nil
	}
	return Snapshot{
		Fingerprint: cache.StatFingerprint(uri, after.ModTime(), after.Size()),
		Text:        string(data),
	}, true, nil
}

func (s *Store) statURI(uri string) (fs.FileInfo, error) {
	info, err := s.stat(URIToPath(uri))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, uri)
		}
		return nil, fmt.Errorf("stat %s: %w", uri, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDocumentNotFound, uri)
	}
	return info, nil
}
