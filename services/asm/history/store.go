// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records per-step diagnostics in BadgerDB.
//
// A StepRecord describes what happened during one step (which agents ran,
// how many rounds it took, which locations conflicted). It never contains
// machine state; the state itself is not persisted.
//
// The default configuration is in-memory. A path may be configured to keep
// diagnostics across runs.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned by Get for an unknown step.
	ErrNotFound = errors.New("step record not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("history store is closed")

	// ErrInvalidRecord is returned for a record without a run id.
	ErrInvalidRecord = errors.New("invalid step record")
)

// StepRecord describes one step attempt.
type StepRecord struct {
	RunID      string        `json:"run_id"`
	Step       int           `json:"step"`
	Attempt    int           `json:"attempt"`
	Agents     []string      `json:"agents"`
	Rounds     int           `json:"rounds"`
	Updates    int           `json:"updates"`
	Conflicts  []string      `json:"conflicts,omitempty"`
	Committed  bool          `json:"committed"`
	Failure    string        `json:"failure,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Config holds configuration for the store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory keeps records only for the lifetime of the process.
	InMemory bool

	// SyncWrites enables synchronous writes.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. If nil they are dropped.
	Logger *slog.Logger
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed StepRecord store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open opens a store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The store. Caller must call Close.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent history")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &Store{db: db}, nil
}

func runPrefix(runID string) []byte {
	return []byte("step/" + runID + "/")
}

func stepPrefix(runID string, step int) []byte {
	return []byte(fmt.Sprintf("step/%s/%012d/", runID, step))
}

func attemptKey(runID string, step, attempt int) []byte {
	return append(stepPrefix(runID, step), fmt.Sprintf("%06d", attempt)...)
}

// seekLast positions a reverse iterator at the last key under prefix.
func seekLast(it *badger.Iterator, prefix []byte) {
	it.Seek(append(append([]byte{}, prefix...), 0xFF))
}

// Record appends rec as the next attempt of its step. A failed attempt and
// the attempt that later commits the same step are both kept.
func (s *Store) Record(rec StepRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if rec.RunID == "" {
		return fmt.Errorf("%w: empty run id", ErrInvalidRecord)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := stepPrefix(rec.RunID, rec.Step)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		rec.Attempt = 0
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			rec.Attempt++
		}
		it.Close()

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal step %d: %w", rec.Step, err)
		}
		return txn.Set(attemptKey(rec.RunID, rec.Step, rec.Attempt), data)
	})
}

// Get returns the latest attempt of step in run runID.
func (s *Store) Get(runID string, step int) (StepRecord, error) {
	if s.closed.Load() {
		return StepRecord{}, ErrClosed
	}
	var rec StepRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := stepPrefix(runID, step)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seekLast(it, prefix)
		if !it.ValidForPrefix(prefix) {
			return fmt.Errorf("%w: run %s step %d", ErrNotFound, runID, step)
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// Attempts returns every recorded attempt of step in run runID, oldest
// first.
func (s *Store) Attempts(runID string, step int) ([]StepRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []StepRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := stepPrefix(runID, step)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var rec StepRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err == nil && len(out) == 0 {
		err = fmt.Errorf("%w: run %s step %d", ErrNotFound, runID, step)
	}
	return out, err
}

// Recent returns up to n attempts of runID, newest first.
func (s *Store) Recent(runID string, n int) ([]StepRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	prefix := runPrefix(runID)
	var out []StepRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for seekLast(it, prefix); it.ValidForPrefix(prefix) && len(out) < n; it.Next() {
			var rec StepRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Close closes the database. It is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
