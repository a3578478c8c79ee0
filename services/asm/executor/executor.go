// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor provides a bounded parallel executor with numbered
// worker slots.
//
// A unit of work runs while holding one slot. The slot id (0..n-1) is handed
// to the unit so per-worker state can be indexed explicitly instead of being
// fetched from thread-local storage.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.asm.executor")
	meter  = otel.Meter("aleutian.asm.executor")
)

var (
	// ErrExecutorShutdown is returned by Do after Shutdown.
	ErrExecutorShutdown = errors.New("executor is shut down")

	// ErrInvalidWorkers is returned by New for a non-positive worker count.
	ErrInvalidWorkers = errors.New("worker count must be positive")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// UnitPanicError reports a unit that panicked.
type UnitPanicError struct {
	Unit  string
	Value any
	Stack []byte
}

func (e *UnitPanicError) Error() string {
	return fmt.Sprintf("unit %s panicked: %v", e.Unit, e.Value)
}

// UnitFunc is one unit of work. slot is the id of the held worker slot.
type UnitFunc func(ctx context.Context, slot int) error

// DefaultWorkers derives the pool size from the processor count: one worker
// below four processors, otherwise two fewer than the processor count.
func DefaultWorkers(numCPU int) int {
	if numCPU < 4 {
		return 1
	}
	return numCPU - 2
}

// ResolveWorkers returns configured when positive, else DefaultWorkers.
func ResolveWorkers(configured, numCPU int) int {
	if configured > 0 {
		return configured
	}
	return DefaultWorkers(numCPU)
}

// Executor runs units on a fixed number of worker slots.
//
// Description:
//
//	The pool is sized once and kept for the lifetime of a run. Do blocks
//	until a slot is free, the context is cancelled, or the executor is shut
//	down. Units run inside a span and record latency, success, failure and
//	active-unit metrics.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Executor struct {
	workers int
	slots   chan int
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	logger  *slog.Logger

	metricsOnce   sync.Once
	unitLatency   metric.Float64Histogram
	unitSuccesses metric.Int64Counter
	unitFailures  metric.Int64Counter
	activeUnits   metric.Int64UpDownCounter
}

// New creates an executor with workers slots.
//
// Inputs:
//
//	workers - Number of slots. Must be positive.
//	logger - Logger for unit logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Executor - The executor.
//	error - ErrInvalidWorkers if workers < 1.
func New(workers int, logger *slog.Logger) (*Executor, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, workers)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		workers: workers,
		slots:   make(chan int, workers),
		done:    make(chan struct{}),
		logger:  logger.With(slog.String("component", "executor")),
	}
	for i := 0; i < workers; i++ {
		e.slots <- i
	}
	return e, nil
}

// initMetrics lazily creates instruments. Failures degrade observability
// only.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.unitLatency, err = meter.Float64Histogram("asm_unit_duration_seconds",
			metric.WithDescription("Time spent evaluating one unit"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_latency: "+err.Error())
		}

		e.unitSuccesses, err = meter.Int64Counter("asm_unit_success_total",
			metric.WithDescription("Number of successful units"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_successes: "+err.Error())
		}

		e.unitFailures, err = meter.Int64Counter("asm_unit_failure_total",
			metric.WithDescription("Number of failed units"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_failures: "+err.Error())
		}

		e.activeUnits, err = meter.Int64UpDownCounter("asm_active_units",
			metric.WithDescription("Number of units currently holding a slot"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_units: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Workers returns the number of slots.
func (e *Executor) Workers() int { return e.workers }

// Do runs fn on a free slot and waits for it.
//
// Inputs:
//
//	ctx - Cancels the wait for a slot and is passed to fn.
//	unit - Name used for spans, metrics and panic reports.
//	fn - The unit of work.
//
// Outputs:
//
//	error - fn's error, a *UnitPanicError, the context error, or
//	        ErrExecutorShutdown.
func (e *Executor) Do(ctx context.Context, unit string, fn UnitFunc) error {
	if ctx == nil {
		return ErrNilContext
	}
	if e.closed.Load() {
		return ErrExecutorShutdown
	}
	e.initMetrics()

	var slot int
	select {
	case slot = <-e.slots:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorShutdown
	}
	defer func() { e.slots <- slot }()

	return e.run(ctx, unit, slot, fn)
}

func (e *Executor) run(ctx context.Context, unit string, slot int, fn UnitFunc) (err error) {
	ctx, span := tracer.Start(ctx, "executor.Unit",
		trace.WithAttributes(
			attribute.String("asm.unit", unit),
			attribute.Int("asm.slot", slot),
		),
	)
	defer span.End()

	if e.activeUnits != nil {
		e.activeUnits.Add(ctx, 1)
		defer e.activeUnits.Add(ctx, -1)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &UnitPanicError{Unit: unit, Value: r, Stack: debug.Stack()}
		}
		duration := time.Since(start)
		if e.unitLatency != nil {
			e.unitLatency.Record(ctx, duration.Seconds())
		}
		if err != nil {
			if e.unitFailures != nil {
				e.unitFailures.Add(ctx, 1)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Debug("unit failed",
				slog.String("unit", unit),
				slog.Int("slot", slot),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
			)
			return
		}
		if e.unitSuccesses != nil {
			e.unitSuccesses.Add(ctx, 1)
		}
		span.SetStatus(codes.Ok, "")
	}()

	return fn(ctx, slot)
}

// Shutdown stops accepting units. Units already holding a slot finish.
// Shutdown is terminal and idempotent.
func (e *Executor) Shutdown() {
	e.once.Do(func() {
		e.closed.Store(true)
		close(e.done)
		e.logger.Debug("executor shut down", slog.Int("workers", e.workers))
	})
}

// IsShutdown reports whether Shutdown was called.
func (e *Executor) IsShutdown() bool { return e.closed.Load() }
