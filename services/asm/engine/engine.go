// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives a scheduler step by step and commits each accepted
// round to the storage.
//
// Step loop:
//
//	startStep; retrieveAgents
//	loop:
//	    selectAgents          (none left: the step fails)
//	    executeAgentPrograms  (unit failure: the round and step fail)
//	    storage.Apply         (accepted: commit, step count + 1)
//	    handleFailedUpdate
//	    single-agent conflict: the step fails, else retry
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/history"
	"github.com/AleutianAI/AleutianASM/services/asm/scheduler"
)

var (
	// ErrNoEligibleAgents is returned when no agent has a defined program.
	// The machine has halted.
	ErrNoEligibleAgents = errors.New("no eligible agents")

	// ErrNotInitialized is returned by Step before Init.
	ErrNotInitialized = errors.New("engine is not initialized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
)

// StepFailedError is a terminal step failure: no candidate subset produced
// a consistent update multiset, or a single agent contradicted itself.
type StepFailedError struct {
	Step        int
	Rounds      int
	SingleAgent bool
	Agents      []absstorage.Element
	Conflict    []absstorage.Update
}

func (e *StepFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d failed after %d round(s)", e.Step, e.Rounds)
	if e.SingleAgent {
		b.WriteString(": inconsistent updates from a single agent")
	} else {
		b.WriteString(": no consistent agent combination")
	}
	if len(e.Agents) > 0 {
		fmt.Fprintf(&b, "; agents %s", absstorage.Denotations(e.Agents))
	}
	if len(e.Conflict) > 0 {
		parts := make([]string, len(e.Conflict))
		for i, u := range e.Conflict {
			parts[i] = u.String()
		}
		fmt.Fprintf(&b, "; conflict %s", strings.Join(parts, ", "))
	}
	return b.String()
}

// StepResult summarizes one committed step.
type StepResult struct {
	Step      int                  `json:"step"`
	Agents    []absstorage.Element `json:"-"`
	Rounds    int                  `json:"rounds"`
	Updates   int                  `json:"updates"`
	Committed bool                 `json:"committed"`
	Duration  time.Duration        `json:"duration_ns"`
}

// Status is a diagnostic snapshot.
type Status struct {
	RunID       string      `json:"run_id"`
	Initialized bool        `json:"initialized"`
	Halted      bool        `json:"halted"`
	Step        int         `json:"step"`
	Phase       string      `json:"phase"`
	Policy      string      `json:"policy"`
	Workers     int         `json:"workers"`
	CacheSize   int         `json:"cache_size"`
	Throughput  int         `json:"steps_last_second"`
	LastAgents  []string    `json:"last_agents,omitempty"`
	LastResult  *StepResult `json:"last_result,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHistory records every step in store. The caller owns store.
func WithHistory(store *history.Store) Option {
	return func(e *Engine) { e.history = store }
}

// WithRateLimit throttles Run to stepsPerSecond. Zero disables throttling.
func WithRateLimit(stepsPerSecond float64, burst int) Option {
	return func(e *Engine) {
		if stepsPerSecond <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(stepsPerSecond), burst)
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.runID = id
		}
	}
}

// Engine is the step driver.
//
// Thread Safety: Safe for concurrent use. Steps and what-if evaluations are
// serialized.
type Engine struct {
	storage absstorage.Storage
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	history *history.Store
	limiter *rate.Limiter
	runID   string

	mu          sync.Mutex
	initialized bool
	halted      bool
	closed      bool
	last        *StepResult
	lastErr     error
}

// New creates an engine over storage and sched. sched must have been
// created over the same storage.
func New(storage absstorage.Storage, sched *scheduler.Scheduler, opts ...Option) (*Engine, error) {
	if storage == nil || sched == nil {
		return nil, errors.New("engine: storage and scheduler are required")
	}
	e := &Engine{
		storage: storage,
		sched:   sched,
		logger:  slog.Default(),
		runID:   uuid.NewString()[:12],
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(
		slog.String("component", "engine"),
		slog.String("run_id", e.runID),
	)
	return e, nil
}

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.runID }

// Init prepares the initial state. It must be called once before Step.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.sched.PrepareInitialState(ctx); err != nil {
		e.lastErr = err
		return err
	}
	e.initialized = true
	e.logger.Info("engine initialized", slog.Int("workers", e.sched.Workers()))
	return nil
}

// Step runs one step.
//
// Description:
//
//	Tries candidate agent subsets until the storage accepts a round's
//	updates. Returns ErrNoEligibleAgents when the machine has halted, a
//	*StepFailedError when no subset can be committed, or the round failure
//	when an agent's evaluation fails.
//
// Outputs:
//
//	StepResult - Summary of the committed step.
//	error - Non-nil if the step did not commit.
func (e *Engine) Step(ctx context.Context) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return StepResult{}, ErrClosed
	}
	if !e.initialized {
		return StepResult{}, ErrNotInitialized
	}

	res, err := e.stepLocked(ctx)
	e.lastErr = err
	if err == nil {
		e.last = &res
	}
	return res, err
}

func (e *Engine) stepLocked(ctx context.Context) (StepResult, error) {
	start := time.Now()
	step := e.sched.StepCount()
	res := StepResult{Step: step}

	finish := func(result string, conflicts []absstorage.Update, err error) {
		res.Duration = time.Since(start)
		stepsTotal.WithLabelValues(result).Inc()
		stepDuration.Observe(res.Duration.Seconds())
		if res.Rounds > 0 {
			roundsPerStep.Observe(float64(res.Rounds))
		}
		e.record(res, conflicts, err)
	}

	if err := e.sched.StartStep(); err != nil {
		return res, err
	}
	if err := e.sched.RetrieveAgents(); err != nil {
		finish(resultError, nil, err)
		return res, err
	}
	if len(e.sched.AgentSet()) == 0 {
		e.halted = true
		finish(resultHalted, nil, ErrNoEligibleAgents)
		e.logger.Info("machine halted", slog.Int("step", step))
		return res, ErrNoEligibleAgents
	}

	for {
		ok, err := e.sched.SelectAgents()
		if err != nil {
			finish(resultError, nil, err)
			return res, err
		}
		if !ok {
			var conflict []absstorage.Update
			if res.Rounds > 0 {
				conflict = e.storage.LastInconsistentUpdates()
			}
			failure := &StepFailedError{
				Step:     step,
				Rounds:   res.Rounds,
				Agents:   e.sched.LastSelectedAgents(),
				Conflict: conflict,
			}
			finish(resultFailed, conflict, failure)
			e.logger.Error("step failed", slog.String("error", failure.Error()))
			return res, failure
		}

		res.Rounds++
		res.Agents = e.sched.SelectedAgentSet()
		if err := e.sched.ExecuteAgentPrograms(ctx); err != nil {
			err = fmt.Errorf("step %d: %w", step, err)
			finish(resultError, nil, err)
			return res, err
		}

		updates := e.sched.UpdateInstructions()
		applyErr := e.storage.Apply(updates)
		if applyErr == nil {
			res.Updates = updates.Len()
			res.Committed = true
			e.sched.IncrementStepCount()
			finish(resultCommitted, nil, nil)
			e.logger.Debug("step committed",
				slog.Int("step", step),
				slog.Int("rounds", res.Rounds),
				slog.Int("updates", res.Updates),
				slog.String("agents", absstorage.Denotations(res.Agents)),
			)
			return res, nil
		}
		if !errors.Is(applyErr, absstorage.ErrInconsistentUpdates) {
			err := fmt.Errorf("step %d: apply: %w", step, applyErr)
			finish(resultError, nil, err)
			return res, err
		}

		e.sched.HandleFailedUpdate()
		if e.sched.IsSingleAgentInconsistent() {
			conflictsTotal.WithLabelValues(conflictSingleAgent).Inc()
			conflict := e.storage.LastInconsistentUpdates()
			failure := &StepFailedError{
				Step:        step,
				Rounds:      res.Rounds,
				SingleAgent: true,
				Agents:      res.Agents,
				Conflict:    conflict,
			}
			finish(resultFailed, conflict, failure)
			e.logger.Error("step failed", slog.String("error", failure.Error()))
			return res, failure
		}
		conflictsTotal.WithLabelValues(conflictMultiAgent).Inc()
		e.logger.Debug("round rejected, retrying",
			slog.Int("step", step),
			slog.Int("round", res.Rounds),
			slog.String("agents", absstorage.Denotations(res.Agents)),
		)
	}
}

// record writes the step to the history store, if one is configured.
// History failures are logged and never fail the step.
func (e *Engine) record(res StepResult, conflicts []absstorage.Update, stepErr error) {
	if e.history == nil {
		return
	}
	rec := history.StepRecord{
		RunID:     e.runID,
		Step:      res.Step,
		Agents:    denotations(res.Agents),
		Rounds:    res.Rounds,
		Updates:   res.Updates,
		Committed: res.Committed,
		Duration:  res.Duration,
	}
	for _, u := range conflicts {
		rec.Conflicts = append(rec.Conflicts, u.Loc.String())
	}
	if stepErr != nil {
		rec.Failure = stepErr.Error()
	}
	if err := e.history.Record(rec); err != nil {
		e.logger.Warn("failed to record step history",
			slog.Int("step", res.Step),
			slog.String("error", err.Error()),
		)
	}
}

// Run executes up to steps steps, or until the machine halts when steps is
// not positive.
//
// Outputs:
//
//	int - Number of committed steps.
//	error - The first step error. A halted machine is not an error.
func (e *Engine) Run(ctx context.Context, steps int) (int, error) {
	committed := 0
	for steps <= 0 || committed < steps {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return committed, err
			}
		} else if err := ctx.Err(); err != nil {
			return committed, err
		}

		_, err := e.Step(ctx)
		if errors.Is(err, ErrNoEligibleAgents) {
			return committed, nil
		}
		if err != nil {
			return committed, err
		}
		committed++
	}
	return committed, nil
}

// WhatIf evaluates agent with injected applied under a temporary overlay.
// Nothing is committed.
func (e *Engine) WhatIf(ctx context.Context, agent absstorage.Element, injected *absstorage.UpdateMultiset) (*absstorage.UpdateMultiset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	tag := "what-if-" + uuid.NewString()[:8]
	return e.sched.EvaluateWhatIf(ctx, agent, tag, injected)
}

// Status returns a diagnostic snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		RunID:       e.runID,
		Initialized: e.initialized,
		Halted:      e.halted,
		Step:        e.sched.StepCount(),
		Phase:       e.sched.Phase().String(),
		Policy:      e.sched.Policy().Name(),
		Workers:     e.sched.Workers(),
		CacheSize:   e.sched.CacheSize(),
		Throughput:  e.sched.Throughput(),
		LastAgents:  denotations(e.sched.LastSelectedAgents()),
	}
	if e.last != nil {
		last := *e.last
		st.LastResult = &last
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Close disposes the scheduler. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.sched.Dispose()
	e.logger.Info("engine closed", slog.Int("steps", e.sched.StepCount()))
	return nil
}

func denotations(elems []absstorage.Element) []string {
	if len(elems) == 0 {
		return nil
	}
	out := make([]string, len(elems))
	for i, el := range elems {
		out[i] = el.Denotation()
	}
	return out
}
