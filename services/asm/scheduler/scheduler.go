// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler selects agents, evaluates their programs in parallel and
// exposes the merged update multiset of each round.
//
// # Step lifecycle
//
// A step driver calls StartStep and RetrieveAgents once per step, then
// alternates SelectAgents and ExecuteAgentPrograms until the storage accepts
// the round's UpdateInstructions or SelectAgents reports that no candidate
// subsets remain. The scheduler never commits; that is the storage's job.
//
// # Concurrency
//
// Each round fans out one unit per selected agent (or one per batch) onto a
// bounded executor. Units read the storage concurrently and evaluate on the
// interpreter cache of the worker slot they hold. Any unit failure cancels
// the round as a whole.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/cancel"
	"github.com/AleutianAI/AleutianASM/services/asm/executor"
	"github.com/AleutianAI/AleutianASM/services/asm/interpreter"
)

var (
	tracer = otel.Tracer("aleutian.asm.scheduler")
	meter  = otel.Meter("aleutian.asm.scheduler")
)

// ErrEngineSignal is returned when a round ended because the engine signal
// was raised.
var ErrEngineSignal = errors.New("engine error signal raised")

// Phase is the scheduler's position in the step lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparedInitialState
	PhaseStepStarted
	PhaseAgentsRetrieved
	PhaseAgentsSelected
	PhaseProgramsExecuted
	PhaseDisposed
)

var phaseNames = [...]string{
	PhaseIdle:                 "idle",
	PhasePreparedInitialState: "prepared_initial_state",
	PhaseStepStarted:          "step_started",
	PhaseAgentsRetrieved:      "agents_retrieved",
	PhaseAgentsSelected:       "agents_selected",
	PhaseProgramsExecuted:     "programs_executed",
	PhaseDisposed:             "disposed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Mode selects the shape of the parallel units.
type Mode string

const (
	// ModePerAgent dispatches one unit per selected agent.
	ModePerAgent Mode = "per-agent"

	// ModeBatch splits the selected agents into batches.
	ModeBatch Mode = "batch"
)

// Config holds the scheduler knobs.
type Config struct {
	// MaxProcessors overrides the derived worker count when positive.
	MaxProcessors int

	// BatchSize is the leaf size of the batch evaluator.
	BatchSize int

	// Mode selects per-agent or batch units.
	Mode Mode

	// PrintStats logs per-unit timing and throughput.
	PrintStats bool
}

// DefaultConfig returns per-agent units with a derived worker count.
func DefaultConfig() Config {
	return Config{Mode: ModePerAgent, BatchSize: DefaultBatchSize}
}

// Initializer establishes the initial state of a run.
type Initializer interface {
	// InitialState seeds storage and returns the initial agent.
	InitialState(ctx context.Context, storage absstorage.Storage) (absstorage.Element, error)
}

// InitializerFunc adapts a function to Initializer.
type InitializerFunc func(ctx context.Context, storage absstorage.Storage) (absstorage.Element, error)

// InitialState implements Initializer.
func (f InitializerFunc) InitialState(ctx context.Context, storage absstorage.Storage) (absstorage.Element, error) {
	return f(ctx, storage)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInterpreterFactory replaces the reference interpreter.
func WithInterpreterFactory(f InterpreterFactory) Option {
	return func(s *Scheduler) { s.factory = f }
}

// WithSignal shares an engine signal with other subsystems.
func WithSignal(sig *cancel.Signal) Option {
	return func(s *Scheduler) {
		if sig != nil {
			s.sig = sig
		}
	}
}

// WithNumCPU overrides the detected processor count.
func WithNumCPU(n int) Option {
	return func(s *Scheduler) { s.numCPU = n }
}

// WithClock overrides the clock of the throughput window.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler orchestrates agent selection and parallel evaluation.
//
// Thread Safety:
//
//	Lifecycle operations are meant to be driven by one step driver. State
//	accessors are safe for concurrent use. Rounds and what-if evaluations
//	are serialized.
type Scheduler struct {
	storage absstorage.Storage
	init    Initializer
	policy  SchedulingPolicy
	cfg     Config
	logger  *slog.Logger
	sig     *cancel.Signal
	factory InterpreterFactory
	numCPU  int
	now     func() time.Time

	// roundMu serializes rounds and what-if evaluations.
	roundMu sync.Mutex

	mu           sync.RWMutex
	phase        Phase
	prepared     bool
	exec         *executor.Executor
	caches       *CacheArena
	stepCount    int
	initAgent    absstorage.Element
	agentSet     []absstorage.Element
	selected     []absstorage.Element
	lastSelected []absstorage.Element
	updates      *absstorage.UpdateMultiset
	schedule     Schedule
	exhausted    bool
	throughput   *throughputWindow

	metricsOnce   sync.Once
	roundLatency  metric.Float64Histogram
	roundCount    metric.Int64Counter
	roundFailures metric.Int64Counter
}

// New creates a scheduler.
//
// Inputs:
//
//	storage - The state. Must not be nil.
//	init - Establishes the initial state. Must not be nil.
//	policy - The scheduling policy. Nil selects DefaultPolicy.
//	cfg - Scheduler knobs.
//
// Outputs:
//
//	*Scheduler - The scheduler in PhaseIdle.
//	error - Non-nil on invalid input.
func New(storage absstorage.Storage, init Initializer, policy SchedulingPolicy, cfg Config, opts ...Option) (*Scheduler, error) {
	if storage == nil {
		return nil, errors.New("scheduler: storage must not be nil")
	}
	if init == nil {
		return nil, errors.New("scheduler: initializer must not be nil")
	}
	if policy == nil {
		policy = DefaultPolicy{}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePerAgent
	}
	if cfg.Mode != ModePerAgent && cfg.Mode != ModeBatch {
		return nil, fmt.Errorf("scheduler: unknown mode %q", cfg.Mode)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}

	s := &Scheduler{
		storage: storage,
		init:    init,
		policy:  policy,
		cfg:     cfg,
		logger:  slog.Default(),
		sig:     cancel.New(),
		numCPU:  runtime.NumCPU(),
		updates: absstorage.NewUpdateMultiset(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "scheduler"))
	if s.factory == nil {
		s.factory = func(int) interpreter.Interpreter {
			return interpreter.New(s.storage, s.sig)
		}
	}
	s.throughput = newThroughputWindow(time.Second, s.now)
	return s, nil
}

func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		s.roundLatency, err = meter.Float64Histogram("asm_round_duration_seconds",
			metric.WithDescription("Time spent evaluating one round"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "round_latency: "+err.Error())
		}

		s.roundCount, err = meter.Int64Counter("asm_rounds_total",
			metric.WithDescription("Number of evaluated rounds"),
		)
		if err != nil {
			initErrors = append(initErrors, "round_count: "+err.Error())
		}

		s.roundFailures, err = meter.Int64Counter("asm_round_failures_total",
			metric.WithDescription("Number of rounds aborted by a unit failure"),
		)
		if err != nil {
			initErrors = append(initErrors, "round_failures: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// PrepareInitialState performs the one-time setup of a run.
//
// Description:
//
//	Asks the initializer for the initial state and agent, sizes the worker
//	pool, and resets every per-run cache. Fails with ErrInitialState if the
//	initial state cannot be established.
func (s *Scheduler) PrepareInitialState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDisposed {
		return ErrDisposed
	}
	if s.prepared {
		return fmt.Errorf("%w: initial state already prepared", ErrInvalidPhase)
	}

	agent, err := s.init.InitialState(ctx, s.storage)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialState, err)
	}

	workers := executor.ResolveWorkers(s.cfg.MaxProcessors, s.numCPU)
	exec, err := executor.New(workers, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialState, err)
	}

	s.exec = exec
	s.caches = NewCacheArena(workers, s.factory)
	s.initAgent = agent
	s.stepCount = 0
	s.sig.Reset()
	s.throughput.reset()
	s.prepared = true
	s.phase = PhasePreparedInitialState

	s.logger.Info("initial state prepared",
		slog.String("policy", s.policy.Name()),
		slog.String("mode", string(s.cfg.Mode)),
		slog.Int("workers", workers),
		slog.Int("cpus", s.numCPU),
		slog.String("init_agent", denote(agent)),
	)
	return nil
}

// StartStep clears the per-step sets. It is safe to call whether or not the
// previous step committed.
func (s *Scheduler) StartStep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPreparedLocked(); err != nil {
		return err
	}
	s.updates = absstorage.NewUpdateMultiset()
	s.agentSet = nil
	s.selected = nil
	s.schedule = nil
	s.exhausted = false
	s.phase = PhaseStepStarted
	return nil
}

// RetrieveAgents computes the eligible agent set and binds a fresh schedule.
//
// Description:
//
//	At step 0 the eligible set is the initial agent. Afterwards it is every
//	member of the agents universe whose program is defined. Agents whose
//	program cannot be read are logged and excluded.
//
// Outputs:
//
//	error - ErrAgentsNotEnumerable if the agents universe cannot be
//	        enumerated.
func (s *Scheduler) RetrieveAgents() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPreparedLocked(); err != nil {
		return err
	}
	if s.phase != PhaseStepStarted {
		return fmt.Errorf("%w: retrieve agents in %s", ErrInvalidPhase, s.phase)
	}

	universe := s.storage.GetUniverse(absstorage.AgentsUniverseName)
	enum, ok := universe.(absstorage.Enumerable)
	if !ok {
		return fmt.Errorf("%w: %s is %s", ErrAgentsNotEnumerable, absstorage.AgentsUniverseName, denote(universe))
	}

	var eligible []absstorage.Element
	if s.stepCount == 0 {
		if s.initAgent != nil {
			eligible = []absstorage.Element{s.initAgent}
		}
	} else {
		for _, agent := range enum.Enumerate() {
			program, err := s.storage.ChosenProgram(agent)
			if err != nil {
				s.logger.Warn("cannot read program of agent, excluding it",
					slog.String("agent", denote(agent)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if absstorage.IsUndef(program) {
				continue
			}
			eligible = append(eligible, agent)
		}
	}

	s.agentSet = eligible
	s.schedule = s.policy.NewSchedule(s.policy, copyElements(eligible))
	s.phase = PhaseAgentsRetrieved

	s.logger.Debug("agents retrieved",
		slog.Int("step", s.stepCount),
		slog.Int("eligible", len(eligible)),
	)
	return nil
}

// SelectAgents pulls the next candidate subset.
//
// Outputs:
//
//	bool - False once the schedule is exhausted; the selected set is then
//	       empty.
//	error - Non-nil if called out of order.
func (s *Scheduler) SelectAgents() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPreparedLocked(); err != nil {
		return false, err
	}
	switch s.phase {
	case PhaseAgentsRetrieved, PhaseAgentsSelected, PhaseProgramsExecuted, PhaseIdle:
	default:
		return false, fmt.Errorf("%w: select agents in %s", ErrInvalidPhase, s.phase)
	}
	if s.schedule == nil {
		return false, fmt.Errorf("%w: no schedule bound", ErrInvalidPhase)
	}

	if len(s.selected) > 0 {
		s.lastSelected = s.selected
	}
	if s.exhausted || !s.schedule.HasNext() {
		s.selected = []absstorage.Element{}
		s.exhausted = true
		s.phase = PhaseIdle
		return false, nil
	}
	s.selected = s.schedule.Next()
	s.phase = PhaseAgentsSelected
	return true, nil
}

// ExecuteAgentPrograms evaluates the selected agents and records their
// merged updates as UpdateInstructions.
//
// Description:
//
//	One unit per agent (or per batch) runs on the bounded executor. The
//	round waits for every unit. If any unit fails the round context is
//	cancelled, outstanding units stop at their next poll, and the failure is
//	returned; nothing from the round is recorded. A raised engine signal
//	also fails the round.
//
// Outputs:
//
//	error - ErrScheduleExhausted after SelectAgents returned false,
//	        ErrDisposed after Dispose, an *EvaluationError, ErrNoResult or
//	        ErrEngineSignal.
func (s *Scheduler) ExecuteAgentPrograms(ctx context.Context) error {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	s.mu.RLock()
	err := s.checkPreparedLocked()
	if err == nil && s.exhausted {
		err = ErrScheduleExhausted
	}
	if err == nil && s.phase != PhaseAgentsSelected {
		err = fmt.Errorf("%w: execute programs in %s", ErrInvalidPhase, s.phase)
	}
	selected := copyElements(s.selected)
	step := s.stepCount
	exec, caches := s.exec, s.caches
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	s.initMetrics()
	s.sig.Reset()

	ctx, span := tracer.Start(ctx, "scheduler.Round",
		trace.WithAttributes(
			attribute.Int("asm.step", step),
			attribute.Int("asm.selected", len(selected)),
			attribute.String("asm.mode", string(s.cfg.Mode)),
		),
	)
	defer span.End()

	start := time.Now()
	var merged *absstorage.UpdateMultiset
	if s.cfg.Mode == ModeBatch {
		merged, err = s.runBatch(ctx, exec, caches, selected)
	} else {
		merged, err = s.runPerAgent(ctx, exec, caches, selected)
	}
	if err == nil && s.sig.Raised() {
		err = fmt.Errorf("%w: %w", ErrEngineSignal, s.sig.Err())
	}
	duration := time.Since(start)

	if s.roundLatency != nil {
		s.roundLatency.Record(ctx, duration.Seconds())
	}
	if s.roundCount != nil {
		s.roundCount.Add(ctx, 1)
	}

	if err != nil {
		if s.roundFailures != nil {
			s.roundFailures.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("round failed",
			slog.Int("step", step),
			slog.String("agents", absstorage.Denotations(selected)),
			slog.String("error", err.Error()),
		)
		return err
	}
	span.SetStatus(codes.Ok, "")

	s.mu.Lock()
	s.updates = merged
	s.phase = PhaseProgramsExecuted
	s.mu.Unlock()

	if s.cfg.PrintStats {
		s.logger.Info("round evaluated",
			slog.Int("step", step),
			slog.Int("agents", len(selected)),
			slog.Int("updates", merged.Len()),
			slog.Duration("duration", duration),
			slog.String("throughput", fmt.Sprintf("currently %d steps per second", s.throughput.count())),
		)
	}
	return nil
}

func (s *Scheduler) runPerAgent(ctx context.Context, exec *executor.Executor, caches *CacheArena, agents []absstorage.Element) (*absstorage.UpdateMultiset, error) {
	results := make([]*absstorage.UpdateMultiset, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		g.Go(func() error {
			return exec.Do(gctx, "agent "+denote(agent), func(ctx context.Context, slot int) error {
				cache, err := caches.Slot(slot)
				if err != nil {
					return err
				}
				pe := s.newEvaluator(agent)
				ms, err := pe.Evaluate(ctx, cache)
				if err != nil {
					return err
				}
				if ms == nil {
					return &EvaluationError{Agent: agent, Err: ErrNoResult}
				}
				s.logStats(pe)
				results[i] = ms
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := absstorage.NewUpdateMultiset()
	for _, ms := range results {
		merged.AddAll(ms)
	}
	return merged, nil
}

func (s *Scheduler) runBatch(ctx context.Context, exec *executor.Executor, caches *CacheArena, agents []absstorage.Element) (*absstorage.UpdateMultiset, error) {
	b := NewBatchEvaluator(agents, s.cfg.BatchSize, exec, caches, func(agent absstorage.Element) *ProgramEvaluator {
		return s.newEvaluator(agent)
	})
	if s.cfg.PrintStats {
		b.onStats = func(stats string) { s.logger.Info(stats) }
	}
	ms, err := b.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	if ms == nil {
		return nil, ErrNoResult
	}
	return ms, nil
}

func (s *Scheduler) newEvaluator(agent absstorage.Element, opts ...EvaluatorOption) *ProgramEvaluator {
	return NewProgramEvaluator(agent, s.storage, s.sig, opts...)
}

func (s *Scheduler) logStats(pe *ProgramEvaluator) {
	if s.cfg.PrintStats {
		s.logger.Info(pe.Stats())
	}
}

// EvaluateWhatIf evaluates agent against the current state with injected
// applied under a temporary overlay. The overlay is always discarded.
//
// It runs outside rounds and never changes UpdateInstructions.
func (s *Scheduler) EvaluateWhatIf(ctx context.Context, agent absstorage.Element, tag string, injected *absstorage.UpdateMultiset) (*absstorage.UpdateMultiset, error) {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	s.mu.RLock()
	err := s.checkPreparedLocked()
	exec, caches := s.exec, s.caches
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	s.sig.Reset()
	var result *absstorage.UpdateMultiset
	err = exec.Do(ctx, "what-if "+denote(agent), func(ctx context.Context, slot int) error {
		cache, err := caches.Slot(slot)
		if err != nil {
			return err
		}
		ms, err := s.newEvaluator(agent, WithInjectedUpdates(tag, injected)).Evaluate(ctx, cache)
		if err != nil {
			return err
		}
		result = ms
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.sig.Raised() {
		return nil, fmt.Errorf("%w: %w", ErrEngineSignal, s.sig.Err())
	}
	return result, nil
}

// IsSingleAgentInconsistent reports whether the storage's last conflict set
// is attributed to exactly one agent. Such a conflict cannot be resolved by
// trying other agent subsets.
func (s *Scheduler) IsSingleAgentInconsistent() bool {
	conflict := s.storage.LastInconsistentUpdates()
	if len(conflict) == 0 {
		return false
	}
	return len(absstorage.NewUpdateMultiset(conflict...).Agents()) == 1
}

// HandleFailedUpdate is called by the step driver when the storage rejects
// a round. Retry is driven entirely by calling SelectAgents again.
func (s *Scheduler) HandleFailedUpdate() {
	s.mu.RLock()
	step := s.stepCount
	selected := absstorage.Denotations(s.selected)
	s.mu.RUnlock()
	s.logger.Debug("round rejected by storage",
		slog.Int("step", step),
		slog.String("agents", selected),
	)
}

// Dispose releases the caches and shuts the executor down. It is terminal
// and idempotent.
func (s *Scheduler) Dispose() {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDisposed {
		return
	}
	if s.caches != nil {
		s.caches.Clear()
	}
	if s.exec != nil {
		s.exec.Shutdown()
	}
	s.phase = PhaseDisposed
	s.logger.Debug("scheduler disposed", slog.Int("steps", s.stepCount))
}

func (s *Scheduler) checkPreparedLocked() error {
	if s.phase == PhaseDisposed {
		return ErrDisposed
	}
	if !s.prepared {
		return fmt.Errorf("%w: initial state not prepared", ErrInvalidPhase)
	}
	return nil
}

// UpdateInstructions returns a copy of the last round's merged updates.
func (s *Scheduler) UpdateInstructions() *absstorage.UpdateMultiset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return absstorage.NewUpdateMultiset(s.updates.Updates()...)
}

// AgentSet returns the eligible agents of the current step.
func (s *Scheduler) AgentSet() []absstorage.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyElements(s.agentSet)
}

// SelectedAgentSet returns the current candidate subset.
func (s *Scheduler) SelectedAgentSet() []absstorage.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyElements(s.selected)
}

// LastSelectedAgents returns the subset selected before the current one.
func (s *Scheduler) LastSelectedAgents() []absstorage.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyElements(s.lastSelected)
}

// AgentsCombinationExists reports whether the schedule can yield another
// candidate subset.
func (s *Scheduler) AgentsCombinationExists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule != nil && !s.exhausted && s.schedule.HasNext()
}

// StepCount returns the number of committed steps.
func (s *Scheduler) StepCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepCount
}

// IncrementStepCount records a committed step.
func (s *Scheduler) IncrementStepCount() {
	s.mu.Lock()
	s.stepCount++
	s.mu.Unlock()
	s.throughput.record()
}

// SetStepCount overrides the step counter.
func (s *Scheduler) SetStepCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepCount = n
}

// InitAgent returns the initial agent.
func (s *Scheduler) InitAgent() absstorage.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initAgent
}

// SetInitAgent overrides the initial agent.
func (s *Scheduler) SetInitAgent(agent absstorage.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initAgent = agent
}

// Throughput returns the number of steps committed within the last second.
func (s *Scheduler) Throughput() int { return s.throughput.count() }

// Phase returns the lifecycle phase.
func (s *Scheduler) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Policy returns the scheduling policy.
func (s *Scheduler) Policy() SchedulingPolicy { return s.policy }

// Workers returns the worker pool size, or 0 before preparation.
func (s *Scheduler) Workers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exec == nil {
		return 0
	}
	return s.exec.Workers()
}

// CacheSize returns the number of cached working trees.
func (s *Scheduler) CacheSize() int {
	s.mu.RLock()
	caches := s.caches
	s.mu.RUnlock()
	if caches == nil {
		return 0
	}
	return caches.Size()
}

// Signal returns the engine signal shared with the interpreters.
func (s *Scheduler) Signal() *cancel.Signal { return s.sig }
