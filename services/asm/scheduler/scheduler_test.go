// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/cancel"
)

func TestNew_Validation(t *testing.T) {
	f := newFixture()
	_, err := New(nil, f.initializer(), nil, DefaultConfig())
	assert.Error(t, err)
	_, err = New(f.storage, nil, nil, DefaultConfig())
	assert.Error(t, err)
	_, err = New(f.storage, f.initializer(), nil, Config{Mode: "sideways"})
	assert.Error(t, err)

	s, err := New(f.storage, f.initializer(), nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, PolicyNameDefault, s.Policy().Name())
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Equal(t, 0, s.Workers())
}

func TestPrepareInitialState(t *testing.T) {
	t.Run("sizes pool from cpus", func(t *testing.T) {
		f := newFixture()
		s := f.newScheduler(t, nil, DefaultConfig(), WithNumCPU(6))
		assert.Equal(t, 4, s.Workers())
		assert.Equal(t, PhasePreparedInitialState, s.Phase())
		assert.Equal(t, agentInit, s.InitAgent())
	})

	t.Run("max processors override", func(t *testing.T) {
		f := newFixture()
		s := f.newScheduler(t, nil, Config{MaxProcessors: 3})
		assert.Equal(t, 3, s.Workers())
	})

	t.Run("initializer failure is fatal", func(t *testing.T) {
		f := newFixture()
		failing := InitializerFunc(func(context.Context, absstorage.Storage) (absstorage.Element, error) {
			return nil, errors.New("no init rule")
		})
		s, err := New(f.storage, failing, nil, DefaultConfig(), WithLogger(quietLogger()))
		require.NoError(t, err)
		err = s.PrepareInitialState(context.Background())
		assert.ErrorIs(t, err, ErrInitialState)
		assert.Contains(t, err.Error(), "no init rule")
		assert.ErrorIs(t, s.StartStep(), ErrInvalidPhase)
	})

	t.Run("only once", func(t *testing.T) {
		f := newFixture()
		s := f.newScheduler(t, nil, DefaultConfig())
		assert.ErrorIs(t, s.PrepareInitialState(context.Background()), ErrInvalidPhase)
	})
}

func TestRetrieveAgents(t *testing.T) {
	t.Run("step zero is the initial agent regardless of policy", func(t *testing.T) {
		for _, policy := range []SchedulingPolicy{DefaultPolicy{}, NewSingletonPolicy()} {
			f := newFixture()
			f.program(t, agentInit, f.set("x", 1))
			f.program(t, agentA, f.set("y", 1))
			s := f.newScheduler(t, policy, DefaultConfig())

			beginStep(t, s, 0)
			assert.Equal(t, []absstorage.Element{agentInit}, s.AgentSet())

			ok, err := s.SelectAgents()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []absstorage.Element{agentInit}, s.SelectedAgentSet())

			require.NoError(t, s.ExecuteAgentPrograms(context.Background()))
			want := absstorage.NewUpdateMultiset(
				absstorage.NewUpdate(locX, absstorage.NumberElement(1), absstorage.ActionUpdate, agentInit),
			)
			assert.True(t, want.Equal(s.UpdateInstructions()))

			ok, err = s.SelectAgents()
			require.NoError(t, err)
			assert.False(t, ok, "%s: init agent is the only candidate", policy.Name())
		}
	})

	t.Run("undefined programs are not eligible", func(t *testing.T) {
		f := newFixture()
		f.program(t, agentA, f.set("x", 1))
		f.storage.AddToUniverse(absstorage.AgentsUniverseName, agentB)
		s := f.newScheduler(t, nil, DefaultConfig())

		beginStep(t, s, 1)
		assert.Equal(t, []absstorage.Element{agentA}, s.AgentSet())
	})

	t.Run("unreadable programs are excluded", func(t *testing.T) {
		f := newFixture()
		f.program(t, agentA, f.set("x", 1))
		f.program(t, agentB, f.set("y", 1))
		storage := failingReads{Storage: f.storage, fail: map[absstorage.Element]bool{agentB: true}}
		s, err := New(storage, f.initializer(), nil, DefaultConfig(), WithLogger(quietLogger()))
		require.NoError(t, err)
		require.NoError(t, s.PrepareInitialState(context.Background()))
		defer s.Dispose()

		beginStep(t, s, 1)
		assert.Equal(t, []absstorage.Element{agentA}, s.AgentSet())
	})

	t.Run("non-enumerable agents universe is fatal", func(t *testing.T) {
		f := newFixture()
		s, err := New(flatUniverse{f.storage}, f.initializer(), nil, DefaultConfig(), WithLogger(quietLogger()))
		require.NoError(t, err)
		require.NoError(t, s.PrepareInitialState(context.Background()))
		defer s.Dispose()

		require.NoError(t, s.StartStep())
		assert.ErrorIs(t, s.RetrieveAgents(), ErrAgentsNotEnumerable)
	})

	t.Run("out of order", func(t *testing.T) {
		f := newFixture()
		s := f.newScheduler(t, nil, DefaultConfig())
		assert.ErrorIs(t, s.RetrieveAgents(), ErrInvalidPhase)
		_, err := s.SelectAgents()
		assert.ErrorIs(t, err, ErrInvalidPhase)
	})
}

func TestSelectAgents_Exhaustion(t *testing.T) {
	f := newFixture()
	f.program(t, agentA, f.set("x", 1))
	f.program(t, agentB, f.set("y", 1))
	candidates := [][]absstorage.Element{{agentA, agentB}, {agentA}, {agentB}}
	s := f.newScheduler(t, FixedPolicy{Candidates: candidates}, DefaultConfig())
	beginStep(t, s, 1)

	trues := 0
	for i := 0; i < 10; i++ {
		ok, err := s.SelectAgents()
		require.NoError(t, err)
		if !ok {
			break
		}
		trues++
		assert.True(t, absstorage.NewUpdateMultiset().Equal(s.UpdateInstructions()))
	}
	assert.Equal(t, len(candidates), trues)
	assert.Empty(t, s.SelectedAgentSet())
	assert.Equal(t, []absstorage.Element{agentB}, s.LastSelectedAgents())
	assert.False(t, s.AgentsCombinationExists())

	ok, err := s.SelectAgents()
	require.NoError(t, err)
	assert.False(t, ok, "stays exhausted")
	assert.ErrorIs(t, s.ExecuteAgentPrograms(context.Background()), ErrScheduleExhausted)
}

func TestConflictScenario_TwoAgentsDisagree(t *testing.T) {
	f := newFixture()
	f.program(t, agentA, f.set("x", 1))
	f.program(t, agentB, f.set("x", 2))
	s := f.newScheduler(t, FixedPolicy{Candidates: [][]absstorage.Element{{agentA, agentB}}}, DefaultConfig())
	beginStep(t, s, 1)

	ok, err := s.SelectAgents()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ExecuteAgentPrograms(context.Background()))

	updates := s.UpdateInstructions()
	err = f.storage.Apply(updates)
	require.ErrorIs(t, err, absstorage.ErrInconsistentUpdates)
	assert.True(t, absstorage.NewUpdateMultiset(f.storage.LastInconsistentUpdates()...).Equal(updates))
	assert.Equal(t, []absstorage.Element{agentA, agentB}, updates.Agents())

	assert.False(t, s.IsSingleAgentInconsistent())
	s.HandleFailedUpdate()

	ok, err = s.SelectAgents()
	require.NoError(t, err)
	assert.False(t, ok, "no further candidates: the step fails")

	x, err := f.storage.GetValue(locX)
	require.NoError(t, err)
	assert.True(t, absstorage.IsUndef(x), "nothing committed")
}

func TestIsSingleAgentInconsistent(t *testing.T) {
	tests := []struct {
		name    string
		updates []absstorage.Update
		want    bool
	}{
		{
			name: "two agents",
			updates: []absstorage.Update{
				absstorage.NewUpdate(locX, absstorage.NumberElement(1), absstorage.ActionUpdate, agentA),
				absstorage.NewUpdate(locX, absstorage.NumberElement(2), absstorage.ActionUpdate, agentB),
			},
			want: false,
		},
		{
			name: "one agent contradicts itself",
			updates: []absstorage.Update{
				absstorage.NewUpdate(locX, absstorage.NumberElement(1), absstorage.ActionUpdate, agentA),
				absstorage.NewUpdate(locX, absstorage.NumberElement(2), absstorage.ActionUpdate, agentA),
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			s := f.newScheduler(t, nil, DefaultConfig())
			assert.False(t, s.IsSingleAgentInconsistent(), "no conflict yet")
			require.Error(t, f.storage.Apply(absstorage.NewUpdateMultiset(tt.updates...)))
			assert.Equal(t, tt.want, s.IsSingleAgentInconsistent())
		})
	}
}

func TestExecuteAgentPrograms_MergeIsPartitionIndependent(t *testing.T) {
	build := func(t *testing.T) *fixture {
		f := newFixture()
		f.program(t, agentA, f.arena.Par(f.set("a", 1), f.arena.Increment("n", f.arena.Literal(absstorage.NumberElement(1)))))
		f.program(t, agentB, f.arena.Par(f.set("b", 2), f.arena.Increment("n", f.arena.Literal(absstorage.NumberElement(1)))))
		f.program(t, agentC, f.set("c", 3))
		return f
	}
	round := func(t *testing.T, s *Scheduler) *absstorage.UpdateMultiset {
		t.Helper()
		ok, err := s.SelectAgents()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.ExecuteAgentPrograms(context.Background()))
		return s.UpdateInstructions()
	}

	partitioned := FixedPolicy{Candidates: [][]absstorage.Element{
		{agentA, agentB, agentC},
		{agentC},
		{agentB, agentA},
	}}

	for _, cfg := range []Config{
		{Mode: ModePerAgent, MaxProcessors: 2},
		{Mode: ModeBatch, BatchSize: 1, MaxProcessors: 2},
		{Mode: ModeBatch, BatchSize: 8, MaxProcessors: 1},
	} {
		f := build(t)
		s := f.newScheduler(t, partitioned, cfg)
		beginStep(t, s, 1)

		whole := round(t, s)
		union := absstorage.NewUpdateMultiset()
		union.AddAll(round(t, s))
		union.AddAll(round(t, s))

		assert.Equal(t, 5, whole.Len())
		assert.True(t, whole.Equal(union), "mode %s batch %d", cfg.Mode, cfg.BatchSize)
	}
}

func TestExecuteAgentPrograms_CacheReuse(t *testing.T) {
	f := newFixture()
	f.program(t, agentA, f.set("x", 1))
	s := f.newScheduler(t, nil, Config{MaxProcessors: 1})

	var results []*absstorage.UpdateMultiset
	for step := 1; step <= 3; step++ {
		beginStep(t, s, step)
		ok, err := s.SelectAgents()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.ExecuteAgentPrograms(context.Background()))
		results = append(results, s.UpdateInstructions())
		assert.Equal(t, 1, s.CacheSize(), "step %d", step)
	}
	assert.True(t, results[0].Equal(results[1]))
	assert.True(t, results[1].Equal(results[2]))
}

func TestExecuteAgentPrograms_UnitFailureAbortsRound(t *testing.T) {
	for _, mode := range []Mode{ModePerAgent, ModeBatch} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture()
			f.program(t, agentA, f.set("x", 1))
			f.program(t, agentB, f.set("y", 1))
			require.NoError(t, f.storage.SetValue(absstorage.ProgramLocation(agentC), absstorage.StringElement("not a rule")))
			f.storage.AddToUniverse(absstorage.AgentsUniverseName, agentC)

			s := f.newScheduler(t, FixedPolicy{Candidates: [][]absstorage.Element{{agentA, agentB, agentC}}},
				Config{Mode: mode, BatchSize: 1, MaxProcessors: 2})
			beginStep(t, s, 1)
			ok, err := s.SelectAgents()
			require.NoError(t, err)
			require.True(t, ok)

			err = s.ExecuteAgentPrograms(context.Background())
			var ne *NotARuleError
			require.ErrorAs(t, err, &ne)
			assert.Equal(t, agentC, ne.Agent)
			assert.True(t, s.UpdateInstructions().IsEmpty(), "no partial result")
			assert.Equal(t, PhaseAgentsSelected, s.Phase())
		})
	}
}

func TestExecuteAgentPrograms_FailureCancelsRunningUnits(t *testing.T) {
	for _, mode := range []Mode{ModePerAgent, ModeBatch} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture()
			sig := cancel.New()
			f.program(t, agentA, f.set("x", 1))
			f.storage.AddToUniverse(absstorage.AgentsUniverseName, agentB)

			// A is forked and never finishes; B fails inline.
			s := f.newScheduler(t, FixedPolicy{Candidates: [][]absstorage.Element{{agentA, agentB}}},
				Config{Mode: mode, BatchSize: 1, MaxProcessors: 2},
				WithSignal(sig), WithInterpreterFactory(f.stuckOn(agentA, sig)))
			beginStep(t, s, 1)
			ok, err := s.SelectAgents()
			require.NoError(t, err)
			require.True(t, ok)

			done := make(chan error, 1)
			go func() { done <- s.ExecuteAgentPrograms(context.Background()) }()

			select {
			case err := <-done:
				var ue *UndefinedProgramError
				require.ErrorAs(t, err, &ue)
				assert.Equal(t, agentB, ue.Agent)
				assert.True(t, s.UpdateInstructions().IsEmpty())
			case <-time.After(5 * time.Second):
				t.Fatal("round kept running after agent B failed")
			}
		})
	}
}

func TestExecuteAgentPrograms_RaisedSignalFailsRound(t *testing.T) {
	f := newFixture()
	f.program(t, agentA, f.arena.Update("x", f.arena.Add(
		f.arena.Literal(absstorage.BooleanElement(true)),
		f.arena.Literal(absstorage.NumberElement(1)),
	)))
	s := f.newScheduler(t, nil, DefaultConfig())
	beginStep(t, s, 1)
	_, err := s.SelectAgents()
	require.NoError(t, err)

	err = s.ExecuteAgentPrograms(context.Background())
	assert.ErrorIs(t, err, ErrEngineSignal)
	assert.Contains(t, err.Error(), "cannot add")

	// The next round starts with a cleared signal.
	f.program(t, agentA, f.set("x", 1))
	beginStep(t, s, 1)
	_, err = s.SelectAgents()
	require.NoError(t, err)
	assert.NoError(t, s.ExecuteAgentPrograms(context.Background()))
}

func TestEvaluateWhatIf(t *testing.T) {
	f := newFixture()
	f.program(t, agentA, f.arena.Update("y", f.arena.Read("x")))
	s := f.newScheduler(t, nil, DefaultConfig())

	injected := absstorage.NewUpdateMultiset(absstorage.NewUpdate(locX, absstorage.NumberElement(9), absstorage.ActionUpdate, agentB))
	ms, err := s.EvaluateWhatIf(context.Background(), agentA, "probe", injected)
	require.NoError(t, err)
	require.Equal(t, 1, ms.Len())
	assert.Equal(t, absstorage.NumberElement(9), ms.Updates()[0].Value)
	assert.Equal(t, 0, f.storage.Depth())
}

func TestDispose(t *testing.T) {
	f := newFixture()
	f.program(t, agentA, f.set("x", 1))
	s := f.newScheduler(t, nil, DefaultConfig())
	beginStep(t, s, 1)
	_, err := s.SelectAgents()
	require.NoError(t, err)
	require.NoError(t, s.ExecuteAgentPrograms(context.Background()))
	require.Equal(t, 1, s.CacheSize())

	s.Dispose()
	s.Dispose()
	assert.Equal(t, PhaseDisposed, s.Phase())
	assert.Equal(t, 0, s.CacheSize())
	assert.ErrorIs(t, s.StartStep(), ErrDisposed)
	assert.ErrorIs(t, s.ExecuteAgentPrograms(context.Background()), ErrDisposed)
	_, err = s.EvaluateWhatIf(context.Background(), agentA, "t", nil)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestStepBookkeeping(t *testing.T) {
	f := newFixture()
	now := time.Unix(1000, 0)
	s := f.newScheduler(t, nil, DefaultConfig(), WithClock(func() time.Time { return now }))

	s.IncrementStepCount()
	s.IncrementStepCount()
	assert.Equal(t, 2, s.StepCount())
	assert.Equal(t, 2, s.Throughput())

	now = now.Add(500 * time.Millisecond)
	s.IncrementStepCount()
	assert.Equal(t, 3, s.Throughput())

	now = now.Add(700 * time.Millisecond)
	assert.Equal(t, 1, s.Throughput(), "only the step inside the last second remains")

	s.SetStepCount(10)
	assert.Equal(t, 10, s.StepCount())
	s.SetInitAgent(agentB)
	assert.Equal(t, agentB, s.InitAgent())
}
