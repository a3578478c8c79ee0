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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/ast"
	"github.com/AleutianAI/AleutianASM/services/asm/cancel"
	"github.com/AleutianAI/AleutianASM/services/asm/interpreter"
)

var (
	agentInit = absstorage.AgentElement("init")
	agentA    = absstorage.AgentElement("A")
	agentB    = absstorage.AgentElement("B")
	agentC    = absstorage.AgentElement("C")
	locX      = absstorage.NewLocation("x")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture is a storage with programs built in one arena.
type fixture struct {
	storage *absstorage.MemoryStorage
	arena   *ast.Arena
}

func newFixture() *fixture {
	return &fixture{storage: absstorage.NewMemoryStorage(), arena: ast.NewArena()}
}

// program installs body as agent's program and adds agent to Agents.
func (f *fixture) program(t *testing.T, agent absstorage.Element, body ast.NodeID) {
	t.Helper()
	f.storage.AddToUniverse(absstorage.AgentsUniverseName, agent)
	rule := ast.NewRule("rule_"+agent.Denotation(), f.arena, body)
	require.NoError(t, f.storage.SetValue(absstorage.ProgramLocation(agent), rule))
}

// set builds name := v.
func (f *fixture) set(name string, v float64) ast.NodeID {
	return f.arena.Update(name, f.arena.Literal(absstorage.NumberElement(v)))
}

// initializer returns agentInit as the initial agent.
func (f *fixture) initializer() Initializer {
	return InitializerFunc(func(context.Context, absstorage.Storage) (absstorage.Element, error) {
		return agentInit, nil
	})
}

// newScheduler builds and prepares a scheduler over the fixture.
func (f *fixture) newScheduler(t *testing.T, policy SchedulingPolicy, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithNumCPU(8)}, opts...)
	s, err := New(f.storage, f.initializer(), policy, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.PrepareInitialState(context.Background()))
	t.Cleanup(s.Dispose)
	return s
}

// beginStep moves the scheduler past agent retrieval at the given step.
func beginStep(t *testing.T, s *Scheduler, step int) {
	t.Helper()
	s.SetStepCount(step)
	require.NoError(t, s.StartStep())
	require.NoError(t, s.RetrieveAgents())
}

// failingReads wraps a storage and fails program reads for some agents.
type failingReads struct {
	absstorage.Storage
	fail map[absstorage.Element]bool
}

func (s failingReads) ChosenProgram(agent absstorage.Element) (absstorage.Element, error) {
	if s.fail[agent] {
		return nil, errors.New("location unreadable")
	}
	return s.Storage.ChosenProgram(agent)
}

// flatUniverse wraps a storage whose agents universe is not enumerable.
type flatUniverse struct {
	absstorage.Storage
}

func (flatUniverse) GetUniverse(string) absstorage.Element { return absstorage.NumberElement(3) }

// lyingInterpreter reports completion without evaluating anything.
type lyingInterpreter struct {
	*interpreter.Interp
}

func (lyingInterpreter) IsExecutionComplete() bool { return true }

// stuckInterpreter never completes while bound to agent stuck. The
// evaluator keeps polling between advances.
type stuckInterpreter struct {
	*interpreter.Interp
	stuck absstorage.Element
	self  absstorage.Element
}

func (i *stuckInterpreter) SetSelf(agent absstorage.Element) {
	i.self = agent
	i.Interp.SetSelf(agent)
}

func (i *stuckInterpreter) ExecuteTree() {
	if absstorage.Equal(i.self, i.stuck) {
		time.Sleep(time.Millisecond)
		return
	}
	i.Interp.ExecuteTree()
}

func (i *stuckInterpreter) IsExecutionComplete() bool {
	if absstorage.Equal(i.self, i.stuck) {
		return false
	}
	return i.Interp.IsExecutionComplete()
}

// stuckOn returns a factory whose interpreters never finish agent.
func (f *fixture) stuckOn(agent absstorage.Element, sig *cancel.Signal) InterpreterFactory {
	return func(int) interpreter.Interpreter {
		return &stuckInterpreter{Interp: interpreter.New(f.storage, sig), stuck: agent}
	}
}
