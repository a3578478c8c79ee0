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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/ast"
	"github.com/AleutianAI/AleutianASM/services/asm/cancel"
)

// ProgramEvaluator evaluates the program of one agent.
type ProgramEvaluator struct {
	agent   absstorage.Element
	storage absstorage.Storage
	sig     *cancel.Signal

	injectTag string
	injected  *absstorage.UpdateMultiset

	advances int
	reused   bool
	elapsed  time.Duration
}

// EvaluatorOption configures a ProgramEvaluator.
type EvaluatorOption func(*ProgramEvaluator)

// WithInjectedUpdates evaluates against the state with ms applied under an
// overlay named tag. The overlay is always popped after evaluation.
//
// The overlay is pushed on the shared storage, so an evaluator with injected
// updates must not run concurrently with any other evaluation.
func WithInjectedUpdates(tag string, ms *absstorage.UpdateMultiset) EvaluatorOption {
	return func(p *ProgramEvaluator) {
		p.injectTag = tag
		p.injected = ms
	}
}

// NewProgramEvaluator creates an evaluator for agent.
func NewProgramEvaluator(agent absstorage.Element, storage absstorage.Storage, sig *cancel.Signal, opts ...EvaluatorOption) *ProgramEvaluator {
	p := &ProgramEvaluator{agent: agent, storage: storage, sig: sig}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Agent returns the evaluated agent.
func (p *ProgramEvaluator) Agent() absstorage.Element { return p.agent }

// Evaluate runs the agent's program to completion on cache.
//
// Description:
//
//	Acquires the cache, resets its interpreter, reads program(agent), binds
//	self, takes a clean working copy of the body (cached per body), then
//	advances the interpreter until the tree completes or the engine signal
//	is raised. If the signal was raised the result is empty.
//
// Inputs:
//
//	ctx - Cancellation of the round. Checked between advances.
//	cache - The worker slot's cache. Must not be held by the caller.
//
// Outputs:
//
//	*absstorage.UpdateMultiset - The agent's updates. Never nil on success.
//	error - *EvaluationError wrapping *UndefinedProgramError,
//	        *NotARuleError, *CorruptedTreeError, ErrReentrantEvaluation,
//	        a storage error or the context error.
func (p *ProgramEvaluator) Evaluate(ctx context.Context, cache *InterpreterCache) (ms *absstorage.UpdateMultiset, err error) {
	start := time.Now()
	defer func() {
		p.elapsed = time.Since(start)
		if err != nil {
			ms = nil
			var ee *EvaluationError
			if !errors.As(err, &ee) {
				err = &EvaluationError{Agent: p.agent, Err: err}
			}
		}
	}()

	if err := cache.Acquire(); err != nil {
		return nil, err
	}
	defer cache.Release()

	interp := cache.Interpreter()
	interp.CleanUp()
	defer interp.CleanUp()

	if p.injected != nil {
		p.storage.PushState(p.injectTag)
		defer func() {
			if popErr := p.storage.PopState(p.injectTag); popErr != nil {
				err = errors.Join(err, popErr)
			}
		}()
		if err := p.storage.Apply(p.injected); err != nil {
			return nil, fmt.Errorf("inject %q: %w", p.injectTag, err)
		}
	}

	program, err := p.storage.ChosenProgram(p.agent)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	if absstorage.IsUndef(program) {
		return nil, &UndefinedProgramError{Agent: p.agent}
	}
	rule, ok := program.(ast.RuleElement)
	if !ok {
		return nil, &NotARuleError{Agent: p.agent, Program: program}
	}

	interp.SetSelf(p.agent)

	tree, reused, err := cache.CleanCopy(rule)
	if err != nil {
		return nil, &CorruptedTreeError{Agent: p.agent, Program: rule.Name, Err: err}
	}
	p.reused = reused

	interp.SetPosition(tree)
	interp.InitProgramExecution()

	p.advances = 0
	for !interp.IsExecutionComplete() {
		if pollErr := cancel.Poll(ctx, p.sig); pollErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			break
		}
		interp.ExecuteTree()
		p.advances++
	}

	if p.sig.Raised() {
		return absstorage.NewUpdateMultiset(), nil
	}
	if !tree.RootEvaluated() {
		return nil, &CorruptedTreeError{Agent: p.agent, Program: rule.Name}
	}

	root := tree.State(tree.Root())
	return absstorage.NewUpdateMultiset(root.Updates.Updates()...), nil
}

// Stats describes the last evaluation.
func (p *ProgramEvaluator) Stats() string {
	return fmt.Sprintf("agent %s: %d advances in %s (cached tree: %t)",
		denote(p.agent), p.advances, p.elapsed, p.reused)
}
