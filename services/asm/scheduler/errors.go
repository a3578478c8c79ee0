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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
)

var (
	// ErrInitialState is returned when the initial state cannot be
	// established.
	ErrInitialState = errors.New("cannot establish initial state")

	// ErrAgentsNotEnumerable is returned when the agents universe cannot be
	// enumerated.
	ErrAgentsNotEnumerable = errors.New("agents universe is not enumerable")

	// ErrScheduleExhausted is returned when programs are executed after
	// SelectAgents reported no further candidates.
	ErrScheduleExhausted = errors.New("schedule exhausted")

	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("scheduler is disposed")

	// ErrNoResult is returned when a unit completed without a result.
	ErrNoResult = errors.New("evaluation unit returned no result")

	// ErrInvalidPhase is returned when an operation is called out of order.
	ErrInvalidPhase = errors.New("operation not valid in current phase")

	// ErrUnknownPolicy is returned by PolicyByName.
	ErrUnknownPolicy = errors.New("unknown scheduling policy")

	// ErrReentrantEvaluation is returned when an interpreter cache is
	// acquired while already in use.
	ErrReentrantEvaluation = errors.New("re-entrant evaluation on interpreter cache")

	// ErrInvalidSlot is returned for a worker slot outside the cache arena.
	ErrInvalidSlot = errors.New("invalid worker slot")
)

// EvaluationError is the failure of one agent's evaluation. Any
// EvaluationError aborts the containing round.
type EvaluationError struct {
	Agent absstorage.Element
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of agent %s failed: %v", denote(e.Agent), e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// UndefinedProgramError reports an agent whose program is undef.
type UndefinedProgramError struct {
	Agent absstorage.Element
}

func (e *UndefinedProgramError) Error() string {
	return fmt.Sprintf("program of agent %s is undefined", denote(e.Agent))
}

// NotARuleError reports an agent whose program is not a rule element.
type NotARuleError struct {
	Agent   absstorage.Element
	Program absstorage.Element
}

func (e *NotARuleError) Error() string {
	return fmt.Sprintf("program of agent %s is not a rule element: %s", denote(e.Agent), denote(e.Program))
}

// CorruptedTreeError reports a working tree that completed without its root
// being evaluated, or a body that could not be copied.
type CorruptedTreeError struct {
	Agent   absstorage.Element
	Program string
	Err     error
}

func (e *CorruptedTreeError) Error() string {
	msg := fmt.Sprintf("AST of %s (program of agent %s) has been corrupted", e.Program, denote(e.Agent))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptedTreeError) Unwrap() error { return e.Err }

func denote(e absstorage.Element) string {
	if e == nil {
		return "<nil>"
	}
	return e.Denotation()
}
