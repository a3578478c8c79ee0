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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianASM/services/asm/ast"
	"github.com/AleutianAI/AleutianASM/services/asm/interpreter"
)

// InterpreterFactory creates the interpreter owned by one worker slot.
type InterpreterFactory func(slot int) interpreter.Interpreter

// InterpreterCache is the cached context of one worker slot: exactly one
// interpreter plus a table from original rule bodies to cleared working
// copies.
//
// Description:
//
//	A cache is used by one evaluation at a time. Acquire fails with
//	ErrReentrantEvaluation while the cache is held, so an evaluation can
//	never recursively reuse (and reset) the interpreter it is running on.
//
// Thread Safety:
//
//	Acquire/Release are safe for concurrent use. All other methods require
//	the cache to be held by the caller.
type InterpreterCache struct {
	slot   int
	interp interpreter.Interpreter
	trees  map[ast.TreeKey]*ast.Tree
	busy   atomic.Bool
}

// NewInterpreterCache creates the cache of slot.
func NewInterpreterCache(slot int, interp interpreter.Interpreter) *InterpreterCache {
	return &InterpreterCache{
		slot:   slot,
		interp: interp,
		trees:  make(map[ast.TreeKey]*ast.Tree),
	}
}

// Slot returns the worker slot id.
func (c *InterpreterCache) Slot() int { return c.slot }

// Interpreter returns the owned interpreter.
func (c *InterpreterCache) Interpreter() interpreter.Interpreter { return c.interp }

// Acquire marks the cache as in use.
func (c *InterpreterCache) Acquire() error {
	if !c.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("slot %d: %w", c.slot, ErrReentrantEvaluation)
	}
	return nil
}

// Release ends the current use.
func (c *InterpreterCache) Release() { c.busy.Store(false) }

// CleanCopy returns a ready-to-run working copy of rule's body.
//
// Outputs:
//
//	*ast.Tree - The cleared working copy.
//	bool - True if the copy came from the cache.
//	error - Non-nil if the body could not be copied.
func (c *InterpreterCache) CleanCopy(rule ast.RuleElement) (*ast.Tree, bool, error) {
	key := rule.TreeKey()
	if t, ok := c.trees[key]; ok {
		c.interp.ClearTree(t)
		return t, true, nil
	}
	t, err := c.interp.CopyTree(key)
	if err != nil {
		return nil, false, err
	}
	c.trees[key] = t
	return t, false, nil
}

// Size returns the number of cached working copies.
func (c *InterpreterCache) Size() int { return len(c.trees) }

// Clear drops the cached copies and resets the interpreter.
func (c *InterpreterCache) Clear() {
	c.trees = make(map[ast.TreeKey]*ast.Tree)
	c.interp.CleanUp()
}

// CacheArena holds one InterpreterCache per worker slot, created on first
// use.
//
// Thread Safety: Safe for concurrent use. Size and Clear must not run while
// a round is in flight.
type CacheArena struct {
	mu      sync.Mutex
	factory InterpreterFactory
	slots   []*InterpreterCache
}

// NewCacheArena creates an arena for workers slots.
func NewCacheArena(workers int, factory InterpreterFactory) *CacheArena {
	return &CacheArena{
		factory: factory,
		slots:   make([]*InterpreterCache, workers),
	}
}

// Slot returns the cache of worker id, creating it if needed.
func (a *CacheArena) Slot(id int) (*InterpreterCache, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.slots) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidSlot, id, len(a.slots))
	}
	if a.slots[id] == nil {
		a.slots[id] = NewInterpreterCache(id, a.factory(id))
	}
	return a.slots[id], nil
}

// Slots returns the number of worker slots.
func (a *CacheArena) Slots() int { return len(a.slots) }

// Size returns the total number of cached working copies.
func (a *CacheArena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.slots {
		if c != nil {
			n += c.Size()
		}
	}
	return n
}

// Clear drops every slot's cache.
func (a *CacheArena) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.slots {
		if c != nil {
			c.Clear()
		}
	}
}
