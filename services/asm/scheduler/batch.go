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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/executor"
)

// DefaultBatchSize is the largest slice a batch leaf evaluates.
const DefaultBatchSize = 4

// BatchEvaluator evaluates a contiguous slice of agents by divide and
// conquer.
//
// Description:
//
//	A slice longer than batchSize is split at the midpoint. The left half is
//	forked and the right half is evaluated inline; both results are merged.
//	A failure in either half cancels the other before returning.
//	A leaf acquires one executor slot and evaluates its agents sequentially
//	on that slot's cache. Only leaves hold slots, so a waiting parent never
//	blocks a worker.
type BatchEvaluator struct {
	agents    []absstorage.Element
	batchSize int
	exec      *executor.Executor
	caches    *CacheArena
	newEval   func(agent absstorage.Element) *ProgramEvaluator
	onStats   func(string)
}

// NewBatchEvaluator creates a batch evaluator over agents.
func NewBatchEvaluator(
	agents []absstorage.Element,
	batchSize int,
	exec *executor.Executor,
	caches *CacheArena,
	newEval func(agent absstorage.Element) *ProgramEvaluator,
) *BatchEvaluator {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &BatchEvaluator{
		agents:    agents,
		batchSize: batchSize,
		exec:      exec,
		caches:    caches,
		newEval:   newEval,
	}
}

// Evaluate returns the merged updates of every agent in the slice.
func (b *BatchEvaluator) Evaluate(ctx context.Context) (*absstorage.UpdateMultiset, error) {
	return b.evaluate(ctx, b.agents)
}

func (b *BatchEvaluator) evaluate(ctx context.Context, agents []absstorage.Element) (*absstorage.UpdateMultiset, error) {
	if len(agents) <= b.batchSize {
		return b.leaf(ctx, agents)
	}

	mid := len(agents) / 2
	var left *absstorage.UpdateMultiset

	ctx, cancelFork := context.WithCancel(ctx)
	defer cancelFork()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		left, err = b.evaluate(gctx, agents[:mid])
		return err
	})
	right, rightErr := b.evaluate(gctx, agents[mid:])
	if rightErr != nil {
		// A forked failure cancels gctx first; report that failure instead
		// of the inline half's cancellation.
		forkFailed := gctx.Err() != nil
		cancelFork()
		if err := g.Wait(); err != nil && forkFailed {
			return nil, err
		}
		return nil, rightErr
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := absstorage.NewUpdateMultiset()
	merged.AddAll(left)
	merged.AddAll(right)
	return merged, nil
}

func (b *BatchEvaluator) leaf(ctx context.Context, agents []absstorage.Element) (*absstorage.UpdateMultiset, error) {
	merged := absstorage.NewUpdateMultiset()
	if len(agents) == 0 {
		return merged, nil
	}
	unit := fmt.Sprintf("batch[%s..%s]", denote(agents[0]), denote(agents[len(agents)-1]))
	err := b.exec.Do(ctx, unit, func(ctx context.Context, slot int) error {
		cache, err := b.caches.Slot(slot)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			pe := b.newEval(agent)
			ms, err := pe.Evaluate(ctx, cache)
			if err != nil {
				return err
			}
			if b.onStats != nil {
				b.onStats(pe.Stats())
			}
			merged.AddAll(ms)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}
