// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkers(t *testing.T) {
	tests := []struct {
		cpus int
		want int
	}{
		{cpus: 1, want: 1},
		{cpus: 2, want: 1},
		{cpus: 3, want: 1},
		{cpus: 4, want: 2},
		{cpus: 16, want: 14},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultWorkers(tt.cpus), "cpus=%d", tt.cpus)
	}
	assert.Equal(t, 3, ResolveWorkers(3, 16))
	assert.Equal(t, 14, ResolveWorkers(0, 16))
	assert.Equal(t, 1, ResolveWorkers(-1, 2))
}

func TestNew_InvalidWorkers(t *testing.T) {
	_, err := New(0, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkers)
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	ex, err := New(2, nil)
	require.NoError(t, err)
	defer ex.Shutdown()

	var active, peak atomic.Int32
	var mu sync.Mutex
	inUse := make(map[int]bool)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ex.Do(context.Background(), "unit", func(ctx context.Context, slot int) error {
				mu.Lock()
				if inUse[slot] {
					mu.Unlock()
					return errors.New("slot shared")
				}
				inUse[slot] = true
				mu.Unlock()

				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)

				mu.Lock()
				inUse[slot] = false
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_SlotIDsInRange(t *testing.T) {
	ex, err := New(3, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, ex.Do(context.Background(), "u", func(_ context.Context, slot int) error {
			assert.GreaterOrEqual(t, slot, 0)
			assert.Less(t, slot, 3)
			return nil
		}))
	}
	assert.Equal(t, 3, ex.Workers())
}

func TestExecutor_PropagatesErrors(t *testing.T) {
	ex, err := New(1, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	assert.ErrorIs(t, ex.Do(context.Background(), "u", func(context.Context, int) error { return boom }), boom)

	err = ex.Do(context.Background(), "panicky", func(context.Context, int) error { panic("bad") })
	var pe *UnitPanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "panicky", pe.Unit)
	assert.Equal(t, "bad", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// The slot is returned after a panic.
	assert.NoError(t, ex.Do(context.Background(), "u", func(context.Context, int) error { return nil }))
}

func TestExecutor_CancelWhileWaiting(t *testing.T) {
	ex, err := New(1, nil)
	require.NoError(t, err)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = ex.Do(context.Background(), "holder", func(context.Context, int) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ex.Do(ctx, "waiter", func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(hold)
}

func TestExecutor_Shutdown(t *testing.T) {
	ex, err := New(1, nil)
	require.NoError(t, err)
	ex.Shutdown()
	ex.Shutdown()
	assert.True(t, ex.IsShutdown())
	assert.ErrorIs(t, ex.Do(context.Background(), "u", func(context.Context, int) error { return nil }), ErrExecutorShutdown)

	//nolint:staticcheck // nil context is the case under test
	assert.ErrorIs(t, ex.Do(nil, "u", func(context.Context, int) error { return nil }), ErrNilContext)
}
