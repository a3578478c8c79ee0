// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignal(t *testing.T) {
	t.Run("first cause wins", func(t *testing.T) {
		s := New()
		first := errors.New("first")
		assert.True(t, s.Raise(first))
		assert.False(t, s.Raise(errors.New("second")))
		assert.True(t, s.Raised())
		assert.Equal(t, first, s.Err())
	})

	t.Run("nil cause", func(t *testing.T) {
		s := New()
		s.Raise(nil)
		assert.ErrorIs(t, s.Err(), ErrRaised)
	})

	t.Run("reset", func(t *testing.T) {
		s := New()
		s.Raise(errors.New("x"))
		s.Reset()
		assert.False(t, s.Raised())
		assert.NoError(t, s.Err())
	})

	t.Run("nil signal", func(t *testing.T) {
		var s *Signal
		assert.False(t, s.Raised())
		assert.NoError(t, s.Err())
	})

	t.Run("concurrent raise keeps one cause", func(t *testing.T) {
		s := New()
		var wg sync.WaitGroup
		wins := make(chan bool, 32)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wins <- s.Raise(errors.New("boom"))
			}()
		}
		wg.Wait()
		close(wins)
		n := 0
		for w := range wins {
			if w {
				n++
			}
		}
		assert.Equal(t, 1, n)
	})
}

func TestPoll(t *testing.T) {
	s := New()
	assert.NoError(t, Poll(context.Background(), s))

	cause := errors.New("cause")
	s.Raise(cause)
	assert.Equal(t, cause, Poll(context.Background(), s))

	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	assert.ErrorIs(t, Poll(ctx, s), context.Canceled)
}
