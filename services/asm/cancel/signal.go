// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cancel provides the engine-wide error signal that evaluators poll
// cooperatively.
package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrRaised is reported when the signal was raised without a cause.
var ErrRaised = errors.New("engine error raised")

// Signal is a shared, raise-once error flag.
//
// Thread Safety: Safe for concurrent use. A nil *Signal is never raised.
type Signal struct {
	raised atomic.Bool
	mu     sync.Mutex
	err    error
}

// New creates an unraised signal.
func New() *Signal {
	return &Signal{}
}

// Raise sets the signal. Only the first cause is kept.
//
// Outputs:
//
//	bool - True if this call raised the signal.
func (s *Signal) Raise(err error) bool {
	if err == nil {
		err = ErrRaised
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raised.Load() {
		return false
	}
	s.err = err
	s.raised.Store(true)
	return true
}

// Raised reports whether the signal is set.
func (s *Signal) Raised() bool {
	return s != nil && s.raised.Load()
}

// Err returns the first cause, or nil.
func (s *Signal) Err() error {
	if !s.Raised() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reset clears the signal. Call it only between rounds.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
	s.raised.Store(false)
}

// Poll is the cooperative check made between interpreter advances. It
// returns the context error first, then the signal cause, else nil.
func Poll(ctx context.Context, sig *Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sig.Err()
}
