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
	"sync"
	"time"
)

// throughputWindow keeps the completion times of the steps finished within
// the last window.
type throughputWindow struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	stamps []time.Time
}

func newThroughputWindow(window time.Duration, now func() time.Time) *throughputWindow {
	if now == nil {
		now = time.Now
	}
	return &throughputWindow{window: window, now: now}
}

// record adds a completion and returns the count inside the window.
func (w *throughputWindow) record() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.now()
	w.stamps = append(w.stamps, t)
	w.pruneLocked(t)
	return len(w.stamps)
}

// count returns the completions inside the window.
func (w *throughputWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.stamps)
}

func (w *throughputWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = w.stamps[:0]
}

func (w *throughputWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
