// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndGet(t *testing.T) {
	s := openTestStore(t)
	rec := StepRecord{
		RunID:     "run-1",
		Step:      3,
		Agents:    []string{"A", "B"},
		Rounds:    2,
		Updates:   4,
		Conflicts: []string{"x()"},
		Committed: true,
		Duration:  15 * time.Millisecond,
	}
	require.NoError(t, s.Record(rec))

	got, err := s.Get("run-1", 3)
	require.NoError(t, err)
	assert.Equal(t, rec.Agents, got.Agents)
	assert.Equal(t, rec.Conflicts, got.Conflicts)
	assert.Equal(t, 2, got.Rounds)
	assert.True(t, got.Committed)
	assert.Equal(t, rec.Duration, got.Duration)
	assert.False(t, got.RecordedAt.IsZero())

	_, err = s.Get("run-1", 4)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("run-2", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FailedAttemptsAreKept(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(StepRecord{RunID: "run", Step: 4, Failure: "no consistent agent combination"}))
	require.NoError(t, s.Record(StepRecord{RunID: "run", Step: 4, Committed: true}))

	latest, err := s.Get("run", 4)
	require.NoError(t, err)
	assert.True(t, latest.Committed)
	assert.Equal(t, 1, latest.Attempt)

	attempts, err := s.Attempts("run", 4)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 0, attempts[0].Attempt)
	assert.False(t, attempts[0].Committed)
	assert.Equal(t, "no consistent agent combination", attempts[0].Failure)

	recent, err := s.Recent("run", 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Committed, "newest attempt first")

	_, err = s.Attempts("run", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	for step := 0; step < 12; step++ {
		require.NoError(t, s.Record(StepRecord{RunID: "run", Step: step, Committed: true}))
	}
	require.NoError(t, s.Record(StepRecord{RunID: "other", Step: 99}))

	recent, err := s.Recent("run", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []int{11, 10, 9}, []int{recent[0].Step, recent[1].Step, recent[2].Step})

	all, err := s.Recent("run", 100)
	require.NoError(t, err)
	assert.Len(t, all, 12)

	none, err := s.Recent("run", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Validation(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.Record(StepRecord{Step: 1}), ErrInvalidRecord)

	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Record(StepRecord{RunID: "r"}), ErrClosed)
	_, err = s.Get("r", 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Recent("r", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Attempts("r", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Record(StepRecord{RunID: "keep", Step: 1}))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get("keep", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Step)
}
