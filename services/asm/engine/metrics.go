// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepsTotal counts finished steps by result.
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_steps_total",
		Help: "Total steps by result",
	}, []string{"result"})

	// stepDuration tracks wall time per step including retries.
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asm_step_duration_seconds",
		Help:    "Step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	// roundsPerStep tracks how many candidate subsets a step tried.
	roundsPerStep = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asm_rounds_per_step",
		Help:    "Number of rounds evaluated per step",
		Buckets: []float64{1, 2, 3, 5, 10, 50, 200, 1000},
	})

	// conflictsTotal counts rejected rounds by attribution.
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_conflicts_total",
		Help: "Total rejected rounds by conflict attribution",
	}, []string{"kind"})
)

const (
	resultCommitted = "committed"
	resultFailed    = "failed"
	resultError     = "error"
	resultHalted    = "halted"

	conflictMultiAgent  = "multi_agent"
	conflictSingleAgent = "single_agent"
)
