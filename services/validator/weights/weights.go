// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package weights turns accumulated reputation scores into a normalized
// weight vector ready for chain submission.
package weights

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/promptmesh/validator/services/validator/ledger"
	"github.com/promptmesh/validator/services/validator/reputation"
)

// Computer converts tracker scores into constrained, L1-normalized weights.
//
// # Description
//
// Computing weights never mutates the tracker: two consecutive calls with no
// intervening Record produce identical vectors. When no query round has
// completed yet (or every score is zero) the computer emits a uniform vector
// over all peers and skips the chain constraint step, since there is no
// signal for the constraint to redistribute.
type Computer struct {
	tracker *reputation.Tracker
	chain   ledger.Client
	netuid  int
}

// NewComputer wires a weight computer over the tracker and chain gateway.
func NewComputer(tracker *reputation.Tracker, chain ledger.Client, netuid int) *Computer {
	return &Computer{tracker: tracker, chain: chain, netuid: netuid}
}

// Compute returns the uid list and weight vector to submit for the current
// tracker state. The uid list is always 0..n-1 before constraining; the
// chain gateway may drop or merge entries.
func (c *Computer) Compute(ctx context.Context) ([]int, []float64, error) {
	scores := c.tracker.Scores()
	n := len(scores)
	if n == 0 {
		return nil, nil, fmt.Errorf("compute weights: no peers")
	}

	uids := make([]int, n)
	for i := range uids {
		uids[i] = i
	}

	if c.tracker.HistoryLen() == 0 || allZero(scores) {
		slog.Debug("No reputation signal yet, emitting uniform weights", "peers", n)
		return uids, uniform(n), nil
	}

	weights := normalize(scores)

	constrainedUIDs, constrainedWeights, err := c.chain.ConstrainWeights(ctx, uids, weights, c.netuid)
	if err != nil {
		return nil, nil, fmt.Errorf("compute weights: %w", err)
	}
	return constrainedUIDs, constrainedWeights, nil
}

// Preview returns the unconstrained weight vector for a score snapshot:
// negatives clip to zero, the remainder L1-normalizes, and an all-zero
// snapshot falls back to uniform. Read surfaces use this to show what
// Compute would submit before the chain constraint step.
func Preview(scores []float64) []float64 {
	return normalize(scores)
}

// normalize clips negatives to zero and L1-normalizes. A vector that clips
// to all zeros falls back to uniform.
func normalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		if s > 0 {
			out[i] = s
			sum += s
		}
	}
	if sum == 0 {
		return uniform(len(scores))
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	w := 1.0 / float64(n)
	for i := range out {
		out[i] = w
	}
	return out
}

func allZero(scores []float64) bool {
	for _, s := range scores {
		if s != 0 {
			return false
		}
	}
	return true
}
