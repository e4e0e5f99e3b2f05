// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reputation

import (
	"math"
	"sync"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

// DefaultAlpha is the EMA smoothing rate: low alpha keeps reputation
// stable and resistant to single-round swings.
const DefaultAlpha = 0.01

// Tracker maintains the per-uid reputation estimate.
//
// Record replays the entire retained history oldest to newest rather
// than folding in one event incrementally; with a bounded history this
// is a bounded-window EMA and makes the estimate a pure function of the
// retained events. A uid's score changes only on rounds it participated
// in, and is forced to zero when its hotkey rotates between consecutive
// retained events.
//
// Safe for concurrent use: Record and the readers are mutually
// exclusive.
type Tracker struct {
	mu      sync.Mutex
	history *History
	scores  []float64
	alpha   float64
}

// NewTracker creates a tracker for a directory of n peers with the
// given history capacity. alpha outside (0,1) falls back to
// DefaultAlpha.
func NewTracker(capacity, n int, alpha float64) *Tracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{
		history: NewHistory(capacity),
		scores:  make([]float64, n),
		alpha:   alpha,
	}
}

// Record appends a forward event and recomputes the moving averages
// from the retained history.
func (t *Tracker) Record(event *datatypes.ForwardEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.Push(event)
	t.recompute()
}

// recompute replays the retained history into t.scores. Caller holds
// the lock.
func (t *Tracker) recompute() {
	for i := range t.scores {
		t.scores[i] = 0
	}

	var lastHotkeys []string
	for _, event := range t.history.Events() {
		normalized := softmax(event.Rewards)

		// Identity rotation invalidates prior reputation: zero the
		// slot before this event's update applies.
		if lastHotkeys != nil {
			for uid, hotkey := range lastHotkeys {
				if uid < len(event.Hotkeys) && uid < len(t.scores) && hotkey != event.Hotkeys[uid] {
					t.scores[uid] = 0
				}
			}
		}

		for i, uid := range event.SuccessfulUIDs {
			if uid < 0 || uid >= len(t.scores) || i >= len(normalized) {
				continue
			}
			t.scores[uid] = t.alpha*t.scores[uid] + (1-t.alpha)*normalized[i]
		}

		lastHotkeys = event.Hotkeys
	}
}

// Scores returns a copy of the current reputation estimate, indexed by
// uid.
func (t *Tracker) Scores() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float64, len(t.scores))
	copy(out, t.scores)
	return out
}

// HistoryLen returns the number of retained events.
func (t *Tracker) HistoryLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Len()
}

// N returns the tracked directory size.
func (t *Tracker) N() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scores)
}

// Resize grows the score vector to n entries, zero-initializing the new
// slots. Shrinking is ignored: uids never disappear from the directory,
// their slots get reassigned.
func (t *Tracker) Resize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= len(t.scores) {
		return
	}
	grown := make([]float64, n)
	copy(grown, t.scores)
	t.scores = grown
}

// softmax normalizes rewards into a distribution. Shifted by the max
// for numeric stability; an empty input yields an empty output.
func softmax(rewards []float64) []float64 {
	if len(rewards) == 0 {
		return nil
	}
	maxReward := rewards[0]
	for _, r := range rewards[1:] {
		if r > maxReward {
			maxReward = r
		}
	}
	out := make([]float64, len(rewards))
	var sum float64
	for i, r := range rewards {
		out[i] = math.Exp(r - maxReward)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
