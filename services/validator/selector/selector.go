// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selector chooses which peers a round queries.
//
// Two modes exist: uniform random sampling without replacement, and
// ranked top-k by gating-model score. An empty available set yields an
// empty selection, never an error; the caller treats that as a failed
// round.
package selector

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

// Mode picks the selection strategy for a round.
type Mode int

const (
	// ModeRandom samples uniformly without replacement.
	ModeRandom Mode = iota

	// ModeRanked takes the top-k peers by gating score.
	ModeRanked
)

func (m Mode) String() string {
	switch m {
	case ModeRandom:
		return "random"
	case ModeRanked:
		return "ranked"
	default:
		return "unknown"
	}
}

// Selector implements both selection modes. Safe for concurrent use;
// the shared rand source is mutex guarded.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Selector seeded for reproducible sampling in tests.
func New(seed int64) *Selector {
	return &Selector{rng: rand.New(rand.NewSource(seed))}
}

// Select returns the uids to query this round.
//
// k < 0 means "all available". k is clamped to the available set size.
// scores index by uid over the whole directory and are only consulted in
// ModeRanked; a uid beyond len(scores) scores zero. The returned slice
// contains no duplicates and is drawn entirely from the serving set.
func (s *Selector) Select(snap *datatypes.Snapshot, k int, mode Mode, scores []float64) []int {
	available := snap.Available()
	if len(available) == 0 {
		return nil
	}
	if k < 0 || k > len(available) {
		k = len(available)
	}
	if k == 0 {
		return []int{}
	}

	switch mode {
	case ModeRanked:
		return topK(available, k, scores)
	default:
		return s.sample(available, k)
	}
}

// sample picks k uids uniformly without replacement.
func (s *Selector) sample(available []int, k int) []int {
	s.mu.Lock()
	perm := s.rng.Perm(len(available))
	s.mu.Unlock()

	picked := make([]int, k)
	for i := 0; i < k; i++ {
		picked[i] = available[perm[i]]
	}
	return picked
}

// topK returns the k highest-scored uids, ties broken by ascending uid.
func topK(available []int, k int, scores []float64) []int {
	ranked := make([]int, len(available))
	copy(ranked, available)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scoreAt(scores, ranked[i]), scoreAt(scores, ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i] < ranked[j]
	})
	return ranked[:k]
}

func scoreAt(scores []float64, uid int) float64 {
	if uid < 0 || uid >= len(scores) {
		return 0
	}
	return scores[uid]
}
