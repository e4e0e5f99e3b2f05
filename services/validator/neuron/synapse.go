// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package neuron

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/dispatch"
	"github.com/promptmesh/validator/services/validator/observability"
	"github.com/promptmesh/validator/services/validator/selector"
)

// Synapse is the externally reachable query surface. Implementations
// decide who may call, in what order, and what a call runs.
type Synapse interface {
	// Priority ranks a caller for scheduling. Higher runs first.
	Priority(ctx context.Context, callerHotkey string) float64

	// Blacklist reports whether the caller is refused outright.
	Blacklist(ctx context.Context, callerHotkey string) bool

	// Forward answers a caller's conversation with the network's best
	// completion.
	Forward(ctx context.Context, msgs []datatypes.Message) (*datatypes.ForwardEvent, error)

	// Backward accepts caller feedback for an earlier round and relays
	// it to the peers that served it.
	Backward(ctx context.Context, roundID string, reward float64) error
}

// nominatorTTL bounds how stale the cached stake map may get before
// Priority refreshes it.
const nominatorTTL = 5 * time.Minute

// backlogSize bounds how many recent rounds Backward can still reach.
const backlogSize = 256

// servedRound remembers who answered a round so late feedback can
// still reach them.
type servedRound struct {
	snap    *datatypes.Snapshot
	results []dispatch.Result
}

// InferenceSynapse serves caller prompts through ranked selection.
//
// # Description
//
// Priority is stake-based: the validator's own hotkey ranks infinitely
// high (and is simultaneously blacklisted, so self-calls never run),
// nominators rank by their delegated stake, everyone else ranks zero.
// The nominator map is cached and refreshed lazily.
type InferenceSynapse struct {
	neuron *Neuron

	mu          sync.Mutex
	nominators  map[string]float64
	refreshedAt time.Time

	backlogMu sync.Mutex
	backlog   map[string]servedRound
	order     []string
}

var _ Synapse = (*InferenceSynapse)(nil)

// NewInferenceSynapse wraps the neuron in a caller-facing synapse.
func NewInferenceSynapse(n *Neuron) *InferenceSynapse {
	return &InferenceSynapse{
		neuron:  n,
		backlog: make(map[string]servedRound, backlogSize),
	}
}

// Priority implements Synapse. Unknown callers rank zero rather than
// erroring so a nominator-service outage degrades to FIFO, not denial.
func (s *InferenceSynapse) Priority(ctx context.Context, callerHotkey string) float64 {
	if callerHotkey == s.neuron.cfg.Hotkey {
		return math.Inf(1)
	}
	return s.stake(ctx, callerHotkey)
}

// Blacklist implements Synapse. Only the validator's own hotkey is
// refused; querying yourself has no reputation meaning.
func (s *InferenceSynapse) Blacklist(ctx context.Context, callerHotkey string) bool {
	return callerHotkey == s.neuron.cfg.Hotkey
}

// Forward implements Synapse: a ranked-mode round over the inference
// knobs, recorded like any other. Caller rounds train the gating model
// but never push rewards back on their own; the caller's explicit
// Backward is the only feedback path for served rounds.
func (s *InferenceSynapse) Forward(ctx context.Context, msgs []datatypes.Message) (*datatypes.ForwardEvent, error) {
	event, err := s.neuron.Forward(ctx, ForwardParams{
		Messages:      msgs,
		K:             s.neuron.cfg.InferenceTopK,
		Timeout:       s.neuron.cfg.InferenceTimeout.Std(),
		Mode:          selector.ModeRanked,
		TrainGating:   true,
		ApplyBackward: false,
		IsSynapse:     true,
		MetricsMode:   observability.ModeInference,
	})
	if err != nil {
		return nil, err
	}
	if event.Success {
		s.remember(event)
	}
	return event, nil
}

// Backward implements Synapse. Feedback for rounds that aged out of
// the backlog is dropped with a warning.
func (s *InferenceSynapse) Backward(ctx context.Context, roundID string, rewardValue float64) error {
	s.backlogMu.Lock()
	round, ok := s.backlog[roundID]
	s.backlogMu.Unlock()
	if !ok {
		slog.Warn("Feedback for unknown round dropped", "round_id", roundID)
		return fmt.Errorf("unknown round %q", roundID)
	}

	rewards := make([]float64, len(round.results))
	for i := range rewards {
		rewards[i] = rewardValue
	}
	s.neuron.pool.Backward(round.snap, roundID, round.results, rewards)
	slog.Debug("Caller feedback relayed", "round_id", roundID, "peers", len(round.results), "reward", rewardValue)
	return nil
}

// remember records a served round, evicting the oldest past capacity.
func (s *InferenceSynapse) remember(event *datatypes.ForwardEvent) {
	snap := s.neuron.Snapshot()
	if snap == nil {
		return
	}
	results := make([]dispatch.Result, len(event.SuccessfulUIDs))
	for i, uid := range event.SuccessfulUIDs {
		results[i] = dispatch.Result{UID: uid, Completion: event.Completions[i]}
	}

	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()
	if _, exists := s.backlog[event.RoundID]; exists {
		return
	}
	s.backlog[event.RoundID] = servedRound{snap: snap, results: results}
	s.order = append(s.order, event.RoundID)
	for len(s.order) > backlogSize {
		delete(s.backlog, s.order[0])
		s.order = s.order[1:]
	}
}

// stake returns the caller's delegated stake, refreshing the cached
// nominator map when stale.
func (s *InferenceSynapse) stake(ctx context.Context, callerHotkey string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.refreshedAt) > nominatorTTL || s.nominators == nil {
		nominators, err := s.neuron.chain.Nominators(ctx, s.neuron.cfg.Hotkey)
		if err != nil {
			slog.Warn("Nominator refresh failed, keeping cached stakes", "error", err)
		} else {
			s.nominators = nominators
		}
		// Throttle retries on failure too.
		s.refreshedAt = time.Now()
	}
	return s.nominators[callerHotkey]
}
