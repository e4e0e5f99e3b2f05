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
	"sync"
	"time"
)

// defaultBlockPoll paces chain height polling, roughly one block time.
const defaultBlockPoll = 12 * time.Second

// State names what the scheduler is currently doing.
type State int

const (
	// StateQuerying means the validator is between epoch boundaries.
	StateQuerying State = iota

	// StateEpochBoundary means a weight submission is in progress.
	StateEpochBoundary
)

func (s State) String() string {
	switch s {
	case StateQuerying:
		return "querying"
	case StateEpochBoundary:
		return "epoch_boundary"
	default:
		return "unknown"
	}
}

// EpochScheduler fires a weight submission once per epoch.
//
// # Description
//
// An epoch elapses when the chain has advanced at least one epoch
// length since the last submission attempt, counted from whatever
// block that attempt happened at. Boundaries therefore drift with
// submission latency rather than snapping to chain-aligned blocks.
// Every attempt, successful or not, resets the countdown; a rejected
// or failed submission is logged and retried a full epoch later,
// never immediately.
type EpochScheduler struct {
	neuron *Neuron
	poll   time.Duration

	mu             sync.Mutex
	state          State
	lastEpochBlock int64
}

// NewEpochScheduler builds a scheduler over the neuron. pollInterval
// <= 0 selects the default block pacing.
func NewEpochScheduler(n *Neuron, pollInterval time.Duration) *EpochScheduler {
	if pollInterval <= 0 {
		pollInterval = defaultBlockPoll
	}
	return &EpochScheduler{neuron: n, poll: pollInterval}
}

// State reports the scheduler's current phase.
func (s *EpochScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastEpochBlock reports the block of the last submission attempt.
func (s *EpochScheduler) LastEpochBlock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEpochBlock
}

// Run polls the chain until ctx is cancelled, submitting weights at
// each epoch boundary.
func (s *EpochScheduler) Run(ctx context.Context) error {
	block, err := s.neuron.chain.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("epoch scheduler: initial block: %w", err)
	}
	s.mu.Lock()
	s.lastEpochBlock = block
	s.mu.Unlock()
	slog.Info("Epoch scheduler started", "block", block, "poll", s.poll)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Epoch scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Step(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				slog.Warn("Epoch step failed", "error", err)
			}
		}
	}
}

// Step checks the chain height once and submits weights when an epoch
// has elapsed. Returns whether a submission was attempted.
func (s *EpochScheduler) Step(ctx context.Context) (bool, error) {
	block, err := s.neuron.chain.CurrentBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("current block: %w", err)
	}

	epochLength, err := s.epochLength(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	elapsed := block - s.lastEpochBlock
	due := elapsed >= epochLength
	if due {
		s.state = StateEpochBoundary
	}
	s.mu.Unlock()
	if !due {
		return false, nil
	}

	err = s.submit(ctx, block)

	s.mu.Lock()
	s.state = StateQuerying
	// The countdown restarts even when submission failed: retry waits
	// for the next boundary.
	s.lastEpochBlock = block
	s.mu.Unlock()
	return true, err
}

// epochLength resolves the configured override or asks the chain.
func (s *EpochScheduler) epochLength(ctx context.Context) (int64, error) {
	if override := s.neuron.cfg.EpochLengthOverride; override >= 0 {
		return override, nil
	}
	length, err := s.neuron.chain.EpochLength(ctx, s.neuron.netuid)
	if err != nil {
		return 0, fmt.Errorf("epoch length: %w", err)
	}
	return length, nil
}

// submit refreshes the directory, computes the weight vector, and
// writes it on chain.
func (s *EpochScheduler) submit(ctx context.Context, block int64) error {
	slog.Info("Epoch boundary reached", "block", block)

	if err := s.neuron.Resync(ctx); err != nil {
		slog.Warn("Resync at epoch boundary failed, submitting against stale directory", "error", err)
	}

	uids, weightVec, err := s.neuron.computer.Compute(ctx)
	if err != nil {
		if s.neuron.metrics != nil {
			s.neuron.metrics.RecordSubmission(false, err)
		}
		return fmt.Errorf("compute weights: %w", err)
	}

	accepted, err := s.neuron.chain.SubmitWeights(ctx, uids, weightVec, true)
	if s.neuron.metrics != nil {
		s.neuron.metrics.RecordSubmission(accepted, err)
		if err == nil {
			s.neuron.metrics.SetLastEpochBlock(block)
		}
	}
	if err != nil {
		return fmt.Errorf("submit weights: %w", err)
	}
	if !accepted {
		slog.Warn("Chain rejected weight submission", "block", block, "uids", len(uids))
		return nil
	}
	slog.Info("Weights submitted", "block", block, "uids", len(uids))
	return nil
}
