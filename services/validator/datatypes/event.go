// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"
)

// ForwardEvent is the immutable record of one forward round.
//
// Created by the forward pipeline, appended to history, and never mutated
// afterward. Invariants:
//
//   - SuccessfulUIDs ⊆ QueriedUIDs ⊆ the snapshot's serving uids
//   - len(Rewards) == len(Completions) == len(SuccessfulUIDs), index aligned
//   - Completion is the completion with maximal reward (lowest index on ties)
type ForwardEvent struct {
	// RoundID uniquely identifies this round for logs and tracing.
	RoundID string `json:"round_id"`

	// StartTime is when the round began.
	StartTime time.Time `json:"start_time"`

	// Elapsed is the round's wall-clock duration.
	Elapsed time.Duration `json:"elapsed"`

	// Success is false when no peers were available or none completed.
	Success bool `json:"success"`

	// Messages is the conversation the round queried peers with.
	Messages []Message `json:"messages"`

	// Timeout bounded each per-peer call.
	Timeout time.Duration `json:"timeout"`

	// NumToQuery is the requested peer count before clamping (-1 = all).
	NumToQuery int `json:"num_to_query"`

	// RandomSample records whether selection was random or gating-ranked.
	RandomSample bool `json:"random_sample"`

	// TrainGating records whether the gating model was updated.
	TrainGating bool `json:"train_gating"`

	// ApplyBackward records whether rewards were sent back to peers.
	ApplyBackward bool `json:"apply_backward"`

	// IsSynapse marks rounds originating from the inference API.
	IsSynapse bool `json:"is_synapse"`

	// Block is the chain height of the round's snapshot.
	Block int64 `json:"block"`

	// Hotkeys is the snapshot's hotkey column, kept for rotation detection.
	Hotkeys []string `json:"hotkeys"`

	// Scores are the gating model's per-uid scores over the directory.
	Scores []float64 `json:"scores"`

	// QueriedUIDs are the peers this round dispatched to.
	QueriedUIDs []int `json:"queried_uids"`

	// SuccessfulUIDs are the peers that returned a non-empty completion.
	SuccessfulUIDs []int `json:"successful_uids"`

	// Completions are the surviving completions, aligned to SuccessfulUIDs.
	Completions []string `json:"completions"`

	// Rewards are the per-completion scores, aligned to SuccessfulUIDs.
	Rewards []float64 `json:"rewards"`

	// Completion is the round's winning completion.
	Completion string `json:"completion"`
}
