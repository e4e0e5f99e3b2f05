// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ledger defines the chain gateway the validator reads peers
// from and submits weights to.
//
// Submission mechanics, signing, and the chain's weight-validity rules
// all live on the gateway side; this package only carries the call
// contract and an HTTP implementation of it.
package ledger

import (
	"context"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

// Client is the chain gateway call contract.
type Client interface {
	// CurrentBlock returns the chain height.
	CurrentBlock(ctx context.Context) (int64, error)

	// EpochLength returns the subnet's epoch length in blocks.
	EpochLength(ctx context.Context, netuid int) (int64, error)

	// Snapshot reads the current peer directory for a subnet.
	Snapshot(ctx context.Context, netuid int) (*datatypes.Snapshot, error)

	// Nominators returns the stake delegated to a hotkey, keyed by the
	// nominator's hotkey.
	Nominators(ctx context.Context, hotkey string) (map[string]float64, error)

	// ConstrainWeights applies the chain's network-wide bounds (max
	// weight per peer, minimum non-zero entries) to a candidate weight
	// vector, possibly redistributing mass. The result is submitted
	// verbatim.
	ConstrainWeights(ctx context.Context, uids []int, weights []float64, netuid int) ([]int, []float64, error)

	// SubmitWeights writes the weight vector on chain. Returns false
	// when the chain rejected the submission; the caller retries at
	// the next epoch boundary, never immediately.
	SubmitWeights(ctx context.Context, uids []int, weights []float64, waitForFinalization bool) (bool, error)
}
