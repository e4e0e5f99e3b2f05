// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package neuron runs the validator's query and scoring pipeline.
//
// # Description
//
// A Neuron owns the forward round: select peers from the current
// directory snapshot, dispatch the conversation to each, score the
// surviving completions, and fold the outcome into the reputation
// tracker. The train loop and epoch scheduler drive rounds when no
// caller traffic arrives; the inference synapse drives them when it
// does.
//
// # Thread Safety
//
// Forward, Resync, and the snapshot accessor are safe to call
// concurrently. The snapshot is replaced wholesale under a write lock
// and never mutated in place, so a round always sees one consistent
// directory.
package neuron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/promptmesh/validator/services/validator/config"
	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/dispatch"
	"github.com/promptmesh/validator/services/validator/events"
	"github.com/promptmesh/validator/services/validator/gating"
	"github.com/promptmesh/validator/services/validator/ledger"
	"github.com/promptmesh/validator/services/validator/observability"
	"github.com/promptmesh/validator/services/validator/reputation"
	"github.com/promptmesh/validator/services/validator/reward"
	"github.com/promptmesh/validator/services/validator/selector"
	"github.com/promptmesh/validator/services/validator/weights"
)

var tracer = otel.Tracer("promptmesh.validator.neuron")

// Deps carries the neuron's collaborators. All fields except Reward,
// Sink, and Metrics are required; Reward may be nil only when the
// config enables degraded mode.
type Deps struct {
	Config   config.NeuronConfig
	Netuid   int
	Gating   gating.Model
	Reward   reward.Model
	Chain    ledger.Client
	Pool     *dispatch.Pool
	Selector *selector.Selector
	Tracker  *reputation.Tracker
	Sink     events.Sink
	Metrics  *observability.ValidatorMetrics
}

// Neuron is the validator's core pipeline.
type Neuron struct {
	cfg      config.NeuronConfig
	netuid   int
	gate     gating.Model
	rewarder reward.Model
	chain    ledger.Client
	pool     *dispatch.Pool
	selector *selector.Selector
	tracker  *reputation.Tracker
	computer *weights.Computer
	sink     events.Sink
	metrics  *observability.ValidatorMetrics

	mu   sync.RWMutex
	snap *datatypes.Snapshot
}

// New wires a Neuron from its collaborators.
func New(d Deps) (*Neuron, error) {
	if d.Gating == nil {
		return nil, fmt.Errorf("neuron: gating model required")
	}
	if d.Chain == nil {
		return nil, fmt.Errorf("neuron: chain client required")
	}
	if d.Pool == nil {
		return nil, fmt.Errorf("neuron: peer pool required")
	}
	if d.Selector == nil {
		return nil, fmt.Errorf("neuron: selector required")
	}
	if d.Tracker == nil {
		return nil, fmt.Errorf("neuron: reputation tracker required")
	}
	if d.Reward == nil && !d.Config.NoRewardModel {
		return nil, fmt.Errorf("neuron: reward model required unless no_reward_model is set")
	}
	if d.Sink == nil {
		d.Sink = events.NopSink{}
	}
	return &Neuron{
		cfg:      d.Config,
		netuid:   d.Netuid,
		gate:     d.Gating,
		rewarder: d.Reward,
		chain:    d.Chain,
		pool:     d.Pool,
		selector: d.Selector,
		tracker:  d.Tracker,
		computer: weights.NewComputer(d.Tracker, d.Chain, d.Netuid),
		sink:     d.Sink,
		metrics:  d.Metrics,
	}, nil
}

// Snapshot returns the directory snapshot rounds currently run against.
// Nil until the first Resync succeeds.
func (n *Neuron) Snapshot() *datatypes.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.snap
}

// Tracker exposes the reputation tracker for read-side surfaces.
func (n *Neuron) Tracker() *reputation.Tracker {
	return n.tracker
}

// Weights exposes the weight computer for read-side surfaces.
func (n *Neuron) Weights() *weights.Computer {
	return n.computer
}

// Resync refreshes the directory snapshot from the chain and grows the
// tracker when peers registered since the last sync.
func (n *Neuron) Resync(ctx context.Context) error {
	snap, err := n.chain.Snapshot(ctx, n.netuid)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	n.mu.Lock()
	n.snap = snap
	n.mu.Unlock()
	n.tracker.Resize(snap.N())
	slog.Info("Directory resynced",
		"block", snap.Block,
		"peers", snap.N(),
		"serving", len(snap.Available()),
	)
	return nil
}

// =============================================================================
// Forward Round
// =============================================================================

// ForwardParams configures one forward round.
type ForwardParams struct {
	// Messages is the conversation to query peers with.
	Messages []datatypes.Message

	// K is how many peers to query. -1 queries all available.
	K int

	// Timeout bounds each per-peer call.
	Timeout time.Duration

	// Mode chooses random sampling or gating-ranked selection.
	Mode selector.Mode

	// TrainGating updates the gating model from this round's rewards.
	TrainGating bool

	// ApplyBackward posts rewards back to the queried peers.
	ApplyBackward bool

	// IsSynapse marks rounds driven by the inference API.
	IsSynapse bool

	// MetricsMode labels the round in metrics.
	MetricsMode observability.Mode
}

// Forward runs one complete round and returns its event.
//
// # Description
//
// The pipeline is: gate the prompt, select peers, dispatch, score the
// completions, record. Rounds that find no peers or no completions
// return a failed event with a nil error; such rounds are logged but
// never enter the reputation history, so an empty network cannot decay
// anyone's score. Gating and reward service failures return an error
// and produce no event.
//
// In degraded mode (no reward model) the gating scores of the
// successful peers stand in for rewards; the gating update and the
// backward pass are skipped since there is no independent signal to
// train on or to report.
func (n *Neuron) Forward(ctx context.Context, p ForwardParams) (*datatypes.ForwardEvent, error) {
	start := time.Now()
	roundID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "Neuron.Forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("round_id", roundID),
		attribute.Int("k", p.K),
		attribute.String("mode", p.Mode.String()),
		attribute.Bool("is_synapse", p.IsSynapse),
	)

	snap := n.Snapshot()
	if snap == nil {
		err := fmt.Errorf("forward: no directory snapshot yet")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	event := &datatypes.ForwardEvent{
		RoundID:       roundID,
		StartTime:     start,
		Messages:      p.Messages,
		Timeout:       p.Timeout,
		NumToQuery:    p.K,
		RandomSample:  p.Mode == selector.ModeRandom,
		TrainGating:   p.TrainGating,
		ApplyBackward: p.ApplyBackward,
		IsSynapse:     p.IsSynapse,
		Block:         snap.Block,
		Hotkeys:       snap.CloneHotkeys(),
	}

	prompt := datatypes.FlattenForGating(p.Messages)
	scores, err := n.gate.Score(ctx, prompt)
	if err != nil {
		n.recordRound(p.MetricsMode, false, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("forward: gating score: %w", err)
	}
	event.Scores = scores

	uids := n.selector.Select(snap, p.K, p.Mode, scores)
	event.QueriedUIDs = uids
	if len(uids) == 0 {
		slog.Warn("No peers available to query", "round_id", roundID, "block", snap.Block)
		return n.finishFailed(event, p.MetricsMode, start), nil
	}

	if n.metrics != nil {
		n.metrics.QueriesStarted(len(uids))
	}
	dispatchStart := time.Now()
	results := n.pool.Dispatch(ctx, snap, uids, p.Messages, p.Timeout)
	if n.metrics != nil {
		n.metrics.QueriesFinished(len(uids))
		n.metrics.RecordDispatch(p.MetricsMode, time.Since(dispatchStart).Seconds())
	}

	var (
		successful  []dispatch.Result
		successUIDs []int
		completions []string
	)
	for _, r := range results {
		if r.OK() {
			successful = append(successful, r)
			successUIDs = append(successUIDs, r.UID)
			completions = append(completions, r.Completion)
		}
	}
	if n.metrics != nil {
		n.metrics.RecordCompletions(len(successful), len(results)-len(successful))
	}
	event.SuccessfulUIDs = successUIDs
	event.Completions = completions

	if len(successful) == 0 {
		slog.Warn("All peer calls failed",
			"round_id", roundID,
			"queried", len(uids),
		)
		return n.finishFailed(event, p.MetricsMode, start), nil
	}

	rewards, err := n.scoreCompletions(ctx, p.Messages, successUIDs, completions, scores)
	if err != nil {
		n.recordRound(p.MetricsMode, false, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("forward: %w", err)
	}
	event.Rewards = rewards
	event.Completion = completions[reward.Pick(rewards)]
	event.Success = true
	event.Elapsed = time.Since(start)

	n.tracker.Record(event)
	if n.metrics != nil {
		n.metrics.SetHistorySize(n.tracker.HistoryLen())
	}
	n.sink.Log(event)
	n.recordRound(p.MetricsMode, true, start)

	if !n.cfg.NoRewardModel {
		if p.TrainGating {
			if err := n.gate.Update(ctx, successUIDs, scoresFor(scores, successUIDs), rewards); err != nil {
				slog.Warn("Gating update failed", "round_id", roundID, "error", err)
			}
		}
		if p.ApplyBackward {
			n.pool.Backward(snap, roundID, successful, rewards)
		}
	}

	span.SetAttributes(
		attribute.Int("queried", len(uids)),
		attribute.Int("successful", len(successful)),
	)
	slog.Info("Forward round complete",
		"round_id", roundID,
		"queried", len(uids),
		"successful", len(successful),
		"elapsed", event.Elapsed,
	)
	return event, nil
}

// scoreCompletions produces the per-completion reward vector, aligned
// to successUIDs.
func (n *Neuron) scoreCompletions(ctx context.Context, msgs []datatypes.Message, successUIDs []int, completions []string, gatingScores []float64) ([]float64, error) {
	if n.cfg.NoRewardModel {
		return scoresFor(gatingScores, successUIDs), nil
	}
	texts := make([]string, len(completions))
	for i, completion := range completions {
		texts[i] = datatypes.FlattenForReward(msgs, completion)
	}
	rewards, err := n.rewarder.Score(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("reward score: %w", err)
	}
	return rewards, nil
}

// finishFailed seals a round that produced nothing scoreable. Failed
// rounds are logged to the sink but never recorded in history.
func (n *Neuron) finishFailed(event *datatypes.ForwardEvent, mode observability.Mode, start time.Time) *datatypes.ForwardEvent {
	event.Success = false
	event.Elapsed = time.Since(start)
	n.sink.Log(event)
	n.recordRound(mode, false, start)
	return event
}

func (n *Neuron) recordRound(mode observability.Mode, success bool, start time.Time) {
	if n.metrics != nil {
		n.metrics.RecordRound(mode, success, time.Since(start).Seconds())
	}
}

// scoresFor plucks the gating scores of the given uids, zero when out
// of range.
func scoresFor(scores []float64, uids []int) []float64 {
	out := make([]float64, len(uids))
	for i, uid := range uids {
		if uid >= 0 && uid < len(scores) {
			out[i] = scores[uid]
		}
	}
	return out
}
