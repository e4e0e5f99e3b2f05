// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package neuron

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/observability"
	"github.com/promptmesh/validator/services/validator/selector"
)

// trainIdleSleep paces the loop when training is disabled or a step
// produced nothing to build on.
const trainIdleSleep = 5 * time.Second

// Train runs the self-training loop until ctx is cancelled.
//
// # Description
//
// Each step asks the network to generate a question, then asks the
// network to answer it. Both rounds sample peers randomly, train the
// gating model, and propagate rewards backward, so the validator keeps
// accumulating reputation signal even with no caller traffic. With
// dont_train set the loop just idles; the epoch scheduler still fires.
func (n *Neuron) Train(ctx context.Context) error {
	slog.Info("Training loop started", "dont_train", n.cfg.DontTrain)
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("Training loop stopped")
			return err
		}
		if n.cfg.DontTrain {
			sleep(ctx, trainIdleSleep)
			continue
		}
		if err := n.TrainStep(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("Training step failed", "error", err)
			sleep(ctx, trainIdleSleep)
		}
	}
}

// TrainStep runs one question round followed by one answer round.
//
// The directory snapshot is refreshed first so peers that registered or
// started serving since the last step become visible this round instead
// of next epoch. A failed refresh keeps the stale snapshot and the step
// proceeds.
func (n *Neuron) TrainStep(ctx context.Context) error {
	if err := n.Resync(ctx); err != nil {
		slog.Warn("Directory resync failed, continuing with the stale snapshot", "error", err)
	}

	questionEvent, err := n.Forward(ctx, ForwardParams{
		Messages: []datatypes.Message{
			{Role: datatypes.RoleSystem, Content: n.cfg.BasePrompt},
			{Role: datatypes.RoleUser, Content: n.cfg.QuestionPrompt},
		},
		K:             n.cfg.TrainingTopK,
		Timeout:       n.cfg.TrainingTimeout.Std(),
		Mode:          selector.ModeRandom,
		TrainGating:   true,
		ApplyBackward: true,
		MetricsMode:   observability.ModeTrainQuestion,
	})
	if err != nil {
		return err
	}

	question := strings.TrimSpace(questionEvent.Completion)
	if !questionEvent.Success || question == "" {
		slog.Debug("Question round produced no question, idling")
		sleep(ctx, trainIdleSleep)
		return nil
	}

	_, err = n.Forward(ctx, ForwardParams{
		Messages: []datatypes.Message{
			{Role: datatypes.RoleSystem, Content: n.cfg.BasePrompt},
			{Role: datatypes.RoleUser, Content: question},
		},
		K:             n.cfg.TrainingTopK,
		Timeout:       n.cfg.TrainingTimeout.Std(),
		Mode:          selector.ModeRandom,
		TrainGating:   true,
		ApplyBackward: true,
		MetricsMode:   observability.ModeTrainAnswer,
	})
	return err
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
