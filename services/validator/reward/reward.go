// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reward adapts the external reward model and selects each
// round's winning completion.
package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("promptmesh.validator.reward")

// Model scores formatted completion texts, one real value per input.
type Model interface {
	Score(ctx context.Context, texts []string) ([]float64, error)
}

// Remote is the HTTP implementation of Model.
type Remote struct {
	httpClient *http.Client
	baseURL    string
}

// NewRemote builds a client for the reward service at baseURL.
func NewRemote(baseURL string, timeout time.Duration) (*Remote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("reward base URL not set")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing reward client", "base_url", baseURL)
	return &Remote{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}, nil
}

type scoreRequest struct {
	Texts []string `json:"texts"`
}

type scoreResponse struct {
	Rewards []float64 `json:"rewards"`
}

// Score implements Model. One batched call scores all completions.
func (r *Remote) Score(ctx context.Context, texts []string) ([]float64, error) {
	ctx, span := tracer.Start(ctx, "Remote.Score")
	defer span.End()
	span.SetAttributes(attribute.Int("completions", len(texts)))

	body, err := json.Marshal(scoreRequest{Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/reward", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reward score failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("reward score failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode reward response: %w", err)
	}
	if len(decoded.Rewards) != len(texts) {
		return nil, fmt.Errorf("reward count mismatch: sent %d texts, got %d rewards", len(texts), len(decoded.Rewards))
	}
	return decoded.Rewards, nil
}

// Pick returns the index of the maximal reward, ties broken by first
// occurrence. Returns -1 for an empty vector.
func Pick(rewards []float64) int {
	if len(rewards) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(rewards); i++ {
		if rewards[i] > rewards[best] {
			best = i
		}
	}
	return best
}
