// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gating adapts the external trainable peer-selection model.
//
// The model's internals (architecture, training math) live behind a
// service boundary; this package only defines the call contract the
// validator consumes: score a prompt over the whole directory, and push
// a training update for the uids actually queried.
package gating

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

var tracer = otel.Tracer("promptmesh.validator.gating")

// Model is the gating-model call contract.
type Model interface {
	// Score rates every directory uid against the prompt text.
	// The returned vector is indexed by uid over the whole directory.
	Score(ctx context.Context, prompt string) ([]float64, error)

	// Update trains the model to predict reward from prompt text for
	// the uids actually queried. Fire and forget: the validator
	// observes no result beyond the error.
	Update(ctx context.Context, uids []int, scores, rewards []float64) error
}

// Remote is the HTTP implementation of Model.
type Remote struct {
	httpClient *http.Client
	baseURL    string
}

// NewRemote builds a client for the gating service at baseURL.
func NewRemote(baseURL string, timeout time.Duration) (*Remote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gating base URL not set")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing gating client", "base_url", baseURL)
	return &Remote{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}, nil
}

type scoreRequest struct {
	Prompt string `json:"prompt"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

type updateRequest struct {
	UIDs    []int     `json:"uids"`
	Scores  []float64 `json:"scores"`
	Rewards []float64 `json:"rewards"`
}

// Score implements Model.
func (r *Remote) Score(ctx context.Context, prompt string) ([]float64, error) {
	ctx, span := tracer.Start(ctx, "Remote.Score")
	defer span.End()
	span.SetAttributes(attribute.Int("prompt_bytes", len(prompt)))

	var resp scoreResponse
	if err := r.post(ctx, "/v1/score", scoreRequest{Prompt: prompt}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("gating score failed: %w", err)
	}
	span.SetAttributes(attribute.Int("scores", len(resp.Scores)))
	return resp.Scores, nil
}

// Update implements Model.
func (r *Remote) Update(ctx context.Context, uids []int, scores, rewards []float64) error {
	ctx, span := tracer.Start(ctx, "Remote.Update")
	defer span.End()
	span.SetAttributes(attribute.Int("uids", len(uids)))

	if len(uids) != len(scores) || len(uids) != len(rewards) {
		return fmt.Errorf("gating update: mismatched lengths uids=%d scores=%d rewards=%d",
			len(uids), len(scores), len(rewards))
	}
	if err := r.post(ctx, "/v1/update", updateRequest{UIDs: uids, Scores: scores, Rewards: rewards}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("gating update failed: %w", err)
	}
	return nil
}

func (r *Remote) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
