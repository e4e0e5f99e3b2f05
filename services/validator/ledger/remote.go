// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

var tracer = otel.Tracer("promptmesh.validator.ledger")

// RemoteClient implements Client against the chain gateway's HTTP API.
type RemoteClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ Client = (*RemoteClient)(nil)

// NewRemoteClient builds a gateway client for baseURL.
func NewRemoteClient(baseURL string, timeout time.Duration) (*RemoteClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ledger base URL not set")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing ledger client", "base_url", baseURL)
	return &RemoteClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}, nil
}

// =============================================================================
// Wire Types
// =============================================================================

type blockResponse struct {
	Block int64 `json:"block"`
}

type epochLengthResponse struct {
	EpochLength int64 `json:"epoch_length"`
}

type nominatorsResponse struct {
	Nominators map[string]float64 `json:"nominators"`
}

type weightsPayload struct {
	Netuid              int       `json:"netuid,omitempty"`
	UIDs                []int     `json:"uids"`
	Weights             []float64 `json:"weights"`
	WaitForFinalization bool      `json:"wait_for_finalization,omitempty"`
}

type constrainResponse struct {
	UIDs    []int     `json:"uids"`
	Weights []float64 `json:"weights"`
}

type submitResponse struct {
	Accepted bool `json:"accepted"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// CurrentBlock implements Client.
func (c *RemoteClient) CurrentBlock(ctx context.Context) (int64, error) {
	var resp blockResponse
	if err := c.get(ctx, "/v1/chain/block", nil, &resp); err != nil {
		return 0, fmt.Errorf("current block: %w", err)
	}
	return resp.Block, nil
}

// EpochLength implements Client.
func (c *RemoteClient) EpochLength(ctx context.Context, netuid int) (int64, error) {
	var resp epochLengthResponse
	query := url.Values{"netuid": {strconv.Itoa(netuid)}}
	if err := c.get(ctx, "/v1/chain/epoch_length", query, &resp); err != nil {
		return 0, fmt.Errorf("epoch length: %w", err)
	}
	return resp.EpochLength, nil
}

// Snapshot implements Client.
func (c *RemoteClient) Snapshot(ctx context.Context, netuid int) (*datatypes.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "RemoteClient.Snapshot")
	defer span.End()
	span.SetAttributes(attribute.Int("netuid", netuid))

	var snap datatypes.Snapshot
	query := url.Values{"netuid": {strconv.Itoa(netuid)}}
	if err := c.get(ctx, "/v1/metagraph", query, &snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("metagraph snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int("peers", snap.N()), attribute.Int64("block", snap.Block))
	return &snap, nil
}

// Nominators implements Client.
func (c *RemoteClient) Nominators(ctx context.Context, hotkey string) (map[string]float64, error) {
	var resp nominatorsResponse
	query := url.Values{"hotkey": {hotkey}}
	if err := c.get(ctx, "/v1/nominators", query, &resp); err != nil {
		return nil, fmt.Errorf("nominators: %w", err)
	}
	return resp.Nominators, nil
}

// ConstrainWeights implements Client.
func (c *RemoteClient) ConstrainWeights(ctx context.Context, uids []int, weights []float64, netuid int) ([]int, []float64, error) {
	var resp constrainResponse
	payload := weightsPayload{Netuid: netuid, UIDs: uids, Weights: weights}
	if err := c.post(ctx, "/v1/weights/constrain", payload, &resp); err != nil {
		return nil, nil, fmt.Errorf("constrain weights: %w", err)
	}
	if len(resp.UIDs) != len(resp.Weights) {
		return nil, nil, fmt.Errorf("constrain weights: gateway returned %d uids but %d weights",
			len(resp.UIDs), len(resp.Weights))
	}
	return resp.UIDs, resp.Weights, nil
}

// SubmitWeights implements Client.
func (c *RemoteClient) SubmitWeights(ctx context.Context, uids []int, weights []float64, waitForFinalization bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "RemoteClient.SubmitWeights")
	defer span.End()
	span.SetAttributes(
		attribute.Int("uids", len(uids)),
		attribute.Bool("wait_for_finalization", waitForFinalization),
	)

	var resp submitResponse
	payload := weightsPayload{UIDs: uids, Weights: weights, WaitForFinalization: waitForFinalization}
	if err := c.post(ctx, "/v1/weights/submit", payload, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("submit weights: %w", err)
	}
	return resp.Accepted, nil
}

// =============================================================================
// HTTP Plumbing
// =============================================================================

func (c *RemoteClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RemoteClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RemoteClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
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
