// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

// PeerClient completes conversations against one peer's endpoint.
type PeerClient interface {
	// Complete runs one chat completion. The context carries the
	// per-call timeout.
	Complete(ctx context.Context, msgs []datatypes.Message) (string, error)

	// Reward sends this round's reward back to the peer, best effort.
	Reward(ctx context.Context, roundID string, reward float64) error
}

// ClientFactory builds a PeerClient for an axon. Swapped for a stub in
// tests.
type ClientFactory func(axon datatypes.AxonInfo) PeerClient

// OpenAIPeer talks to a peer serving an OpenAI-compatible chat endpoint.
type OpenAIPeer struct {
	client     *openai.Client
	httpClient *http.Client
	axon       datatypes.AxonInfo
}

// NewOpenAIPeer builds a client for one axon. authToken may be empty for
// open peers.
func NewOpenAIPeer(axon datatypes.AxonInfo, authToken string) *OpenAIPeer {
	cfg := openai.DefaultConfig(authToken)
	cfg.BaseURL = strings.TrimSuffix(axon.URL, "/") + "/v1"
	return &OpenAIPeer{
		client:     openai.NewClientWithConfig(cfg),
		httpClient: &http.Client{},
		axon:       axon,
	}
}

// NewFactory returns a ClientFactory producing OpenAIPeer clients.
func NewFactory(authToken string) ClientFactory {
	return func(axon datatypes.AxonInfo) PeerClient {
		return NewOpenAIPeer(axon, authToken)
	}
}

// Complete implements PeerClient.
func (p *OpenAIPeer) Complete(ctx context.Context, msgs []datatypes.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.axon.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("peer completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("peer returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// feedbackRequest is the wire form of a reward notification.
type feedbackRequest struct {
	RoundID string  `json:"round_id"`
	Reward  float64 `json:"reward"`
}

// Reward implements PeerClient. Peers expose POST {axon}/v1/feedback;
// errors are returned for logging only and never fail a round.
func (p *OpenAIPeer) Reward(ctx context.Context, roundID string, reward float64) error {
	body, err := json.Marshal(feedbackRequest{RoundID: roundID, Reward: reward})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(p.axon.URL, "/") + "/v1/feedback"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("feedback post failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feedback rejected: status %d", resp.StatusCode)
	}
	return nil
}

// backwardTimeout bounds each fire-and-forget feedback post.
const backwardTimeout = 5 * time.Second
