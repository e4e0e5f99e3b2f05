// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"

	"github.com/google/uuid"
)

// PromptRequest is the body of POST /v1/prompt.
type PromptRequest struct {
	// RequestID is a caller-supplied UUID for tracing and audit logs.
	// Generated server side when absent.
	RequestID string `json:"request_id"`

	// Messages is the conversation to complete, 1-100 messages.
	Messages []Message `json:"messages"`
}

// Validate checks the request and fills a missing RequestID.
func (r *PromptRequest) Validate() error {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	} else if _, err := uuid.Parse(r.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	return ValidateMessages(r.Messages)
}

// PromptResponse is the body returned by POST /v1/prompt.
type PromptResponse struct {
	RequestID  string `json:"request_id"`
	RoundID    string `json:"round_id"`
	Completion string `json:"completion"`
}

// WeightsResponse previews the current normalized weight vector.
type WeightsResponse struct {
	Block   int64     `json:"block"`
	UIDs    []int     `json:"uids"`
	Weights []float64 `json:"weights"`
}
