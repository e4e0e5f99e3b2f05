// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSynapse scripts the synapse behavior for handler tests.
type fakeSynapse struct {
	blacklisted map[string]bool
	priorities  map[string]float64
	event       *datatypes.ForwardEvent
	forwardErr  error
	backwardErr error

	lastMessages []datatypes.Message
	lastFeedback struct {
		roundID string
		reward  float64
	}
}

func (f *fakeSynapse) Priority(ctx context.Context, hotkey string) float64 {
	return f.priorities[hotkey]
}

func (f *fakeSynapse) Blacklist(ctx context.Context, hotkey string) bool {
	return f.blacklisted[hotkey]
}

func (f *fakeSynapse) Forward(ctx context.Context, msgs []datatypes.Message) (*datatypes.ForwardEvent, error) {
	f.lastMessages = msgs
	return f.event, f.forwardErr
}

func (f *fakeSynapse) Backward(ctx context.Context, roundID string, reward float64) error {
	f.lastFeedback.roundID = roundID
	f.lastFeedback.reward = reward
	return f.backwardErr
}

func promptRouter(syn *fakeSynapse) *gin.Engine {
	router := gin.New()
	router.Use(middleware.CallerIdentity())
	router.POST("/v1/prompt", HandlePrompt(syn))
	router.POST("/v1/feedback", HandleFeedback(syn))
	return router
}

func postJSON(router *gin.Engine, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// HandlePrompt Tests
// ============================================================================

func TestHandlePrompt_Success(t *testing.T) {
	syn := &fakeSynapse{
		event: &datatypes.ForwardEvent{
			RoundID:    "round-1",
			Success:    true,
			Completion: "Paris",
		},
	}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{
		Messages: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: "capital of France?"},
		},
	}, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp datatypes.PromptResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "round-1", resp.RoundID)
	assert.Equal(t, "Paris", resp.Completion)
	assert.NotEmpty(t, resp.RequestID, "missing request id is generated")
	require.Len(t, syn.lastMessages, 1)
}

func TestHandlePrompt_InvalidBody(t *testing.T) {
	router := promptRouter(&fakeSynapse{})

	req := httptest.NewRequest(http.MethodPost, "/v1/prompt", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePrompt_NoMessages(t *testing.T) {
	router := promptRouter(&fakeSynapse{})

	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePrompt_BlacklistedCaller(t *testing.T) {
	syn := &fakeSynapse{blacklisted: map[string]bool{"bad-caller": true}}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	}, map[string]string{"X-Caller-Hotkey": "bad-caller"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Nil(t, syn.lastMessages, "blacklisted callers never reach the forward pass")
}

func TestHandlePrompt_PriorityHeader(t *testing.T) {
	syn := &fakeSynapse{
		priorities: map[string]float64{"nominator": 12.5},
		event:      &datatypes.ForwardEvent{RoundID: "r", Success: true, Completion: "x"},
	}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	}, map[string]string{"X-Caller-Hotkey": "nominator"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12.5", w.Header().Get("X-Caller-Priority"))
}

func TestHandlePrompt_ForwardError(t *testing.T) {
	syn := &fakeSynapse{forwardErr: errors.New("gating service down")}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	}, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandlePrompt_FailedRound(t *testing.T) {
	syn := &fakeSynapse{
		event: &datatypes.ForwardEvent{RoundID: "round-2", Success: false},
	}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "round-2")
}

func TestHandlePrompt_RejectsOversizedMessage(t *testing.T) {
	router := promptRouter(&fakeSynapse{})

	big := make([]byte, datatypes.MaxMessageContentBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	w := postJSON(router, "/v1/prompt", datatypes.PromptRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: string(big)}},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// HandleFeedback Tests
// ============================================================================

func TestHandleFeedback_Relays(t *testing.T) {
	syn := &fakeSynapse{}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/feedback", FeedbackRequest{RoundID: "round-9", Reward: 0.8}, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "round-9", syn.lastFeedback.roundID)
	assert.Equal(t, 0.8, syn.lastFeedback.reward)
}

func TestHandleFeedback_UnknownRound(t *testing.T) {
	syn := &fakeSynapse{backwardErr: fmt.Errorf("unknown round")}
	router := promptRouter(syn)

	w := postJSON(router, "/v1/feedback", FeedbackRequest{RoundID: "gone", Reward: 1}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleFeedback_MissingRoundID(t *testing.T) {
	router := promptRouter(&fakeSynapse{})

	w := postJSON(router, "/v1/feedback", map[string]any{"reward": 1.0}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
