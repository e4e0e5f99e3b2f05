// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the validator's HTTP API.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/middleware"
	"github.com/promptmesh/validator/services/validator/neuron"
)

var promptTracer = otel.Tracer("promptmesh.validator.handlers")

// HandlePrompt answers a caller's conversation with the network's best
// completion via the inference synapse.
func HandlePrompt(syn neuron.Synapse) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := promptTracer.Start(c.Request.Context(), "HandlePrompt")
		defer span.End()

		var req datatypes.PromptRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the prompt request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		caller := middleware.CallerHotkey(c)
		if syn.Blacklist(ctx, caller) {
			slog.Warn("Blacklisted caller refused", "hotkey", caller, "request_id", req.RequestID)
			c.JSON(http.StatusForbidden, gin.H{"error": "caller is blacklisted"})
			return
		}
		c.Header("X-Caller-Priority", priorityHeader(syn.Priority(ctx, caller)))

		event, err := syn.Forward(ctx, req.Messages)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Synapse forward failed", "request_id", req.RequestID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !event.Success {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":    "no peers produced a completion",
				"round_id": event.RoundID,
			})
			return
		}

		c.JSON(http.StatusOK, datatypes.PromptResponse{
			RequestID:  req.RequestID,
			RoundID:    event.RoundID,
			Completion: event.Completion,
		})
	}
}

// FeedbackRequest is the body of POST /v1/feedback.
type FeedbackRequest struct {
	RoundID string  `json:"round_id" binding:"required"`
	Reward  float64 `json:"reward"`
}

// HandleFeedback relays a caller's reward for an earlier round back to
// the peers that served it.
func HandleFeedback(syn neuron.Synapse) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := promptTracer.Start(c.Request.Context(), "HandleFeedback")
		defer span.End()

		var req FeedbackRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		caller := middleware.CallerHotkey(c)
		if syn.Blacklist(ctx, caller) {
			c.JSON(http.StatusForbidden, gin.H{"error": "caller is blacklisted"})
			return
		}

		if err := syn.Backward(ctx, req.RoundID, req.Reward); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"round_id": req.RoundID})
	}
}
