// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/neuron"
	"github.com/promptmesh/validator/services/validator/weights"
)

// HandleWeights previews the weight vector the validator would submit
// right now. The chain constraint step is skipped: this is the local,
// unconstrained view.
func HandleWeights(n *neuron.Neuron) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := n.Snapshot()
		if snap == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory not synced yet"})
			return
		}

		scores := n.Tracker().Scores()
		uids := make([]int, len(scores))
		for uid := range uids {
			uids[uid] = uid
		}

		c.JSON(http.StatusOK, datatypes.WeightsResponse{
			Block:   snap.Block,
			UIDs:    uids,
			Weights: weights.Preview(scores),
		})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// priorityHeader formats a priority for the response header; +Inf never
// reaches here because infinite priority implies blacklisted.
func priorityHeader(p float64) string {
	if math.IsInf(p, 1) {
		return "inf"
	}
	return fmt.Sprintf("%g", p)
}
