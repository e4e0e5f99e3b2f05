// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptmesh/validator/services/validator/handlers"
	"github.com/promptmesh/validator/services/validator/middleware"
	"github.com/promptmesh/validator/services/validator/neuron"
)

// SetupRoutes wires the validator's HTTP surface onto the router.
func SetupRoutes(router *gin.Engine, n *neuron.Neuron, syn neuron.Synapse, authToken string) {
	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.BearerAuth(authToken), middleware.CallerIdentity())
	{
		v1.POST("/prompt", handlers.HandlePrompt(syn))
		v1.POST("/feedback", handlers.HandleFeedback(syn))
		v1.GET("/weights", handlers.HandleWeights(n))
	}
}
