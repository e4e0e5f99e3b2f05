// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the validator service.
//
// # Authentication Flow
//
// Callers identify themselves with two headers:
//
//	Authorization: Bearer <token>   (only when a server token is configured)
//	X-Caller-Hotkey: <hotkey>       (optional network identity)
//
// The bearer check is a static shared secret. The hotkey is not proof
// of identity; it only feeds the synapse's priority and blacklist
// hooks, which treat unknown callers as zero-stake rather than
// rejecting them.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// callerHotkeyKey is the context key for the caller's claimed hotkey.
const callerHotkeyKey = "promptmesh_caller_hotkey"

// hotkeyHeader carries the caller's network identity.
const hotkeyHeader = "X-Caller-Hotkey"

// CallerHotkey returns the hotkey the caller claimed, or "" for
// anonymous callers.
func CallerHotkey(c *gin.Context) string {
	hotkey, ok := c.Get(callerHotkeyKey)
	if !ok {
		return ""
	}
	s, _ := hotkey.(string)
	return s
}

// =============================================================================
// Middleware
// =============================================================================

// CallerIdentity records the caller's claimed hotkey in the request
// context for the synapse hooks.
func CallerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(callerHotkeyKey, strings.TrimSpace(c.GetHeader(hotkeyHeader)))
		c.Next()
	}
}

// BearerAuth enforces a static bearer token. An empty configured token
// disables the check entirely, which is the open single-operator
// default.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
			return
		}
		c.Next()
	}
}
