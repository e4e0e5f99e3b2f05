// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared across the validator.
//
// This file contains conversation messages and the prompt-flattening
// helpers used by the gating and reward scoring paths.
package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes caps one message's content to bound memory
	// on the inference API surface.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest caps the conversation length per request.
	MaxMessagesPerRequest = 100
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// msgValidate is the validator instance for message datatypes.
var msgValidate *validator.Validate

func init() {
	msgValidate = validator.New()
	_ = msgValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so oversized
// payloads cannot slip past a rune-based limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Message
// =============================================================================

// Message is one conversation turn sent to peers.
type Message struct {
	// Role is one of "system", "user", "assistant".
	Role string `json:"role" validate:"required,oneof=system user assistant"`

	// Content is the message text, limited to 32KB.
	Content string `json:"content" validate:"required,maxbytes"`
}

// Validate checks role and content constraints.
func (m Message) Validate() error {
	if err := msgValidate.Struct(m); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}

// ValidateMessages checks a whole conversation, including the count cap.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("no messages provided")
	}
	if len(msgs) > MaxMessagesPerRequest {
		return fmt.Errorf("too many messages: %d > %d", len(msgs), MaxMessagesPerRequest)
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// =============================================================================
// Prompt Flattening
// =============================================================================

// FlattenForGating joins the non-system message contents, trimmed, with
// blank lines between turns. This is the prompt text the gating model
// scores peers against.
func FlattenForGating(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n\n")
	}
	return b.String()
}

// FlattenForReward appends a trimmed completion to the gating flattening,
// producing the text the reward model rates.
func FlattenForReward(msgs []Message, completion string) string {
	return FlattenForGating(msgs) + strings.TrimSpace(completion)
}
