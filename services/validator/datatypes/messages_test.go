// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Message Validation Tests
// =============================================================================

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid user", Message{Role: RoleUser, Content: "what time is it?"}, false},
		{"valid system", Message{Role: RoleSystem, Content: "You are a chat bot"}, false},
		{"valid assistant", Message{Role: RoleAssistant, Content: "10:35"}, false},
		{"bad role", Message{Role: "tool", Content: "x"}, true},
		{"empty role", Message{Content: "x"}, true},
		{"empty content", Message{Role: RoleUser}, true},
		{"oversized content", Message{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes+1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMessages(t *testing.T) {
	valid := Message{Role: RoleUser, Content: "hi"}

	assert.Error(t, ValidateMessages(nil), "empty conversation rejected")

	many := make([]Message, MaxMessagesPerRequest+1)
	for i := range many {
		many[i] = valid
	}
	assert.Error(t, ValidateMessages(many), "over-long conversation rejected")

	require.NoError(t, ValidateMessages([]Message{valid}))
}

// =============================================================================
// Flattening Tests
// =============================================================================

func TestFlattenForGating_SkipsSystemAndTrims(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You are a chat bot"},
		{Role: RoleUser, Content: "  what time is it?  "},
		{Role: RoleAssistant, Content: "10:35\n"},
	}
	got := FlattenForGating(msgs)
	assert.Equal(t, "what time is it?\n\n10:35\n\n", got)
	assert.NotContains(t, got, "chat bot")
}

func TestFlattenForGating_Empty(t *testing.T) {
	assert.Equal(t, "", FlattenForGating(nil))
	assert.Equal(t, "", FlattenForGating([]Message{{Role: RoleSystem, Content: "sys"}}))
}

func TestFlattenForReward_AppendsCompletion(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "question"},
	}
	got := FlattenForReward(msgs, "  the answer  ")
	assert.Equal(t, "question\n\nthe answer", got)
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestSnapshot_Available(t *testing.T) {
	snap := Snapshot{
		UIDs:    []int{0, 1, 2},
		Serving: []bool{true, false, true},
		Hotkeys: []string{"hk0", "hk1", "hk2"},
	}
	assert.Equal(t, []int{0, 2}, snap.Available())
	assert.Equal(t, 3, snap.N())
}

func TestSnapshot_Available_NoneServing(t *testing.T) {
	snap := Snapshot{UIDs: []int{0, 1}, Serving: []bool{false, false}}
	assert.Empty(t, snap.Available())
}

func TestSnapshot_Hotkey_OutOfRange(t *testing.T) {
	snap := Snapshot{Hotkeys: []string{"hk0"}}
	assert.Equal(t, "hk0", snap.Hotkey(0))
	assert.Equal(t, "", snap.Hotkey(5))
	assert.Equal(t, "", snap.Hotkey(-1))
}

func TestSnapshot_CloneHotkeys_Defensive(t *testing.T) {
	snap := Snapshot{Hotkeys: []string{"a", "b"}}
	clone := snap.CloneHotkeys()
	clone[0] = "mutated"
	assert.Equal(t, "a", snap.Hotkeys[0])
}

// =============================================================================
// API Request Tests
// =============================================================================

func TestPromptRequest_Validate_GeneratesRequestID(t *testing.T) {
	req := PromptRequest{Messages: []Message{{Role: RoleUser, Content: "q"}}}
	require.NoError(t, req.Validate())
	assert.NotEmpty(t, req.RequestID)
}

func TestPromptRequest_Validate_RejectsBadID(t *testing.T) {
	req := PromptRequest{
		RequestID: "not-a-uuid",
		Messages:  []Message{{Role: RoleUser, Content: "q"}},
	}
	assert.Error(t, req.Validate())
}
