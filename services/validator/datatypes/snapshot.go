// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "fmt"

// AxonInfo is a peer's serving endpoint.
type AxonInfo struct {
	// URL is the peer's OpenAI-compatible base URL.
	URL string `json:"url"`

	// Model is the model name the peer serves under.
	Model string `json:"model"`
}

// Snapshot is an immutable per-round view of the peer directory.
//
// The directory itself is owned by the ledger gateway; each round takes a
// value snapshot so reputation resets on hotkey rotation are a pure
// comparison between two snapshots. All slices are parallel, indexed by
// uid, and must not be mutated after construction.
type Snapshot struct {
	// Block is the chain height when the snapshot was taken.
	Block int64 `json:"block"`

	// UIDs are the directory's peer slots, ascending.
	UIDs []int `json:"uids"`

	// Hotkeys[i] is the rotatable identity currently at UIDs[i].
	Hotkeys []string `json:"hotkeys"`

	// Serving[i] reports whether UIDs[i] currently accepts queries.
	Serving []bool `json:"serving"`

	// Stake[i] is the stake backing UIDs[i].
	Stake []float64 `json:"stake"`

	// Axons[i] is the serving endpoint of UIDs[i].
	Axons []AxonInfo `json:"axons"`
}

// N returns the directory size.
func (s *Snapshot) N() int {
	return len(s.UIDs)
}

// Available returns the uids currently serving, in ascending uid order.
func (s *Snapshot) Available() []int {
	available := make([]int, 0, len(s.UIDs))
	for i, uid := range s.UIDs {
		if i < len(s.Serving) && s.Serving[i] {
			available = append(available, uid)
		}
	}
	return available
}

// Hotkey returns the hotkey at uid, or "" when out of range.
func (s *Snapshot) Hotkey(uid int) string {
	if uid < 0 || uid >= len(s.Hotkeys) {
		return ""
	}
	return s.Hotkeys[uid]
}

// Axon returns the serving endpoint at uid.
func (s *Snapshot) Axon(uid int) (AxonInfo, error) {
	if uid < 0 || uid >= len(s.Axons) {
		return AxonInfo{}, fmt.Errorf("uid %d out of range (n=%d)", uid, len(s.Axons))
	}
	return s.Axons[uid], nil
}

// CloneHotkeys returns a defensive copy of the hotkey column for event
// records that outlive the snapshot.
func (s *Snapshot) CloneHotkeys() []string {
	out := make([]string, len(s.Hotkeys))
	copy(out, s.Hotkeys)
	return out
}
