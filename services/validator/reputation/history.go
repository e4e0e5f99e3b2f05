// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reputation maintains the bounded forward-event history and the
// per-uid exponential moving average the weight computer condenses.
package reputation

import "github.com/promptmesh/validator/services/validator/datatypes"

// History is a fixed-capacity FIFO of forward events. Pushing onto a
// full history evicts the oldest entry. Not safe for concurrent use on
// its own; the Tracker serializes access.
type History struct {
	events   []*datatypes.ForwardEvent
	capacity int
	start    int
	size     int
}

// NewHistory creates a history holding at most capacity events.
// Capacity must be positive.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		events:   make([]*datatypes.ForwardEvent, capacity),
		capacity: capacity,
	}
}

// Push appends an event, evicting the oldest once full.
func (h *History) Push(event *datatypes.ForwardEvent) {
	idx := (h.start + h.size) % h.capacity
	h.events[idx] = event
	if h.size < h.capacity {
		h.size++
	} else {
		h.start = (h.start + 1) % h.capacity
	}
}

// Events returns the retained events in chronological order, oldest
// first. The slice is freshly allocated; the events themselves are
// shared and treated as immutable.
func (h *History) Events() []*datatypes.ForwardEvent {
	out := make([]*datatypes.ForwardEvent, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.events[(h.start+i)%h.capacity]
	}
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int {
	return h.size
}

// Cap returns the history capacity.
func (h *History) Cap() int {
	return h.capacity
}
