// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatch fans one round's query out to a set of peers.
//
// Each queried uid gets its own goroutine and its own timeout; the round
// settles once every call has resolved. One peer's failure never cancels
// a sibling, and the pool itself never returns an error: transport
// failures, timeouts, and empty completions all fold into a Result the
// caller filters out.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/promptmesh/validator/services/validator/datatypes"
)

var tracer = otel.Tracer("promptmesh.validator.dispatch")

// Result is one peer's outcome for a round, aligned to the queried uids.
type Result struct {
	// UID is the queried peer slot.
	UID int

	// Completion is the peer's answer; empty on failure.
	Completion string

	// Err is the folded failure cause, kept for logs only.
	Err error

	// Elapsed is the call's wall-clock duration.
	Elapsed time.Duration
}

// OK reports whether this result carries a usable completion.
func (r Result) OK() bool {
	return r.Err == nil && r.Completion != ""
}

// Pool dispatches rounds to peers, caching one client per axon.
//
// Safe for concurrent use; the client cache is mutex guarded.
type Pool struct {
	factory ClientFactory

	mu      sync.RWMutex
	clients map[int]cachedClient
}

type cachedClient struct {
	url    string
	client PeerClient
}

// NewPool creates a dispatch pool using factory to build peer clients.
func NewPool(factory ClientFactory) *Pool {
	return &Pool{
		factory: factory,
		clients: make(map[int]cachedClient),
	}
}

// client returns the cached client for uid, rebuilding it when the
// peer's axon URL changed since the last round.
func (p *Pool) client(uid int, axon datatypes.AxonInfo) PeerClient {
	p.mu.RLock()
	cached, ok := p.clients[uid]
	p.mu.RUnlock()
	if ok && cached.url == axon.URL {
		return cached.client
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[uid]; ok && cached.url == axon.URL {
		return cached.client
	}
	client := p.factory(axon)
	p.clients[uid] = cachedClient{url: axon.URL, client: client}
	return client
}

// Dispatch queries every uid concurrently, each call bounded by timeout.
//
// The returned slice is aligned to the input uid order. Dispatch blocks
// until all calls settle; it never returns early and never errors.
func (p *Pool) Dispatch(ctx context.Context, snap *datatypes.Snapshot, uids []int, msgs []datatypes.Message, timeout time.Duration) []Result {
	ctx, span := tracer.Start(ctx, "Pool.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("peers", len(uids)),
		attribute.Float64("timeout_seconds", timeout.Seconds()),
	)

	results := make([]Result, len(uids))
	var wg sync.WaitGroup
	for i, uid := range uids {
		wg.Add(1)
		go func(i, uid int) {
			defer wg.Done()
			results[i] = p.call(ctx, snap, uid, msgs, timeout)
		}(i, uid)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	span.SetAttributes(attribute.Int("successful", ok))
	slog.Debug("dispatch settled", "queried", len(uids), "successful", ok)
	return results
}

// call runs one bounded peer query. Panics in a peer client are folded
// into a failed Result so a misbehaving client cannot kill the round.
func (p *Pool) call(ctx context.Context, snap *datatypes.Snapshot, uid int, msgs []datatypes.Message, timeout time.Duration) (result Result) {
	result = Result{UID: uid}
	start := time.Now()
	defer func() {
		result.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			result.Completion = ""
			result.Err = &panicError{value: r}
			slog.Error("peer call panicked", "uid", uid, "panic", r)
		}
	}()

	axon, err := snap.Axon(uid)
	if err != nil {
		result.Err = err
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	completion, err := p.client(uid, axon).Complete(callCtx, msgs)
	if err != nil {
		slog.Debug("peer call failed", "uid", uid, "error", err)
		result.Err = err
		return result
	}
	result.Completion = completion
	return result
}

// Backward sends rewards back to the peers that produced them.
//
// Fire and forget: each post runs in its own goroutine with its own
// timeout, and failures are only logged. results and rewards are index
// aligned (the round's successful subset).
func (p *Pool) Backward(snap *datatypes.Snapshot, roundID string, results []Result, rewards []float64) {
	for i, r := range results {
		if i >= len(rewards) {
			return
		}
		axon, err := snap.Axon(r.UID)
		if err != nil {
			continue
		}
		client := p.client(r.UID, axon)
		reward := rewards[i]
		uid := r.UID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), backwardTimeout)
			defer cancel()
			if err := client.Reward(ctx, roundID, reward); err != nil {
				slog.Debug("backward post failed", "uid", uid, "error", err)
			}
		}()
	}
}

// panicError wraps a recovered panic value as an error.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return "peer client panic"
}
