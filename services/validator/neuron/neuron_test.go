// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package neuron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmesh/validator/services/validator/config"
	"github.com/promptmesh/validator/services/validator/datatypes"
	"github.com/promptmesh/validator/services/validator/dispatch"
	"github.com/promptmesh/validator/services/validator/reputation"
	"github.com/promptmesh/validator/services/validator/selector"
)

// ============================================================================
// Fakes
// ============================================================================

type updateCall struct {
	uids    []int
	scores  []float64
	rewards []float64
}

type fakeGate struct {
	mu       sync.Mutex
	scores   []float64
	scoreErr error
	updates  []updateCall
}

func (g *fakeGate) Score(ctx context.Context, prompt string) ([]float64, error) {
	if g.scoreErr != nil {
		return nil, g.scoreErr
	}
	out := make([]float64, len(g.scores))
	copy(out, g.scores)
	return out, nil
}

func (g *fakeGate) Update(ctx context.Context, uids []int, scores, rewards []float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, updateCall{uids: uids, scores: scores, rewards: rewards})
	return nil
}

func (g *fakeGate) updateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.updates)
}

type fakeRewarder struct {
	rewards []float64
	err     error
	mu      sync.Mutex
	texts   [][]string
}

func (r *fakeRewarder) Score(ctx context.Context, texts []string) ([]float64, error) {
	r.mu.Lock()
	r.texts = append(r.texts, texts)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.rewards != nil {
		return r.rewards[:len(texts)], nil
	}
	out := make([]float64, len(texts))
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out, nil
}

type fakeChain struct {
	mu          sync.Mutex
	block       int64
	epochLength int64
	snap        *datatypes.Snapshot
	snapErr     error
	nominators  map[string]float64

	accepted    bool
	submitErr   error
	submissions [][]float64
}

func (f *fakeChain) CurrentBlock(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *fakeChain) EpochLength(ctx context.Context, netuid int) (int64, error) {
	return f.epochLength, nil
}

func (f *fakeChain) Snapshot(ctx context.Context, netuid int) (*datatypes.Snapshot, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.snap, nil
}

func (f *fakeChain) Nominators(ctx context.Context, hotkey string) (map[string]float64, error) {
	if f.nominators == nil {
		return nil, errors.New("nominator service down")
	}
	return f.nominators, nil
}

func (f *fakeChain) ConstrainWeights(ctx context.Context, uids []int, weights []float64, netuid int) ([]int, []float64, error) {
	return uids, weights, nil
}

func (f *fakeChain) SubmitWeights(ctx context.Context, uids []int, weights []float64, wait bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, weights)
	return f.accepted, f.submitErr
}

func (f *fakeChain) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeChain) setBlock(b int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = b
}

// peerStub serves completions keyed by axon URL and records feedback.
type peerStub struct {
	url string
	hub *peerHub
}

type peerHub struct {
	mu          sync.Mutex
	completions map[string]string
	failing     map[string]bool
	msgs        [][]datatypes.Message
	feedback    map[string][]float64
}

func newPeerHub() *peerHub {
	return &peerHub{
		completions: make(map[string]string),
		failing:     make(map[string]bool),
		feedback:    make(map[string][]float64),
	}
}

func (h *peerHub) factory(axon datatypes.AxonInfo) dispatch.PeerClient {
	return &peerStub{url: axon.URL, hub: h}
}

func (p *peerStub) Complete(ctx context.Context, msgs []datatypes.Message) (string, error) {
	p.hub.mu.Lock()
	p.hub.msgs = append(p.hub.msgs, msgs)
	failing := p.hub.failing[p.url]
	completion := p.hub.completions[p.url]
	p.hub.mu.Unlock()
	if failing {
		return "", errors.New("peer unreachable")
	}
	return completion, nil
}

func (p *peerStub) Reward(ctx context.Context, roundID string, reward float64) error {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	p.hub.feedback[p.url] = append(p.hub.feedback[p.url], reward)
	return nil
}

func (h *peerHub) feedbackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.feedback {
		n += len(f)
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	events []*datatypes.ForwardEvent
}

func (s *recordingSink) Log(event *datatypes.ForwardEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) last() *datatypes.ForwardEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

// ============================================================================
// Fixture
// ============================================================================

func snapshotOf(n int, serving []bool) *datatypes.Snapshot {
	snap := &datatypes.Snapshot{Block: 100}
	for i := 0; i < n; i++ {
		snap.UIDs = append(snap.UIDs, i)
		snap.Hotkeys = append(snap.Hotkeys, fmt.Sprintf("hk%d", i))
		isServing := true
		if serving != nil {
			isServing = serving[i]
		}
		snap.Serving = append(snap.Serving, isServing)
		snap.Stake = append(snap.Stake, float64(i))
		snap.Axons = append(snap.Axons, datatypes.AxonInfo{URL: fmt.Sprintf("http://peer%d", i), Model: "m"})
	}
	return snap
}

type fixture struct {
	neuron *Neuron
	gate   *fakeGate
	reward *fakeRewarder
	chain  *fakeChain
	hub    *peerHub
	sink   *recordingSink
}

func newFixture(t *testing.T, peers int, mutate func(*Deps)) *fixture {
	t.Helper()

	gate := &fakeGate{scores: make([]float64, peers)}
	for i := range gate.scores {
		gate.scores[i] = float64(i) / 10
	}
	rewarder := &fakeRewarder{}
	chain := &fakeChain{
		block:       100,
		epochLength: 10,
		snap:        snapshotOf(peers, nil),
		accepted:    true,
	}
	hub := newPeerHub()
	for i := 0; i < peers; i++ {
		hub.completions[fmt.Sprintf("http://peer%d", i)] = fmt.Sprintf("answer %d", i)
	}
	sink := &recordingSink{}

	cfg := config.DefaultConfig().Neuron
	cfg.Hotkey = "self-hotkey"
	cfg.InferenceTimeout = config.Duration(time.Second)
	cfg.TrainingTimeout = config.Duration(time.Second)

	deps := Deps{
		Config:   cfg,
		Netuid:   1,
		Gating:   gate,
		Reward:   rewarder,
		Chain:    chain,
		Pool:     dispatch.NewPool(hub.factory),
		Selector: selector.New(1),
		Tracker:  reputation.NewTracker(100, peers, reputation.DefaultAlpha),
		Sink:     sink,
	}
	if mutate != nil {
		mutate(&deps)
	}

	n, err := New(deps)
	require.NoError(t, err)
	require.NoError(t, n.Resync(context.Background()))

	return &fixture{neuron: n, gate: gate, reward: rewarder, chain: chain, hub: hub, sink: sink}
}

func inferenceParams(k int) ForwardParams {
	return ForwardParams{
		Messages: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: "what is the capital of France?"},
		},
		K:       k,
		Timeout: time.Second,
		Mode:    selector.ModeRandom,
	}
}

// ============================================================================
// Constructor Tests
// ============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestNew_RewardOptionalOnlyInDegradedMode(t *testing.T) {
	gate := &fakeGate{}
	chain := &fakeChain{}
	deps := Deps{
		Config:   config.DefaultConfig().Neuron,
		Gating:   gate,
		Chain:    chain,
		Pool:     dispatch.NewPool(newPeerHub().factory),
		Selector: selector.New(1),
		Tracker:  reputation.NewTracker(10, 1, 0.01),
	}

	_, err := New(deps)
	assert.Error(t, err, "missing reward model must fail outside degraded mode")

	deps.Config.NoRewardModel = true
	_, err = New(deps)
	assert.NoError(t, err)
}

// ============================================================================
// Forward Tests
// ============================================================================

func TestForward_HappyPath(t *testing.T) {
	f := newFixture(t, 4, nil)

	event, err := f.neuron.Forward(context.Background(), inferenceParams(3))
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.True(t, event.Success)
	assert.NotEmpty(t, event.RoundID)
	assert.Equal(t, int64(100), event.Block)
	assert.Len(t, event.QueriedUIDs, 3)
	assert.Len(t, event.SuccessfulUIDs, 3)
	assert.Len(t, event.Completions, 3)
	assert.Len(t, event.Rewards, 3)
	assert.Subset(t, event.QueriedUIDs, event.SuccessfulUIDs)

	// Stub rewards ascend by index, so the last completion wins.
	assert.Equal(t, event.Completions[2], event.Completion)

	assert.Equal(t, 1, f.neuron.Tracker().HistoryLen())
	require.NotNil(t, f.sink.last())
	assert.Equal(t, event.RoundID, f.sink.last().RoundID)
}

func TestForward_NoSnapshot(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.neuron.mu.Lock()
	f.neuron.snap = nil
	f.neuron.mu.Unlock()

	_, err := f.neuron.Forward(context.Background(), inferenceParams(1))
	assert.Error(t, err)
}

func TestForward_NoPeersAvailable(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.chain.snap = snapshotOf(3, []bool{false, false, false})
	require.NoError(t, f.neuron.Resync(context.Background()))

	event, err := f.neuron.Forward(context.Background(), inferenceParams(2))
	require.NoError(t, err, "an empty network is not an error")
	require.NotNil(t, event)
	assert.False(t, event.Success)
	assert.Empty(t, event.QueriedUIDs)
	assert.Equal(t, 0, f.neuron.Tracker().HistoryLen(), "failed rounds must not enter history")
	assert.NotNil(t, f.sink.last(), "failed rounds are still logged")
}

func TestForward_AllPeersFail(t *testing.T) {
	f := newFixture(t, 3, nil)
	for i := 0; i < 3; i++ {
		f.hub.failing[fmt.Sprintf("http://peer%d", i)] = true
	}

	event, err := f.neuron.Forward(context.Background(), inferenceParams(3))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.False(t, event.Success)
	assert.Len(t, event.QueriedUIDs, 3)
	assert.Empty(t, event.SuccessfulUIDs)
	assert.Equal(t, 0, f.neuron.Tracker().HistoryLen())
}

func TestForward_PartialFailure(t *testing.T) {
	f := newFixture(t, 4, nil)
	f.hub.failing["http://peer1"] = true

	event, err := f.neuron.Forward(context.Background(), inferenceParams(-1))
	require.NoError(t, err)
	assert.True(t, event.Success)
	assert.Len(t, event.QueriedUIDs, 4)
	assert.Len(t, event.SuccessfulUIDs, 3)
	assert.NotContains(t, event.SuccessfulUIDs, 1)
	assert.Len(t, event.Rewards, len(event.SuccessfulUIDs))
}

func TestForward_GatingErrorPropagates(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.gate.scoreErr = errors.New("gating service down")

	_, err := f.neuron.Forward(context.Background(), inferenceParams(1))
	assert.ErrorContains(t, err, "gating service down")
	assert.Equal(t, 0, f.neuron.Tracker().HistoryLen())
}

func TestForward_RewardErrorPropagates(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.reward.err = errors.New("reward service down")

	_, err := f.neuron.Forward(context.Background(), inferenceParams(2))
	assert.ErrorContains(t, err, "reward service down")
	assert.Equal(t, 0, f.neuron.Tracker().HistoryLen())
}

func TestForward_TrainGatingAndBackward(t *testing.T) {
	f := newFixture(t, 3, nil)

	params := inferenceParams(3)
	params.TrainGating = true
	params.ApplyBackward = true

	event, err := f.neuron.Forward(context.Background(), params)
	require.NoError(t, err)
	require.True(t, event.Success)

	require.Equal(t, 1, f.gate.updateCount())
	update := f.gate.updates[0]
	assert.Equal(t, event.SuccessfulUIDs, update.uids)
	assert.Len(t, update.scores, len(event.SuccessfulUIDs))
	assert.Equal(t, event.Rewards, update.rewards)

	// Backward posts are fire-and-forget goroutines.
	assert.Eventually(t, func() bool {
		return f.hub.feedbackCount() == len(event.SuccessfulUIDs)
	}, time.Second, 10*time.Millisecond)
}

func TestForward_DegradedMode(t *testing.T) {
	f := newFixture(t, 3, func(d *Deps) {
		d.Config.NoRewardModel = true
		d.Reward = nil
	})

	params := inferenceParams(3)
	params.TrainGating = true
	params.ApplyBackward = true

	event, err := f.neuron.Forward(context.Background(), params)
	require.NoError(t, err)
	require.True(t, event.Success)

	// Gating scores of the successful peers substitute for rewards.
	require.Len(t, event.Rewards, len(event.SuccessfulUIDs))
	for i, uid := range event.SuccessfulUIDs {
		assert.Equal(t, f.gate.scores[uid], event.Rewards[i])
	}

	assert.Equal(t, 0, f.gate.updateCount(), "degraded mode skips the gating update")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.hub.feedbackCount(), "degraded mode skips the backward pass")

	assert.Equal(t, 1, f.neuron.Tracker().HistoryLen(), "degraded rounds still accumulate reputation")
}

// ============================================================================
// Resync Tests
// ============================================================================

func TestResync_GrowsTracker(t *testing.T) {
	f := newFixture(t, 2, nil)
	assert.Equal(t, 2, f.neuron.Tracker().N())

	f.chain.snap = snapshotOf(5, nil)
	require.NoError(t, f.neuron.Resync(context.Background()))

	assert.Equal(t, 5, f.neuron.Tracker().N())
	assert.Equal(t, 5, f.neuron.Snapshot().N())
}

func TestResync_Error(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.chain.snapErr = errors.New("gateway down")

	err := f.neuron.Resync(context.Background())
	assert.ErrorContains(t, err, "gateway down")
	assert.NotNil(t, f.neuron.Snapshot(), "a failed resync keeps the old snapshot")
}

// ============================================================================
// Train Tests
// ============================================================================

func TestTrainStep_QuestionThenAnswer(t *testing.T) {
	f := newFixture(t, 3, nil)
	for i := 0; i < 3; i++ {
		f.hub.completions[fmt.Sprintf("http://peer%d", i)] = "What is the boiling point of water?"
	}

	require.NoError(t, f.neuron.TrainStep(context.Background()))

	assert.Equal(t, 2, f.neuron.Tracker().HistoryLen(), "question and answer rounds both record")

	// Both rounds open with the system base prompt; the question round
	// carries the question prompt and the answer round the generated
	// question.
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	var sawQuestionRound, sawAnswerRound bool
	for _, msgs := range f.hub.msgs {
		require.Len(t, msgs, 2)
		assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
		assert.Equal(t, f.neuron.cfg.BasePrompt, msgs[0].Content)
		switch {
		case msgs[1].Content == f.neuron.cfg.QuestionPrompt:
			sawQuestionRound = true
		case strings.Contains(msgs[1].Content, "boiling point"):
			sawAnswerRound = true
		}
	}
	assert.True(t, sawQuestionRound, "the question round must include the system base prompt")
	assert.True(t, sawAnswerRound)
}

func TestTrainStep_ResyncsDirectory(t *testing.T) {
	f := newFixture(t, 2, nil)
	require.Equal(t, 2, f.neuron.Snapshot().N())

	// Three peers register between steps.
	f.chain.snap = snapshotOf(5, nil)
	for i := 2; i < 5; i++ {
		f.hub.completions[fmt.Sprintf("http://peer%d", i)] = "What is the boiling point of water?"
	}

	require.NoError(t, f.neuron.TrainStep(context.Background()))

	assert.Equal(t, 5, f.neuron.Snapshot().N(), "new peers become visible within the step")
	assert.Equal(t, 5, f.neuron.Tracker().N())
}

func TestTrainStep_ResyncFailureKeepsStaleSnapshot(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.chain.snapErr = errors.New("gateway down")

	require.NoError(t, f.neuron.TrainStep(context.Background()))

	assert.Equal(t, 2, f.neuron.Snapshot().N())
	assert.Equal(t, 2, f.neuron.Tracker().HistoryLen(), "the step still runs on the stale snapshot")
}

func TestTrainStep_NoQuestionProduced(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.hub.failing["http://peer0"] = true
	f.hub.failing["http://peer1"] = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the idle sleep

	require.NoError(t, f.neuron.TrainStep(ctx))
	assert.Equal(t, 0, f.neuron.Tracker().HistoryLen())
}

func TestTrain_StopsOnCancel(t *testing.T) {
	f := newFixture(t, 2, func(d *Deps) {
		d.Config.DontTrain = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.neuron.Train(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("train loop did not stop on cancel")
	}
}

// ============================================================================
// Texts sent to the reward model
// ============================================================================

func TestForward_RewardTextsIncludePromptAndCompletion(t *testing.T) {
	f := newFixture(t, 2, nil)

	_, err := f.neuron.Forward(context.Background(), inferenceParams(2))
	require.NoError(t, err)

	f.reward.mu.Lock()
	defer f.reward.mu.Unlock()
	require.Len(t, f.reward.texts, 1)
	for _, text := range f.reward.texts[0] {
		assert.Contains(t, text, "capital of France")
		assert.True(t, strings.Contains(text, "answer 0") || strings.Contains(text, "answer 1"))
	}
}
