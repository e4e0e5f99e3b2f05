// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Default Config Tests
// =============================================================================

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Netuid)
	assert.Equal(t, 10, cfg.Neuron.InferenceTopK)
	assert.Equal(t, 1000, cfg.Neuron.MaxHistory)
	assert.InDelta(t, 0.01, cfg.Neuron.Alpha, 1e-12)
	assert.Equal(t, int64(-1), cfg.Neuron.EpochLengthOverride)
	assert.Equal(t, 3*time.Second, cfg.Neuron.TrainingTimeout.Std())
}

func TestDefaultConfig_YAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, cfg.Neuron.InferenceTimeout, decoded.Neuron.InferenceTimeout)
	assert.Equal(t, cfg.Neuron.BasePrompt, decoded.Neuron.BasePrompt)
}

// =============================================================================
// LoadFrom Tests
// =============================================================================

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "validator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFrom_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
netuid: 21
neuron:
  training_topk: 25
  training_timeout: 12s
  no_reward_model: true
gating:
  url: http://gating:8091
ledger:
  url: http://chain:9944
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 21, cfg.Netuid)
	assert.Equal(t, 25, cfg.Neuron.TrainingTopK)
	assert.Equal(t, 12*time.Second, cfg.Neuron.TrainingTimeout.Std())
	assert.True(t, cfg.Neuron.NoRewardModel)
	// Unset fields keep defaults.
	assert.Equal(t, 10, cfg.Neuron.InferenceTopK)
	assert.Equal(t, "http://gating:8091", cfg.Gating.URL)
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFrom_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
neuron:
  inference_timeout: "not-a-duration"
`)
	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestLoadFrom_RewardRequiredUnlessDegraded(t *testing.T) {
	path := writeConfig(t, `
reward:
  url: ""
`)
	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reward.url")

	path = writeConfig(t, `
reward:
  url: ""
neuron:
  no_reward_model: true
`)
	_, err = LoadFrom(path)
	assert.NoError(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative netuid", func(c *Config) { c.Netuid = -1 }},
		{"zero topk", func(c *Config) { c.Neuron.InferenceTopK = 0 }},
		{"alpha out of range", func(c *Config) { c.Neuron.Alpha = 1.5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad url", func(c *Config) { c.Ledger.URL = "not a url" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// =============================================================================
// createDefault Tests
// =============================================================================

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "validator.yaml")
	require.NoError(t, createDefault(path))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Neuron.MaxHistory, cfg.Neuron.MaxHistory)
}
