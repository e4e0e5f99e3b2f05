// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the validator's YAML configuration.
//
// The config lives at ~/.promptmesh/validator.yaml and is created with
// defaults on first run. Load() reads it once into the Global singleton;
// LoadFrom() reads an explicit path (tests, --config flag).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const defaultBasePrompt = `You are designed to assist with a wide range of tasks, from answering simple questions to providing in-depth explanations and discussions on a wide range of topics.`

const defaultQuestionPrompt = `Ask me a random question about anything. Make the question very domain specific. Do not include the answer in the question.`

// configValidate is the shared validator instance for config structs.
var configValidate = validator.New()

// Duration is a time.Duration that round-trips through YAML as a
// human-readable string ("3s", "500ms"). Plain integers are accepted
// as nanoseconds for backward compatibility.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

type Config struct {
	// Netuid identifies the subnetwork this validator scores.
	Netuid int `yaml:"netuid" validate:"gte=0"`

	// Neuron holds the forward/train loop knobs.
	Neuron NeuronConfig `yaml:"neuron"`

	// Gating points at the external gating-model service.
	Gating EndpointConfig `yaml:"gating" validate:"required"`

	// Reward points at the external reward-model service.
	// Ignored when Neuron.NoRewardModel is set.
	Reward EndpointConfig `yaml:"reward"`

	// Ledger points at the chain gateway.
	Ledger EndpointConfig `yaml:"ledger" validate:"required"`

	// Server configures the inference HTTP API.
	Server ServerConfig `yaml:"server"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry configures trace export.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NeuronConfig mirrors the validator's operational knobs.
type NeuronConfig struct {
	// Name groups log and event files for this validator instance.
	Name string `yaml:"name"`

	// Hotkey is this validator's own identity on the network, used for
	// the synapse blacklist/priority hooks.
	Hotkey string `yaml:"hotkey"`

	// BasePrompt is injected as the system message before every query.
	BasePrompt string `yaml:"base_prompt"`

	// QuestionPrompt asks the network to generate training questions.
	QuestionPrompt string `yaml:"question_prompt"`

	// InferenceTopK is how many peers the synapse queries per prompt.
	InferenceTopK int `yaml:"inference_topk" validate:"gt=0"`

	// TrainingTopK is how many peers each training round samples.
	TrainingTopK int `yaml:"training_topk" validate:"gt=0"`

	// InferenceTimeout bounds each per-peer call from the synapse.
	InferenceTimeout Duration `yaml:"inference_timeout" validate:"gt=0"`

	// TrainingTimeout bounds each per-peer call from the train loop.
	TrainingTimeout Duration `yaml:"training_timeout" validate:"gt=0"`

	// MaxHistory caps the forward-event ring buffer.
	MaxHistory int `yaml:"max_history" validate:"gt=0"`

	// Alpha is the reputation EMA smoothing rate.
	Alpha float64 `yaml:"alpha" validate:"gt=0,lt=1"`

	// EpochLengthOverride replaces the chain's epoch length when >= 0.
	EpochLengthOverride int64 `yaml:"epoch_length_override"`

	// DontTrain idles the query loop; epochs still fire.
	DontTrain bool `yaml:"dont_train"`

	// NoRewardModel substitutes gating scores for rewards (degraded mode).
	NoRewardModel bool `yaml:"no_reward_model"`

	// DontLogEvents disables the events file sink.
	DontLogEvents bool `yaml:"dont_log_events"`

	// EventsDir is where the events sink writes, when enabled.
	EventsDir string `yaml:"events_dir"`

	// PeerAuthToken is sent as the bearer token on peer completions.
	PeerAuthToken string `yaml:"peer_auth_token"`
}

// EndpointConfig describes one HTTP collaborator.
type EndpointConfig struct {
	URL     string   `yaml:"url" validate:"omitempty,url"`
	Timeout Duration `yaml:"timeout"`
}

type ServerConfig struct {
	// Addr is the listen address for the inference API.
	Addr string `yaml:"addr"`

	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string `yaml:"auth_token"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables JSON file logging when set.
	Dir string `yaml:"dir"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC endpoint of an OTLP collector.
	// Empty disables trace export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns the configuration written on first run.
// Defaults mirror the network's reference validator settings.
func DefaultConfig() Config {
	return Config{
		Netuid: 1,
		Neuron: NeuronConfig{
			Name:             "core_prompting_validator",
			BasePrompt:       defaultBasePrompt,
			QuestionPrompt:   defaultQuestionPrompt,
			InferenceTopK:    10,
			TrainingTopK:     10,
			InferenceTimeout: Duration(3 * time.Second),
			TrainingTimeout:  Duration(3 * time.Second),
			MaxHistory:       1000,
			Alpha:            0.01,

			EpochLengthOverride: -1,
			EventsDir:           "~/.promptmesh/events",
		},
		Gating: EndpointConfig{URL: "http://localhost:8091", Timeout: Duration(10 * time.Second)},
		Reward: EndpointConfig{URL: "http://localhost:8092", Timeout: Duration(30 * time.Second)},
		Ledger: EndpointConfig{URL: "http://localhost:9944", Timeout: Duration(30 * time.Second)},
		Server: ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.promptmesh/logs",
		},
	}
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Neuron.NoRewardModel && c.Reward.URL == "" {
		return fmt.Errorf("invalid config: reward.url is required unless neuron.no_reward_model is set")
	}
	return nil
}
