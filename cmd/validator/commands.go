// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// --- Global Command Variables ---
var (
	configPath          string
	netuid              int
	listenAddr          string
	logLevel            string
	dontTrain           bool
	noRewardModel       bool
	epochLengthOverride int64
	inferenceTopK       int
	trainingTopK        int

	rootCmd = &cobra.Command{
		Use:   "validator",
		Short: "A network validator for the PromptMesh text-prompting subnet",
		Long: `The validator queries serving peers with prompts, scores their
completions through gating and reward models, accumulates per-peer
reputation, and submits normalized weights to the chain each epoch.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the validator: inference API, training loop, and epoch scheduler",
		RunE:  runValidator,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the validator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to the config file (default ~/.promptmesh/validator.yaml)")
	runCmd.Flags().IntVar(&netuid, "netuid", -1, "subnet to validate (overrides config)")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "inference API listen address (overrides config)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (overrides config)")
	runCmd.Flags().BoolVar(&dontTrain, "dont-train", false, "disable the self-training loop")
	runCmd.Flags().BoolVar(&noRewardModel, "no-reward-model", false, "run degraded: gating scores substitute for rewards")
	runCmd.Flags().Int64Var(&epochLengthOverride, "epoch-length", -1, "override the chain's epoch length in blocks")
	runCmd.Flags().IntVar(&inferenceTopK, "inference-topk", 0, "peers to query per inference prompt (overrides config)")
	runCmd.Flags().IntVar(&trainingTopK, "training-topk", 0, "peers to sample per training round (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
