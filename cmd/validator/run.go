// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/promptmesh/validator/pkg/logging"
	"github.com/promptmesh/validator/services/validator/config"
	"github.com/promptmesh/validator/services/validator/dispatch"
	"github.com/promptmesh/validator/services/validator/events"
	"github.com/promptmesh/validator/services/validator/gating"
	"github.com/promptmesh/validator/services/validator/ledger"
	"github.com/promptmesh/validator/services/validator/neuron"
	"github.com/promptmesh/validator/services/validator/observability"
	"github.com/promptmesh/validator/services/validator/reputation"
	"github.com/promptmesh/validator/services/validator/reward"
	"github.com/promptmesh/validator/services/validator/routes"
	"github.com/promptmesh/validator/services/validator/selector"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("promptmesh-validator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFrom(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		if err := config.Load(); err != nil {
			return nil, err
		}
		cfg = &config.Global
	}

	if netuid >= 0 {
		cfg.Netuid = netuid
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if dontTrain {
		cfg.Neuron.DontTrain = true
	}
	if noRewardModel {
		cfg.Neuron.NoRewardModel = true
	}
	if epochLengthOverride >= 0 {
		cfg.Neuron.EpochLengthOverride = epochLengthOverride
	}
	if inferenceTopK > 0 {
		cfg.Neuron.InferenceTopK = inferenceTopK
	}
	if trainingTopK > 0 {
		cfg.Neuron.TrainingTopK = trainingTopK
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runValidator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Neuron.Name,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	metrics := observability.InitMetrics()

	if cfg.Telemetry.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("setup the OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	gate, err := gating.NewRemote(cfg.Gating.URL, cfg.Gating.Timeout.Std())
	if err != nil {
		return fmt.Errorf("gating client: %w", err)
	}
	var rewarder reward.Model
	if !cfg.Neuron.NoRewardModel {
		rewarder, err = reward.NewRemote(cfg.Reward.URL, cfg.Reward.Timeout.Std())
		if err != nil {
			return fmt.Errorf("reward client: %w", err)
		}
	} else {
		slog.Warn("Running without a reward model, gating scores substitute for rewards")
	}
	chain, err := ledger.NewRemoteClient(cfg.Ledger.URL, cfg.Ledger.Timeout.Std())
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	var sink events.Sink = events.NopSink{}
	if !cfg.Neuron.DontLogEvents && cfg.Neuron.EventsDir != "" {
		fileSink, err := events.NewFileSink(cfg.Neuron.EventsDir)
		if err != nil {
			return fmt.Errorf("events sink: %w", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}

	n, err := neuron.New(neuron.Deps{
		Config:   cfg.Neuron,
		Netuid:   cfg.Netuid,
		Gating:   gate,
		Reward:   rewarder,
		Chain:    chain,
		Pool:     dispatch.NewPool(dispatch.NewFactory(cfg.Neuron.PeerAuthToken)),
		Selector: selector.New(time.Now().UnixNano()),
		Tracker:  reputation.NewTracker(cfg.Neuron.MaxHistory, 0, cfg.Neuron.Alpha),
		Sink:     sink,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Resync(ctx); err != nil {
		return fmt.Errorf("initial resync: %w", err)
	}

	syn := neuron.NewInferenceSynapse(n)
	scheduler := neuron.NewEpochScheduler(n, 0)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("promptmesh-validator"))
	routes.SetupRoutes(router, n, syn, cfg.Server.AuthToken)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}

	slog.Info("Validator starting",
		"netuid", cfg.Netuid,
		"addr", cfg.Server.Addr,
		"dont_train", cfg.Neuron.DontTrain,
		"no_reward_model", cfg.Neuron.NoRewardModel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("inference API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := n.Train(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Validator stopped")
	return nil
}
