// Command presencehubd is the hub's entrypoint: a cobra CLI the way the
// pack's docker-compose CLI structures its root command, wiring config,
// registry, router, scheduler, detector, and gateway into one process.
package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/driftline/presencehub"
	"github.com/driftline/presencehub/internal/config"
	"github.com/driftline/presencehub/internal/detector"
	"github.com/driftline/presencehub/internal/gateway"
	"github.com/driftline/presencehub/internal/history"
	"github.com/driftline/presencehub/internal/metrics"
	"github.com/driftline/presencehub/internal/registry"
	"github.com/driftline/presencehub/internal/router"
	"github.com/driftline/presencehub/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "presencehubd",
		Short: "presencehub real-time presence and telemetry fan-out hub",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the hub's websocket and REST gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(envFile)
		},
	}
	serve.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file to load before reading environment")

	root.AddCommand(serve)
	return root
}

func runServe(envFile string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg := registry.New(registry.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		MaxTotalConnections:   cfg.MaxTotalConnections,
	}, logger)

	writer := gateway.NewSocketWriter(reg)

	hist := history.NewRingBuffer(500)

	promReg := prometheus.NewRegistry()
	metricsC := metrics.New(promReg)

	rt := router.New(router.Config{
		DefaultHistoryLimit: cfg.DefaultHistoryLimit,
		MaxMessageSize:      cfg.MaxMessageSize,
	}, reg, hist, writer, logger)

	sched := scheduler.New(scheduler.Config{
		MaxQueueSize:           cfg.MaxQueueSize,
		BroadcastBatchSize:     cfg.BroadcastBatchSize,
		BroadcastFlushInterval: cfg.BroadcastFlushInterval,
	}, reg, writer, hist, metricsC, logger)

	det := detector.New(detector.Config{
		SampleInterval:  cfg.SampleInterval,
		CPUThreshold:    cfg.CPUThreshold,
		MemoryThreshold: cfg.MemoryThreshold,
	}, sched, systemStatusSampler(reg), requestStatsSampler(), []detector.HealthCheck{
		{Name: "cpu", Threshold: cfg.CPUThreshold, Sample: cpuSampler()},
		{Name: "memory", Threshold: cfg.MemoryThreshold, Sample: memorySampler()},
	}, logger)

	gw := gateway.New(gateway.Config{
		SupportedTypes:        presencehub.SupportedTypes,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatTimeoutMs:    cfg.HeartbeatTimeout.Milliseconds(),
		MaxReconnectAttempts:  5,
		BroadcastSharedSecret: cfg.BroadcastSharedSecret,
	}, reg, rt, sched, metricsC, promReg, logger)

	go det.Run()
	go gw.Run()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Routes(),
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("presencehubd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger)

	gw.Stop()
	det.Stop()
	sched.Stop()
	return srv.Close()
}

func waitForShutdown(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")
}

// systemStatusSampler reports the registry's live connection count alongside
// a synthesized online flag; cpu/memory/disk are left to the dedicated
// health checks below rather than duplicated here (§9 Open Question).
func systemStatusSampler(counter detector.ConnectionCounter) detector.StatusSampler {
	return func() (detector.StatusSample, bool) {
		return detector.StatusSample{
			ActiveConnections: counter.Count(),
			Online:            true,
		}, true
	}
}

// requestStatsSampler returns nil: no request-rate source is wired in this
// process, so the detector skips stats sampling and emits no stats_update.
func requestStatsSampler() detector.StatsSampler {
	return nil
}

// cpuSampler and memorySampler stand in for a real OS sampler (the pack
// carries no system-metrics library); they synthesize a slowly drifting
// value so the health state machine has something to classify.
func cpuSampler() func() (float64, bool) {
	value := 40.0
	return func() (float64, bool) {
		value += (rand.Float64() - 0.5) * 10
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		return value, true
	}
}

func memorySampler() func() (float64, bool) {
	value := 50.0
	return func() (float64, bool) {
		value += (rand.Float64() - 0.5) * 6
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		return value, true
	}
}
