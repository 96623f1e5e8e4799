package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/glomer/internal/config"
	"github.com/ryandielhenn/glomer/internal/telemetry"
	"github.com/ryandielhenn/glomer/pkg/gossip"
	"github.com/ryandielhenn/glomer/pkg/kv"
	"github.com/ryandielhenn/glomer/pkg/node"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load settings; identity and peers come later from init
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}

	// 2. Logger on stderr, stdout belongs to the protocol
	log, err := newLogger(cfg)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	mode, _ := gossip.ParseMode(cfg.Topology)
	n := node.New(log, node.Options{
		Workload:     cfg.Workload,
		StoreAddr:    cfg.StoreAddr,
		CounterKey:   cfg.CounterKey,
		Mode:         mode,
		RingFanout:   cfg.RingFanout,
		ResendOnRead: cfg.ResendOnRead,
	})

	// 3. Optional in-process store backend
	rcfg := node.RuntimeConfig{
		ResendInterval:  cfg.ResendInterval,
		RefreshInterval: cfg.RefreshInterval,
	}
	svc, err := kv.Open(cfg.StoreOptions())
	if err != nil {
		log.Error("open store backend", zap.String("backend", cfg.Backend), zap.Error(err))
		return 1
	}
	if svc != nil {
		bridge := kv.NewBridge(svc, cfg.StoreTimeout)
		defer bridge.Close()
		rcfg.Bridge = bridge
		log.Info("serving store in-process", zap.String("backend", cfg.Backend), zap.String("addr", cfg.StoreAddr))
	}

	// 4. Metrics and status endpoints
	if cfg.MetricsAddr != "" {
		srv := telemetry.NewServer(cfg.MetricsAddr, func() any { return n.Status() })
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	// 5. Serve stdin/stdout until input ends or the node faults
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := node.NewRuntime(log, n, rcfg)
	if err := rt.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("node stopped", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
