// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready mCoAP deployment example
// with metrics, health checks, rate limiting and log rotation.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/examples/simple"
	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/server/tcp"
	"github.com/absmach/mcoap/pkg/server/udp"
	"github.com/absmach/mcoap/pkg/server/websocket"
	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "MCOAP_"

// Config holds the production-only settings. Protocol and listener settings
// come from mcoap.Config under the same prefix.
type Config struct {
	// Observability
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`

	// Log rotation. Logs go to stdout only when LogFile is empty.
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB"  envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS"  envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`

	// Resource Limits
	MaxGoroutines int `env:"MAX_GOROUTINES" envDefault:"50000"`
	MaxSessions   int `env:"MAX_SESSIONS"   envDefault:"10000"`

	// Rate Limiting
	RateLimitCapacity  int64         `env:"RATE_LIMIT_CAPACITY"  envDefault:"100"`
	RateLimitRefill    float64       `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	RateLimitClients   int           `env:"RATE_LIMIT_CLIENTS"   envDefault:"10000"`
	RateLimitIdle      time.Duration `env:"RATE_LIMIT_IDLE"      envDefault:"5m"`
	GlobalRateCapacity int64         `env:"GLOBAL_RATE_CAPACITY" envDefault:"10000"`
	GlobalRateRefill   float64       `env:"GLOBAL_RATE_REFILL"   envDefault:"1000"`
}

func main() {
	// .env file is optional
	_ = mcoap.LoadEnv()

	opts := env.Options{Prefix: envPrefix}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	coapCfg, err := mcoap.NewConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		defer rotator.Close()
		out = io.MultiWriter(os.Stdout, rotator)
	}
	logger := coapCfg.Logger(out)
	logger.Info("Starting mCoAP in production mode",
		slog.Int("max_sessions", cfg.MaxSessions),
		slog.Int("max_goroutines", cfg.MaxGoroutines))

	clk := clockwork.NewRealClock()
	m := metrics.New("mcoap", nil)

	// Create rate limiters
	perClientLimiter := ratelimit.NewLimiter(clk, ratelimit.Config{
		Capacity:    cfg.RateLimitCapacity,
		Rate:        cfg.RateLimitRefill,
		MaxPeers:    cfg.RateLimitClients,
		IdleTimeout: cfg.RateLimitIdle,
	})
	defer perClientLimiter.Close()
	globalLimiter := ratelimit.NewBucket(clk, cfg.GlobalRateCapacity, cfg.GlobalRateRefill)

	h := &RateLimitedHandler{
		Handler:          simple.New(logger),
		perClientLimiter: perClientLimiter,
		globalLimiter:    globalLimiter,
		metrics:          m,
		logger:           logger,
	}

	mux := server.NewMux(coapCfg.QueueSize)
	eng := engine.New(coapCfg.Engine(logger, m), h, mux)
	board := simple.NewBoard()
	if err := simple.Register(eng.Resources(), board, clk); err != nil {
		logger.Error("Failed to register resources", slog.String("error", err.Error()))
		os.Exit(1)
	}
	loop := server.NewLoop(server.Config{Clock: clk, QueueSize: coapCfg.QueueSize, Logger: logger}, eng, mux)

	// Create health checker
	healthChecker := health.NewChecker(clk, 10*time.Second)
	healthChecker.RegisterCritical("engine_loop", health.LoopCheck(loop))
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	healthChecker.Register("sessions", func(ctx context.Context) error {
		var count int
		if err := loop.Do(ctx, func(e *engine.Engine, _ clock.Tick) {
			count = len(e.Sessions())
		}); err != nil {
			return err
		}
		if count > cfg.MaxSessions {
			return fmt.Errorf("too many sessions: %d > %d", count, cfg.MaxSessions)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(ctx)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux(), logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, healthMux(healthChecker), logger)
	})
	g.Go(func() error {
		return notifyBoard(ctx, loop, board)
	})

	if coapCfg.UDPAddress != "" {
		srv := udp.New(udp.Config{Address: coapCfg.UDPAddress, Logger: logger, Metrics: m}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	if coapCfg.TCPAddress != "" {
		srv := tcp.New(tcp.Config{
			Address:         coapCfg.TCPAddress,
			MaxMessageSize:  coapCfg.MaxMessageSize,
			ShutdownTimeout: coapCfg.ShutdownTimeout,
			Logger:          logger,
			Metrics:         m,
		}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	if coapCfg.TLSAddress != "" && coapCfg.TLSConfig != nil {
		srv := tcp.New(tcp.Config{
			Address:         coapCfg.TLSAddress,
			TLSConfig:       coapCfg.TLSConfig,
			MaxMessageSize:  coapCfg.MaxMessageSize,
			ShutdownTimeout: coapCfg.ShutdownTimeout,
			Logger:          logger,
			Metrics:         m,
		}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	if coapCfg.WSAddress != "" {
		srv := websocket.New(websocket.Config{
			Address:         coapCfg.WSAddress,
			Path:            coapCfg.WSPath,
			TLSConfig:       coapCfg.TLSConfig,
			MaxMessageSize:  coapCfg.MaxMessageSize,
			ShutdownTimeout: coapCfg.ShutdownTimeout,
			Logger:          logger,
			Metrics:         m,
		}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Cancel context to stop all servers
	cancel()

	// Wait for all goroutines with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), coapCfg.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

func notifyBoard(ctx context.Context, loop *server.Loop, board *simple.Board) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-board.Changed:
		}
		if err := loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
			_ = e.Notify(simple.BoardPath, now)
		}); err != nil {
			return nil
		}
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthMux(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return mux
}

// serveHTTP runs an observability server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting "+name+" server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}
