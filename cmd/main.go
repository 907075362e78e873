// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/examples/simple"
	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/server/tcp"
	"github.com/absmach/mcoap/pkg/server/udp"
	"github.com/absmach/mcoap/pkg/server/websocket"
	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MCOAP_"

func main() {
	if err := mcoap.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := mcoap.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	clk := clockwork.NewRealClock()
	h := simple.New(logger)
	mux := server.NewMux(cfg.QueueSize)
	eng := engine.New(cfg.Engine(logger, nil), h, mux)
	board := simple.NewBoard()
	if err := simple.Register(eng.Resources(), board, clk); err != nil {
		logger.Error("failed to register resources", slog.String("error", err.Error()))
		os.Exit(1)
	}
	loop := server.NewLoop(server.Config{Clock: clk, QueueSize: cfg.QueueSize, Logger: logger}, eng, mux)

	g.Go(func() error {
		return loop.Run(ctx)
	})
	g.Go(func() error {
		return notify(ctx, loop, board, clk, logger)
	})

	startListeners(ctx, g, cfg, loop, logger)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mCoAP service terminated with error: %s", err))
	} else {
		logger.Info("mCoAP service stopped")
	}
}

func startListeners(ctx context.Context, g *errgroup.Group, cfg mcoap.Config, loop *server.Loop, logger *slog.Logger) {
	if cfg.UDPAddress != "" {
		srv := udp.New(udp.Config{Address: cfg.UDPAddress, Logger: logger}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	if cfg.TCPAddress != "" {
		srv := tcp.New(tcp.Config{
			Address:         cfg.TCPAddress,
			MaxMessageSize:  cfg.MaxMessageSize,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	switch {
	case cfg.TLSAddress == "":
	case cfg.TLSConfig == nil:
		logger.Warn("TLS listener not started", slog.String("error", "no certificate configured"))
	default:
		srv := tcp.New(tcp.Config{
			Address:         cfg.TLSAddress,
			TLSConfig:       cfg.TLSConfig,
			MaxMessageSize:  cfg.MaxMessageSize,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	if cfg.WSAddress != "" {
		srv := websocket.New(websocket.Config{
			Address:         cfg.WSAddress,
			Path:            cfg.WSPath,
			TLSConfig:       cfg.TLSConfig,
			MaxMessageSize:  cfg.MaxMessageSize,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}, loop)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
}

// notify pushes /time every second and /board on change.
func notify(ctx context.Context, loop *server.Loop, board *simple.Board, clk clockwork.Clock, logger *slog.Logger) error {
	ticker := clk.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var path string
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			path = simple.TimePath
		case <-board.Changed:
			path = simple.BoardPath
		}
		var notifyErr error
		err := loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
			notifyErr = e.Notify(path, now)
		})
		if err != nil {
			return nil
		}
		if notifyErr != nil {
			logger.Warn("failed to notify observers",
				slog.String("path", path),
				slog.String("error", notifyErr.Error()))
		}
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
