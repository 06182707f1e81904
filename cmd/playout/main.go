// Command playout runs one channel's playout session: it consumes the
// execution plan pushed by the planner and serves a continuous MPEG
// transport stream over HTTP. The outer supervisor spawns one process per
// channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slbailey/retrovue-playout/internal/clock"
	"github.com/slbailey/retrovue-playout/internal/config"
	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/playout/session"
)

func main() {
	opts, overrides, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(opts.configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger and set level from config.
	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	sess := session.New(cfg, clock.NewSystem())
	if err := sess.Start(); err != nil {
		log.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	log.Info("playout started", "channel_id", cfg.ChannelID, "addr", cfg.ListenAddr, "version", version)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-sess.Fatal():
		// Fatal protocol violation: terminate once safe; the supervisor
		// restarts the channel.
		log.Error("session fatal", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		if err := sess.Stop(); err != nil {
			log.Error("session stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("session stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
