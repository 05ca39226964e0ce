package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/john/multichat/internal/config"
	"github.com/john/multichat/internal/gateway"
	"github.com/john/multichat/internal/kick"
	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/mock"
	"github.com/john/multichat/internal/orchestrator"
	"github.com/john/multichat/internal/retry"
	"github.com/john/multichat/internal/server"
	"github.com/john/multichat/internal/telemetry"
	"github.com/john/multichat/internal/twitch"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	// Get config path from environment variable or use default
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", slog.String("path", configPath), slog.Any("err", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("multichat starting", slog.String("version", version), slog.String("config", configPath))

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.Tracing.Endpoint, "multichat", version)
	if err != nil {
		logger.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	platforms := make(map[message.Platform]orchestrator.Platform)
	services := make(map[message.Platform]bool)
	if cfg.Twitch.Enabled {
		p := orchestrator.Platform{
			Factory: twitch.NewFactory(twitch.Credentials{Username: cfg.Twitch.Username, OAuth: cfg.Twitch.OAuth}, logger),
		}
		if cfg.Twitch.BadgesEnabled() {
			p.Badges = twitch.NewHelixClient(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, "", "")
		} else {
			logger.Info("twitch badges disabled: no helix client credentials")
		}
		platforms[message.Twitch] = p
		services[message.Twitch] = true
	}
	if cfg.Kick.Enabled {
		kickCfg := kick.Config{
			APIBaseURL: cfg.Kick.APIBaseURL,
			PusherURL:  cfg.Kick.PusherURL,
			Chatrooms:  cfg.Kick.Chatrooms,
		}
		platforms[message.Kick] = orchestrator.Platform{
			Factory: kick.NewFactory(kickCfg, logger),
			Badges:  kick.NewClient(cfg.Kick.APIBaseURL),
		}
		services[message.Kick] = true
		if len(cfg.Kick.Chatrooms) > 0 {
			logger.Info("kick chatrooms preconfigured", slog.Int("count", len(cfg.Kick.Chatrooms)))
		}
	}

	hub := gateway.New(gateway.Options{AllowedOrigins: cfg.Server.CORSOrigins, Logger: logger})
	sup := retry.NewSupervisor(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, retry.WithLogger(logger))
	orch := orchestrator.New(orchestrator.Config{
		Platforms:      platforms,
		Supervisor:     sup,
		Emitter:        hub,
		ConnectTimeout: cfg.ConnectTimeout,
		Scope:          orchestrator.Scope(cfg.Delivery),
		Logger:         logger,
	})
	hub.SetDispatcher(orch)

	gen := mock.New(hub, mock.Config{Interval: cfg.Mock.Interval, ChatWeight: cfg.Mock.ChatWeight}, logger)

	srv := server.New(server.Options{
		Addr:        cfg.Server.Addr,
		AdminToken:  cfg.Server.AdminToken,
		CORSOrigins: cfg.Server.CORSOrigins,
		Version:     version,
		Services:    services,
	}, hub, orch, gen, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Error("http server error", slog.Any("err", err))
			stop()
		}
	}()

	logger.Info("all components started",
		slog.String("addr", cfg.Server.Addr),
		slog.String("delivery", cfg.Delivery),
		slog.Any("cors_origins", cfg.Server.CORSOrigins))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", slog.Any("err", err))
	}
	gen.Stop()
	hub.Close()
	orch.Shutdown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	lvl := slog.LevelInfo
	switch c.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
