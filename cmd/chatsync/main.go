package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/murmurapp/chatsync/internal/chat"
	"github.com/murmurapp/chatsync/internal/config"
	"github.com/murmurapp/chatsync/internal/logging"
	"github.com/murmurapp/chatsync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerHost),
		slog.String("user", cfg.UserID),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if err := appState.SetToken(cfg.AuthToken); err != nil {
		logger.Warn("failed to cache token", slog.String("error", err.Error()))
	}

	history := chat.NewHistoryClient(cfg.APIBaseURL, cfg.AuthToken, nil)

	channel := chat.NewChannel(chat.ChannelConfig{
		Host:        cfg.ServerHost,
		Token:       cfg.AuthToken,
		UserID:      cfg.UserID,
		Device:      cfg.DeviceName,
		MaxAttempts: cfg.MaxReconnectAttempts,
	}, logger)
	defer channel.Close()

	ledger := chat.NewMessageLedger(cfg.UserID)

	coordinator := chat.NewSyncCoordinator(ledger, history, channel, appState, chat.CoordinatorConfig{
		UserID:          cfg.UserID,
		PageSize:        cfg.PageSize,
		SendTimeout:     cfg.SendTimeout,
		ReconcileWindow: cfg.ReconcileWindow,
		MaxContentLen:   cfg.MaxContentLen,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return channel.Run(gctx)
	})

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	return g.Wait()
}
