package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-engine-bridge/internal/boardlink"
	"github.com/park285/cheese-engine-bridge/internal/bridgebuilder"
	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	appcfg "github.com/park285/cheese-engine-bridge/internal/config"
	"github.com/park285/cheese-engine-bridge/internal/obslog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Play on a remote board reached over HTTP and websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		return runServe(cmd.Context(), sessionID)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("session", "", "Session id shared with the board (random when empty)")
}

func runServe(ctx context.Context, sessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := appcfg.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := cfg.RequireBoard(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	deps, err := bridgebuilder.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("deps_close_failed", zap.Error(err))
		}
	}()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	headers := func() map[string]string {
		h := map[string]string{"X-Session-Id": sessionID}
		if cfg.Board.Token != "" {
			h["Authorization"] = "Bearer " + cfg.Board.Token
		}
		return h
	}

	client := boardlink.NewClient(cfg.Board.BaseURL,
		boardlink.WithSession(sessionID),
		boardlink.WithHeaderProvider(headers),
		boardlink.WithTimeout(cfg.Board.Timeout),
		boardlink.WithRetry(cfg.Board.Retries),
	)

	var session *bridge.Controller
	ingress := boardlink.NewIngress(cfg.Board.WSURL,
		func(_ context.Context, msg boardlink.Message) {
			if msg.SessionID != "" && msg.SessionID != sessionID {
				return
			}
			if err := session.SubmitPosition(msg.Moves); err != nil {
				logger.Warn("submit_position_failed", zap.String("moves", msg.Moves), zap.Error(err))
			}
		},
		boardlink.WithIngressHeaders(headers),
		boardlink.WithPingInterval(cfg.Board.PingInterval),
		boardlink.WithIngressLogger(logger.Named("ingress")),
		boardlink.WithStateCallback(func(s boardlink.State) {
			logger.Info("board_ingress_state", zap.String("state", s.String()))
		}),
	)
	session = deps.NewSession(sessionID, client, ingress)

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	if err := ingress.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = ingress.Close(closeCtx)
	}()

	ops := deps.OpsServer(session)
	ops.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}()

	logger.Info("serve_ready", zap.String("session_id", sessionID), zap.String("board", cfg.Board.BaseURL), zap.String("ops", cfg.OpsAddr))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case sig := <-shutdown:
		logger.Info("serve_shutdown", zap.String("signal", sig.String()))
		return nil
	case err := <-session.Lost():
		return err
	case <-ctx.Done():
		return nil
	}
}
