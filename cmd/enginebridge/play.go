package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/bridgebuilder"
	"github.com/park285/cheese-engine-bridge/internal/chess/board"
	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	appcfg "github.com/park285/cheese-engine-bridge/internal/config"
	"github.com/park285/cheese-engine-bridge/internal/gamelog"
	"github.com/park285/cheese-engine-bridge/internal/obslog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play against the engine in the terminal",
	Long: `Starts one engine session on an in-process board. Enter moves in UCI (e2e4)
or SAN (Nf3); "fen", "moves" and "quit" are also understood.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("engine-color")
		return runPlay(cmd.Context(), color, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().String("engine-color", "", "Side the engine plays (white|black); overrides ENGINE_COLOR")
}

func runPlay(ctx context.Context, engineColor string, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadPlayConfig(engineColor)
	if err != nil {
		return err
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
	defer deps.Close()

	engine := deps.EngineColor()
	engineMoved := make(chan board.Played, 1)
	b := board.NewLocalBoard(func(p board.Played) {
		if p.By != engine {
			return
		}
		select {
		case engineMoved <- p:
		default:
		}
	})

	session := deps.NewSession("", b)
	started := time.Now()
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()
	fmt.Fprintf(out, "session %s, engine plays %s\n", session.ID(), engine)

	wait := time.Duration(cfg.Engine.InitialMoveTimeMS+cfg.Engine.SearchMoveTimeMS)*time.Millisecond + 10*time.Second
	if engine == bridge.White {
		if err := awaitEngine(out, engineMoved, session.Lost(), wait); err != nil {
			return err
		}
	}

	lines := bufio.NewScanner(in)
	for b.Result() == "*" {
		fmt.Fprint(out, "> ")
		if !lines.Scan() {
			break
		}
		input := strings.TrimSpace(lines.Text())
		switch input {
		case "":
			continue
		case "quit", "exit":
			return saveGame(ctx, deps.GameLog, session.ID(), engine, b, started, logger)
		case "fen":
			fmt.Fprintln(out, b.FEN())
			continue
		case "moves":
			fmt.Fprintln(out, strings.Join(b.SAN(), " "))
			continue
		}

		if err := b.Play(input); err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		if b.Result() != "*" {
			break
		}
		if err := session.SubmitPosition(b.Moves()); err != nil {
			return err
		}
		if err := awaitEngine(out, engineMoved, session.Lost(), wait); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "result %s\n", b.Result())
	return saveGame(ctx, deps.GameLog, session.ID(), engine, b, started, logger)
}

// loadPlayConfig applies the --engine-color flag on top of the loaded config.
func loadPlayConfig(engineColor string) (*appcfg.AppConfig, error) {
	cfg, err := appcfg.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if engineColor != "" {
		cfg.Engine.Color = engineColor
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}
	return cfg, nil
}

func awaitEngine(out io.Writer, moved <-chan board.Played, lost <-chan error, wait time.Duration) error {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case p := <-moved:
		fmt.Fprintf(out, "engine: %s (%s)\n", p.SAN, p.UCI)
		return nil
	case err := <-lost:
		return err
	case <-t.C:
		return errors.New("engine did not answer in time")
	}
}

func saveGame(ctx context.Context, repo *gamelog.Repository, id string, engine bridge.Color, b *board.LocalBoard, started time.Time, logger *zap.Logger) error {
	if repo == nil || b.Moves() == "" {
		return nil
	}
	rec := gamelog.GameRecord{
		SessionID:   id,
		EngineColor: engine,
		Result:      b.Result(),
		MovesUCI:    strings.Fields(b.Moves()),
		MovesSAN:    b.SAN(),
		StartedAt:   started,
		EndedAt:     time.Now(),
	}
	if err := repo.SaveGame(ctx, rec); err != nil {
		logger.Warn("game_save_failed", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}
