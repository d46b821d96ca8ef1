package bridgebuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"github.com/park285/cheese-engine-bridge/internal/chess/worker"
	"github.com/park285/cheese-engine-bridge/internal/config"
	"github.com/park285/cheese-engine-bridge/internal/gamelog"
	"github.com/park285/cheese-engine-bridge/internal/metrics"
	"github.com/park285/cheese-engine-bridge/internal/opsserver"
	"github.com/park285/cheese-engine-bridge/internal/sessionstore"
	"go.uber.org/zap"
)

// Deps holds the process-wide pieces every session shares.
type Deps struct {
	Config  *config.AppConfig
	Manager *worker.Manager
	Metrics *metrics.Collectors
	Latest  *sessionstore.Latest
	Store   *sessionstore.Store
	GameLog *gamelog.Repository

	logger *zap.Logger
}

// New wires the engine manager and the optional Redis and Postgres sinks.
// Redis and Postgres are skipped when their URL is empty.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deps{
		Config: cfg,
		Manager: worker.NewManager(worker.Config{
			InitTimeout:  cfg.Engine.InitTimeout,
			DestroyGrace: cfg.Engine.DestroyGrace,
			Logger:       logger.Named("worker"),
		}),
		Metrics: metrics.New(),
		Latest:  sessionstore.NewLatest(cfg.SessionTTL()),
		logger:  logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		store, err := sessionstore.Open(ctx, cfg.RedisURL, cfg.SessionTTL(), logger.Named("sessionstore"))
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("init session store: %w", err)
		}
		d.Store = store
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		repo, err := gamelog.NewRepository(cfg.DatabaseURL, logger.Named("gamelog"))
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("init game log: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			_ = d.Close()
			return nil, err
		}
		d.GameLog = repo
	}
	return d, nil
}

func (d *Deps) Module() *worker.Module {
	return &worker.Module{
		Path: d.Config.Engine.Path,
		Args: append([]string(nil), d.Config.Engine.Args...),
		Dir:  d.Config.Engine.Dir,
	}
}

// Memory is nil when neither hash nor threads are configured, so no
// setoption goes out.
func (d *Deps) Memory() *worker.Memory {
	if d.Config.Engine.HashMB == 0 && d.Config.Engine.Threads == 0 {
		return nil
	}
	return &worker.Memory{HashMB: d.Config.Engine.HashMB, Threads: d.Config.Engine.Threads}
}

func (d *Deps) EngineColor() bridge.Color {
	c, err := bridge.ParseColor(d.Config.Engine.Color)
	if err != nil {
		return bridge.Black
	}
	return c
}

// Observers lists the shared snapshot sinks. Metrics comes first so the
// controller picks it as the wire observer.
func (d *Deps) Observers() []bridge.Observer {
	obs := []bridge.Observer{d.Metrics, d.Latest}
	if d.Store != nil {
		obs = append(obs, d.Store)
	}
	if d.GameLog != nil {
		obs = append(obs, d.GameLog)
	}
	return obs
}

// NewSession builds a controller playing on board. The session is not
// started.
func (d *Deps) NewSession(sessionID string, board bridge.Board, extra ...bridge.Observer) *bridge.Controller {
	logger := d.logger.Named("session")
	observers := append(d.Observers(), extra...)
	return bridge.NewController(bridge.Config{
		SessionID:       sessionID,
		Module:          d.Module(),
		Memory:          d.Memory(),
		InitialMoveTime: d.Config.Engine.InitialMoveTimeMS,
		SearchMoveTime:  d.Config.Engine.SearchMoveTimeMS,
		SearchDepth:     d.Config.Engine.SearchDepth,
		SearchNodes:     d.Config.Engine.SearchNodes,
	}, bridge.WorkerSpawner{Manager: d.Manager}, bridge.NewBoardBridge(board, d.EngineColor(), logger), logger, observers...)
}

func (d *Deps) OpsServer(live opsserver.Live) *opsserver.Server {
	var sessions opsserver.Sessions = d.Latest
	if d.Store != nil {
		sessions = d.Store
	}
	var moves opsserver.Moves
	if d.GameLog != nil {
		moves = d.GameLog
	}
	return opsserver.New(opsserver.Options{
		Addr:     d.Config.OpsAddr,
		Sessions: sessions,
		Moves:    moves,
		Metrics:  d.Metrics.Handler(),
		Live:     live,
		Logger:   d.logger.Named("ops"),
	})
}

func (d *Deps) Close() error {
	var errs []error
	if d.Manager != nil {
		if err := d.Manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine manager: %w", err))
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if d.GameLog != nil {
		if err := d.GameLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close game log: %w", err))
		}
	}
	return errors.Join(errs...)
}
