package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"github.com/park285/cheese-engine-bridge/internal/gamelog"
	"go.uber.org/zap"
)

// Sessions is the read side of a snapshot store.
type Sessions interface {
	Load(ctx context.Context, id string) (*bridge.Snapshot, error)
	List(ctx context.Context) ([]bridge.Snapshot, error)
}

// Moves is the read side of the engine move log.
type Moves interface {
	RecentMoves(ctx context.Context, sessionID string, limit int) ([]gamelog.MoveRecord, error)
}

// Live reports whether the served session still has an engine.
type Live interface {
	State() bridge.State
}

type Options struct {
	Addr     string
	Sessions Sessions
	Moves    Moves
	Metrics  http.Handler
	Live     Live
	Logger   *zap.Logger
}

const (
	defaultMovesLimit = 50
	maxMovesLimit     = 500
)

func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		status := http.StatusOK
		if opts.Live != nil {
			state := opts.Live.State()
			body["session_state"] = state.String()
			if state == bridge.StateTerminated {
				body["status"] = "engine_gone"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, body)
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			if opts.Sessions == nil {
				writeJSON(w, http.StatusOK, []bridge.Snapshot{})
				return
			}
			list, err := opts.Sessions.List(r.Context())
			if err != nil {
				logger.Warn("ops_sessions_list_failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session store unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, list)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if opts.Sessions == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
				return
			}
			snap, err := opts.Sessions.Load(r.Context(), id)
			if err != nil {
				logger.Warn("ops_session_load_failed", zap.String("session_id", id), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session store unavailable"})
				return
			}
			if snap == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Get("/{id}/moves", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if opts.Moves == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "move log disabled"})
				return
			}
			limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
			if err != nil || limit <= 0 || limit > maxMovesLimit {
				limit = defaultMovesLimit
			}
			moves, err := opts.Moves.RecentMoves(r.Context(), id, limit)
			if err != nil {
				logger.Warn("ops_moves_load_failed", zap.String("session_id", id), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "move log unavailable"})
				return
			}
			if moves == nil {
				moves = []gamelog.MoveRecord{}
			}
			writeJSON(w, http.StatusOK, moves)
		})
	})
	return r
}

// Server serves the ops handler until Shutdown.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewHandler(opts),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens in the background. Listen errors other than a clean shutdown
// are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops_server_listen", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops_server_failed", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
