package gamelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS engine_moves (
    id            BIGSERIAL PRIMARY KEY,
    session_id    TEXT        NOT NULL,
    handle        BIGINT      NOT NULL,
    position      TEXT        NOT NULL,
    move_uci      TEXT        NOT NULL,
    depth         INT         NOT NULL DEFAULT 0,
    eval_cp       INT         NOT NULL DEFAULT 0,
    pv            TEXT        NOT NULL DEFAULT '',
    search_ms     BIGINT      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS engine_moves_session_idx ON engine_moves (session_id, id);
CREATE TABLE IF NOT EXISTS engine_games (
    session_id    TEXT PRIMARY KEY,
    engine_color  TEXT        NOT NULL,
    result        TEXT        NOT NULL,
    moves_uci     JSONB       NOT NULL,
    pgn           TEXT        NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT      NOT NULL
);`

// MoveRecord is one engine move that reached the board.
type MoveRecord struct {
	SessionID string
	Handle    uint64
	Position  string
	MoveUCI   string
	Depth     int
	EvalCP    int
	PV        string
	SearchMS  int64
	CreatedAt time.Time
}

// GameRecord is a finished game played against the engine.
type GameRecord struct {
	SessionID   string
	EngineColor bridge.Color
	Result      string
	MovesUCI    []string
	MovesSAN    []string
	StartedAt   time.Time
	EndedAt     time.Time
}

type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRepository(databaseURL string, logger *zap.Logger) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create game log schema: %w", err)
	}
	return nil
}

func (r *Repository) RecordMove(ctx context.Context, m MoveRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	const q = `INSERT INTO engine_moves
        (session_id, handle, position, move_uci, depth, eval_cp, pv, search_ms, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.db.ExecContext(ctx, q,
		m.SessionID, int64(m.Handle), m.Position, m.MoveUCI,
		m.Depth, m.EvalCP, m.PV, m.SearchMS, m.CreatedAt,
	)
	return err
}

// RecentMoves returns up to limit moves of a session, oldest first.
func (r *Repository) RecentMoves(ctx context.Context, sessionID string, limit int) ([]MoveRecord, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT session_id, handle, position, move_uci, depth, eval_cp, pv, search_ms, created_at
        FROM (SELECT * FROM engine_moves WHERE session_id = $1 ORDER BY id DESC LIMIT $2) t
        ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MoveRecord
	for rows.Next() {
		var m MoveRecord
		var handle int64
		if err := rows.Scan(&m.SessionID, &handle, &m.Position, &m.MoveUCI, &m.Depth, &m.EvalCP, &m.PV, &m.SearchMS, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Handle = uint64(handle)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveGame upserts a finished game with its PGN.
func (r *Repository) SaveGame(ctx context.Context, g GameRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	movesRaw, _ := json.Marshal(g.MovesUCI)
	duration := g.EndedAt.Sub(g.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	const q = `INSERT INTO engine_games
        (session_id, engine_color, result, moves_uci, pgn, started_at, ended_at, duration_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (session_id) DO UPDATE SET
            result=EXCLUDED.result,
            moves_uci=EXCLUDED.moves_uci,
            pgn=EXCLUDED.pgn,
            ended_at=EXCLUDED.ended_at,
            duration_ms=EXCLUDED.duration_ms`
	_, err := r.db.ExecContext(ctx, q,
		g.SessionID, string(g.EngineColor), g.Result, string(movesRaw), BuildPGN(g),
		g.StartedAt, g.EndedAt, duration,
	)
	return err
}

// SessionChanged logs every applied engine move.
func (r *Repository) SessionChanged(ctx context.Context, snap bridge.Snapshot) {
	rec, ok := moveFromSnapshot(snap)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.RecordMove(wctx, rec); err != nil {
		r.logger.Warn("game_log_record_failed", zap.String("session_id", snap.SessionID), zap.String("move", rec.MoveUCI), zap.Error(err))
	}
}

func moveFromSnapshot(snap bridge.Snapshot) (MoveRecord, bool) {
	if snap.Event != bridge.EventMoveApplied || snap.Applied == nil {
		return MoveRecord{}, false
	}
	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return MoveRecord{
		SessionID: snap.SessionID,
		Handle:    snap.Handle,
		Position:  snap.Position,
		MoveUCI:   snap.Applied.UCI(),
		Depth:     snap.LastInfo.Depth,
		EvalCP:    snap.LastInfo.EvalCP,
		PV:        strings.Join(snap.LastInfo.Principal, " "),
		SearchMS:  snap.SearchDuration.Milliseconds(),
		CreatedAt: at,
	}, true
}

func BuildPGN(g GameRecord) string {
	var b strings.Builder
	date := g.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	white, black := "Human", "Engine"
	if g.EngineColor == bridge.White {
		white, black = "Engine", "Human"
	}
	result := g.Result
	if result == "" {
		result = "*"
	}
	b.WriteString("[Event \"Engine game\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", white))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", black))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(g.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(g.MovesSAN[i])))
		if i+1 < len(g.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(g.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}
