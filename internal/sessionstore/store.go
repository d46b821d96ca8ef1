package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultTTL = time.Hour

// Store keeps the latest snapshot of every session in Redis so that the
// ops endpoint and other processes can see what each engine is doing.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

// Open connects to redisURL and verifies the connection.
func Open(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewStore(rdb, ttl, logger), nil
}

func (s *Store) keySession(id string) string { return "enginebridge:session:" + strings.TrimSpace(id) }
func (s *Store) keyIndex() string            { return "enginebridge:sessions" }

func (s *Store) Save(ctx context.Context, snap bridge.Snapshot) error {
	if strings.TrimSpace(snap.SessionID) == "" {
		return errors.New("snapshot without session id")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keySession(snap.SessionID), raw, s.ttl)
	pipe.SAdd(ctx, s.keyIndex(), snap.SessionID)
	pipe.Expire(ctx, s.keyIndex(), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Load returns nil, nil for an unknown or expired session.
func (s *Store) Load(ctx context.Context, id string) (*bridge.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, s.keySession(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap bridge.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keySession(id))
	pipe.SRem(ctx, s.keyIndex(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns the live sessions, pruning index entries whose snapshot expired.
func (s *Store) List(ctx context.Context) ([]bridge.Snapshot, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]bridge.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			_ = s.rdb.SRem(ctx, s.keyIndex(), id).Err()
			continue
		}
		out = append(out, *snap)
	}
	return out, nil
}

// SessionChanged stores every snapshot. Terminated sessions stay readable
// until the TTL runs out.
func (s *Store) SessionChanged(ctx context.Context, snap bridge.Snapshot) {
	wctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := s.Save(wctx, snap); err != nil {
		s.logger.Warn("session_store_save_failed", zap.String("session_id", snap.SessionID), zap.Error(err))
	}
}

func (s *Store) Close() error { return s.rdb.Close() }
