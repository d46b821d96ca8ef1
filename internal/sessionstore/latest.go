package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
)

const defaultEndedRetention = 10 * time.Minute

// Latest keeps the newest snapshot per session in process memory. It backs
// the ops endpoint when no Redis is configured. Terminated sessions are
// dropped once their last snapshot is older than the retention.
type Latest struct {
	mu     sync.RWMutex
	snaps  map[string]bridge.Snapshot
	retain time.Duration
	now    func() time.Time
}

func NewLatest(retain time.Duration) *Latest {
	if retain <= 0 {
		retain = defaultEndedRetention
	}
	return &Latest{snaps: make(map[string]bridge.Snapshot), retain: retain, now: time.Now}
}

func (l *Latest) SessionChanged(_ context.Context, snap bridge.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps[snap.SessionID] = snap
	now := l.now()
	for id, s := range l.snaps {
		if l.expired(s, now) {
			delete(l.snaps, id)
		}
	}
}

func (l *Latest) Load(_ context.Context, id string) (*bridge.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap, ok := l.snaps[id]
	if !ok || l.expired(snap, l.now()) {
		return nil, nil
	}
	return &snap, nil
}

func (l *Latest) List(context.Context) ([]bridge.Snapshot, error) {
	l.mu.RLock()
	now := l.now()
	out := make([]bridge.Snapshot, 0, len(l.snaps))
	for _, s := range l.snaps {
		if !l.expired(s, now) {
			out = append(out, s)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (l *Latest) expired(s bridge.Snapshot, now time.Time) bool {
	return s.State == bridge.StateTerminated && now.Sub(s.UpdatedAt) > l.retain
}
