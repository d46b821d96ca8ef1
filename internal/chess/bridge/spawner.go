package bridge

import (
	"context"
	"fmt"

	"github.com/park285/cheese-engine-bridge/internal/chess/worker"
)

// WorkerSpawner runs sessions on engine processes owned by a worker.Manager.
type WorkerSpawner struct {
	Manager *worker.Manager
}

func (s WorkerSpawner) Spawn(ctx context.Context, module *worker.Module, memory *worker.Memory) (Conn, error) {
	c, err := s.Manager.Spawn(ctx, module, memory)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s WorkerSpawner) Destroy(conn Conn) error {
	if conn == nil {
		return nil
	}
	c, ok := conn.(*worker.Context)
	if !ok {
		return fmt.Errorf("conn %T not owned by worker manager", conn)
	}
	return s.Manager.Destroy(c)
}
