package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInitTimeout  = 5 * time.Second
	defaultDestroyGrace = 2 * time.Second
)

// SpawnError reports a context that could not be created or initialized.
type SpawnError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn engine %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type Config struct {
	InitTimeout  time.Duration
	DestroyGrace time.Duration
	// Stderr receives the engine's diagnostic output; nil discards it.
	Stderr io.Writer
	Logger *zap.Logger
}

// Manager owns engine contexts. Each Spawn creates a fresh process and
// handles are never reused.
type Manager struct {
	initTimeout  time.Duration
	destroyGrace time.Duration
	stderr       io.Writer
	logger       *zap.Logger

	next atomic.Uint64

	mu   sync.Mutex
	live map[Handle]*Context
}

func NewManager(cfg Config) *Manager {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.DestroyGrace <= 0 {
		cfg.DestroyGrace = defaultDestroyGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		initTimeout:  cfg.InitTimeout,
		destroyGrace: cfg.DestroyGrace,
		stderr:       cfg.Stderr,
		logger:       cfg.Logger,
		live:         make(map[Handle]*Context),
	}
}

// Spawn starts a new engine process and returns once it can take commands.
// Any failure is returned as *SpawnError and nothing is left running.
func (m *Manager) Spawn(ctx context.Context, module *Module, memory *Memory) (*Context, error) {
	if module == nil || strings.TrimSpace(module.Path) == "" {
		return nil, m.spawnFailed(&SpawnError{Op: "validate", Err: errors.New("binary path required")})
	}
	path, err := exec.LookPath(module.Path)
	if err != nil {
		return nil, m.spawnFailed(&SpawnError{Op: "lookup", Path: module.Path, Err: err})
	}

	initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()
	if err := initCtx.Err(); err != nil {
		return nil, m.spawnFailed(&SpawnError{Op: "init", Path: path, Err: err})
	}

	cmd := exec.Command(path, module.Args...)
	cmd.Dir = module.Dir
	if len(module.Env) > 0 {
		cmd.Env = append(os.Environ(), module.Env...)
	}
	cmd.Stderr = m.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, m.spawnFailed(&SpawnError{Op: "stdin pipe", Path: path, Err: err})
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, m.spawnFailed(&SpawnError{Op: "stdout pipe", Path: path, Err: err})
	}

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case err := <-started:
		if err != nil {
			stdin.Close()
			stdout.Close()
			return nil, m.spawnFailed(&SpawnError{Op: "start", Path: path, Err: err})
		}
	case <-initCtx.Done():
		go func() {
			if err := <-started; err == nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
			}
		}()
		return nil, m.spawnFailed(&SpawnError{Op: "start", Path: path, Err: initCtx.Err()})
	}

	handle := Handle(m.next.Add(1))
	logger := m.logger.With(zap.Uint64("handle", uint64(handle)))
	c := &Context{
		payload: Payload{Module: module, Memory: memory, Handle: handle},
		cmd:     cmd,
		ch:      newChannel(stdin, stdout, logger),
		grace:   m.destroyGrace,
		logger:  logger,
		exited:  make(chan struct{}),
	}
	go c.reap()

	m.mu.Lock()
	m.live[handle] = c
	m.mu.Unlock()

	logger.Info("engine_spawn", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))
	return c, nil
}

// Destroy tears the context down. Destroying an already destroyed context
// is a no-op.
func (m *Manager) Destroy(c *Context) error {
	if c == nil {
		return nil
	}
	m.mu.Lock()
	delete(m.live, c.Handle())
	m.mu.Unlock()
	return c.destroy()
}

func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	contexts := make([]*Context, 0, len(m.live))
	for _, c := range m.live {
		contexts = append(contexts, c)
	}
	m.live = make(map[Handle]*Context)
	m.mu.Unlock()

	var errs []error
	for _, c := range contexts {
		if err := c.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (m *Manager) spawnFailed(err *SpawnError) error {
	m.logger.Error("engine_spawn_failed", zap.String("path", err.Path), zap.String("op", err.Op), zap.Error(err.Err))
	return err
}
