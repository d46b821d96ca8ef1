package worker

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"go.uber.org/zap"
)

type Handle uint64

// Module names the engine binary a context runs.
type Module struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Memory describes the engine-side resources owned by a context. Zero
// values leave the engine defaults in place.
type Memory struct {
	HashMB  int
	Threads int
}

// Options returns the setoption commands that apply m.
func (m *Memory) Options() []uci.Command {
	if m == nil {
		return nil
	}
	var cmds []uci.Command
	if m.Threads > 0 {
		cmds = append(cmds, uci.SetOption("Threads", m.Threads))
	}
	if m.HashMB > 0 {
		cmds = append(cmds, uci.SetOption("Hash", m.HashMB))
	}
	return cmds
}

// Payload is handed to a context as a whole at spawn time. Module and
// Memory are shared with the caller, not copied.
type Payload struct {
	Module *Module
	Memory *Memory
	Handle Handle
}

// Context is one running engine process.
type Context struct {
	payload Payload
	cmd     *exec.Cmd
	ch      *Channel
	grace   time.Duration
	logger  *zap.Logger

	destroyed   atomic.Bool
	destroyOnce sync.Once
	destroyErr  error

	exited  chan struct{}
	exitErr error
}

func (c *Context) Handle() Handle { return c.payload.Handle }

func (c *Context) Payload() Payload { return c.payload }

func (c *Context) Send(cmd uci.Command) error {
	if c.destroyed.Load() {
		return ErrChannelClosed
	}
	return c.ch.Send(cmd)
}

func (c *Context) Lines() <-chan string { return c.ch.Lines() }

// Done is closed when the engine process has exited, for whatever reason.
func (c *Context) Done() <-chan struct{} { return c.exited }

// Err returns the process exit error once Done is closed.
func (c *Context) Err() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}

func (c *Context) Destroyed() bool { return c.destroyed.Load() }

// Initialized reports whether the engine has answered at least once.
func (c *Context) Initialized() bool { return c.ch.heard.Load() }

func (c *Context) reap() {
	<-c.ch.readDone
	err := c.cmd.Wait()
	if err == nil {
		err = c.ch.rerr
	}
	c.exitErr = err
	close(c.exited)
}

func (c *Context) destroy() error {
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		c.ch.discard()

		alive := true
		select {
		case <-c.exited:
			alive = false
		default:
		}

		// quit only goes to an engine that has answered.
		if alive && c.Initialized() {
			_ = c.ch.Send(uci.CmdQuit)
		}
		c.ch.closeOutbound()

		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-c.exited:
		case <-timer.C:
			c.logger.Warn("engine_destroy_kill", zap.Uint64("handle", uint64(c.payload.Handle)), zap.Duration("grace", c.grace))
			if c.cmd.Process != nil {
				if err := c.cmd.Process.Kill(); err != nil {
					c.destroyErr = fmt.Errorf("kill engine: %w", err)
				}
			}
			<-c.exited
		}
		c.logger.Info("engine_destroy",
			zap.Uint64("handle", uint64(c.payload.Handle)),
			zap.Bool("initialized", c.Initialized()),
			zap.NamedError("exit", c.exitErr),
		)
	})
	return c.destroyErr
}
