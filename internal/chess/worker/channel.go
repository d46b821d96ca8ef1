package worker

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"go.uber.org/zap"
)

var ErrChannelClosed = errors.New("command channel closed")

const maxLineBytes = 1 << 20

// Channel is the duplex line pipe to one engine process. Outbound commands
// are queued without bound so Send never blocks; inbound lines are handed
// over one at a time in arrival order and are never dropped while the
// receiver keeps reading.
type Channel struct {
	w      io.WriteCloser
	logger *zap.Logger

	mu      sync.Mutex
	queue   []uci.Command
	closing bool
	werr    error
	wake    chan struct{}

	lines    chan string
	stop     chan struct{}
	stopOnce sync.Once

	flushed  chan struct{}
	readDone chan struct{}
	rerr     error

	// heard is set once the engine has written anything.
	heard atomic.Bool
}

func newChannel(w io.WriteCloser, r io.Reader, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		w:        w,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		lines:    make(chan string),
		stop:     make(chan struct{}),
		flushed:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop(r)
	return c
}

func (c *Channel) Send(cmd uci.Command) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.werr != nil {
		err := c.werr
		c.mu.Unlock()
		return err
	}
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Lines is closed once the engine's output reaches EOF.
func (c *Channel) Lines() <-chan string { return c.lines }

// closeOutbound flushes what is queued and then closes the engine's stdin.
func (c *Channel) closeOutbound() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// discard releases a reader blocked on handing over a line.
func (c *Channel) discard() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Channel) writeLoop() {
	defer close(c.flushed)
	for range c.wake {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closing := c.closing
		c.mu.Unlock()

		for _, cmd := range batch {
			if _, err := io.WriteString(c.w, string(cmd)+"\n"); err != nil {
				c.mu.Lock()
				c.werr = err
				c.queue = nil
				c.mu.Unlock()
				c.logger.Warn("uci_write_error", zap.String("command", cmd.Name()), zap.Error(err))
				_ = c.w.Close()
				return
			}
			c.logger.Debug("uci_send", zap.String("line", string(cmd)))
		}

		if closing {
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if empty {
				_ = c.w.Close()
				return
			}
		}
	}
}

func (c *Channel) readLoop(r io.Reader) {
	defer close(c.readDone)
	defer close(c.lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.heard.Store(true)
		select {
		case c.lines <- line:
		case <-c.stop:
			// keep draining so the process can exit and be reaped
		}
	}
	c.rerr = sc.Err()
}
