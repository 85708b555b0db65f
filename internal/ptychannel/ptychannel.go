// Package ptychannel owns one child process bound to a pseudo-terminal: it
// spawns it, streams bytes in both directions, and reports exit. It does
// not interpret terminal control sequences — that is the Prompt Matcher's
// and the external UI's job.
package ptychannel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/agentdesk/deskcoord/internal/logx"
)

// killGrace is how long Kill waits after SIGINT before escalating to SIGKILL.
const killGrace = 3 * time.Second

// Channel wraps one PTY-attached child process.
type Channel struct {
	id string

	mu       sync.Mutex
	ptmx     *os.File
	cmd      *exec.Cmd
	exited   bool
	closing  bool
	writeQ   [][]byte // in-process FIFO queue, drained by a single writer goroutine
	writeSig chan struct{}

	OnOutput func([]byte)
	OnExit   func(code int)

	// DebugPath, if set, tees raw PTY bytes (pre any processing) to a file
	// for offline troubleshooting of prompt-matching regressions.
	DebugPath string
	debugFile *os.File

	firstByte     chan struct{}
	firstByteOnce sync.Once
}

// New creates a channel identified by id. OnOutput/OnExit must be set
// before Start is called.
func New(id string) *Channel {
	return &Channel{id: id, firstByte: make(chan struct{}), writeSig: make(chan struct{}, 1)}
}

// Start spawns cmd attached to a new pty sized cols x rows. It returns once
// the child has been spawned; a spawn failure is a synchronous error.
func (c *Channel) Start(cmd string, args []string, env []string, cwd string, cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	command := exec.CommandContext(context.Background(), cmd, args...)
	command.Env = env
	if cwd != "" {
		command.Dir = cwd
	}
	command.Cancel = func() error {
		return command.Process.Signal(unix.SIGTERM)
	}
	command.WaitDelay = killGrace

	size := &pty.Winsize{Cols: cols, Rows: rows}
	ptmx, err := pty.StartWithSize(command, size)
	if err != nil {
		return fmt.Errorf("ptychannel: start %s: %w", cmd, err)
	}

	if c.DebugPath != "" {
		if f, err := os.OpenFile(c.DebugPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644); err != nil {
			logx.Warn("ptychannel: debug capture unavailable", "id", c.id, "err", err)
		} else {
			c.debugFile = f
		}
	}

	c.ptmx = ptmx
	c.cmd = command

	go c.readLoop()
	go c.startupWatchdog()
	go c.writeLoop()

	return nil
}

// readLoop streams PTY output to OnOutput until EOF/error, then reports exit.
func (c *Channel) readLoop() {
	defer func() {
		if c.debugFile != nil {
			c.debugFile.Close()
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 {
			c.firstByteOnce.Do(func() { close(c.firstByte) })
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if c.debugFile != nil {
				c.debugFile.Write(chunk)
			}
			if c.OnOutput != nil {
				c.OnOutput(chunk)
			}
		}
		if err != nil {
			c.reportExit()
			return
		}
	}
}

func (c *Channel) reportExit() {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return
	}
	c.exited = true
	cmd := c.cmd
	c.mu.Unlock()

	code := 0
	if cmd != nil && cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if cmd != nil {
		// Wait to collect the real exit code; Read returning io.EOF races Wait.
		if err := cmd.Wait(); err != nil {
			if cmd.ProcessState != nil {
				code = cmd.ProcessState.ExitCode()
			} else {
				code = -1
			}
		}
	}
	if c.OnExit != nil {
		c.OnExit(code)
	}
}

// startupWatchdog logs (never mutates state) if no output arrives within 15s
// of spawn — purely an operator-visible diagnostic.
func (c *Channel) startupWatchdog() {
	timer := time.NewTimer(15 * time.Second)
	defer timer.Stop()

	select {
	case <-c.firstByte:
		return
	case <-timer.C:
		logx.Warn("ptychannel: no output 15s after spawn", "id", c.id)
	}
}

// Write sends bytes to the child's stdin. It never blocks the caller: bytes
// are appended to an in-process FIFO queue and flushed in order by a single
// background drainer, so concurrent callers can never reorder writes.
// Writes after exit are discarded and logged.
func (c *Channel) Write(p []byte) {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		logx.Warn("ptychannel: write after exit discarded", "id", c.id, "bytes", len(p))
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writeQ = append(c.writeQ, cp)
	c.mu.Unlock()

	select {
	case c.writeSig <- struct{}{}:
	default:
	}
}

// writeLoop drains writeQ in FIFO order onto the pty, one chunk at a time.
func (c *Channel) writeLoop() {
	for range c.writeSig {
		for {
			c.mu.Lock()
			if len(c.writeQ) == 0 {
				c.mu.Unlock()
				break
			}
			chunk := c.writeQ[0]
			c.writeQ = c.writeQ[1:]
			ptmx := c.ptmx
			c.mu.Unlock()

			if _, err := ptmx.Write(chunk); err != nil {
				logx.Warn("ptychannel: write failed", "id", c.id, "err", err)
			}
		}
	}
}

// Resize adjusts the pty's terminal size.
func (c *Channel) Resize(cols, rows uint16) error {
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("ptychannel: resize before start")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill sends SIGINT, then escalates to SIGKILL after a grace period if the
// child hasn't exited.
func (c *Channel) Kill() {
	c.mu.Lock()
	cmd := c.cmd
	c.closing = true
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(unix.SIGINT)
	time.Sleep(killGrace)
	if err := cmd.Process.Signal(unix.Signal(0)); err == nil {
		cmd.Process.Kill()
	}
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()
	if ptmx != nil {
		ptmx.Close()
	}
}
