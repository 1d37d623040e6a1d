package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/hosterr"
)

const (
	readBufferSize = 1024 * 1024

	// consecutiveMalformedLimit is how many malformed frames in a row
	// escalate to "process unhealthy" per §4.C.
	consecutiveMalformedLimit = 3

	// termGrace is how long Stop waits after sending SIGTERM before
	// escalating to SIGKILL, the middle step of §4.E's three-step shutdown:
	// control:shutdown, then a termination signal, then a force-kill.
	termGrace = 2 * time.Second
)

// PendingCall is one in-flight request awaiting a correlated response
// (§3). It is owned by the Channel until the response arrives, the
// deadline fires, or the channel is torn down.
type PendingCall struct {
	CorrelationID string
	Deadline      time.Time
	result        chan Frame
	cancelled     bool
}

// UnhealthyFunc is invoked when the channel observes a condition the
// supervisor must act on: too many malformed frames in a row, or the
// child process exiting.
type UnhealthyFunc func(reason error)

// EventFunc is invoked for every unsolicited event frame the child emits.
type EventFunc func(event string, payload json.RawMessage)

// Channel is a full-duplex framed JSON connection to exactly one child
// process, grounded on a conventional stdio JSON-RPC process wrapper:
// a single buffered reader goroutine demultiplexes responses (by
// correlation id) from events, a bounded send queue serializes writes
// and applies back-pressure, and Stop performs a graceful-then-forced
// shutdown sequence.
type Channel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdoutPipe io.ReadCloser
	stdout *bufio.Reader
	stderr io.ReadCloser

	log zerolog.Logger

	sendQueue chan Frame

	mu        sync.Mutex
	pending   map[string]*PendingCall
	stopping  bool
	malformed int

	onUnhealthy UnhealthyFunc
	onEvent     EventFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	exitErr error

	writerDone chan struct{}
}

// Spawn starts name(args...) in dir and wires up its stdio as an IPC
// channel. sendQueueCapacity bounds outstanding writes (default 1024 per
// §4.C); when full, Send blocks until context cancellation.
func Spawn(ctx context.Context, log zerolog.Logger, dir, name string, args []string, env []string, sendQueueCapacity int, onUnhealthy UnhealthyFunc, onEvent EventFunc) (*Channel, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	procCtx, procCancel := context.WithCancel(ctx)

	ch := &Channel{
		cmd:        cmd,
		stdin:      stdin,
		stdoutPipe: stdout,
		stdout:     bufio.NewReaderSize(stdout, readBufferSize),
		stderr:     stderr,
		log:        log,
		sendQueue:  make(chan Frame, sendQueueCapacity),
		pending:    make(map[string]*PendingCall),
		onUnhealthy: onUnhealthy,
		onEvent:     onEvent,
		ctx:        procCtx,
		cancel:     procCancel,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		procCancel()
		return nil, fmt.Errorf("start plugin worker: %w", err)
	}

	go ch.readLoop()
	go ch.writeLoop()
	go ch.drainStderr()

	return ch, nil
}

// writeLoop is the single writer goroutine; all frame writes are
// serialized through sendQueue.
func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	enc := json.NewEncoder(c.stdin)
	for {
		select {
		case frame, ok := <-c.sendQueue:
			if !ok {
				return
			}
			if err := enc.Encode(frame); err != nil {
				c.reportUnhealthy(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues a frame for writing. It blocks until the queue has room
// or ctx is done, surfacing hosterr.Capacity on overflow-by-timeout.
func (c *Channel) Send(ctx context.Context, frame Frame) error {
	select {
	case c.sendQueue <- frame:
		return nil
	case <-ctx.Done():
		return hosterr.New(hosterr.Capacity, "send_queue_full", "IPC send queue did not accept the frame before the deadline")
	case <-c.ctx.Done():
		return hosterr.New(hosterr.ProcessDead, "channel_closed", "IPC channel is shutting down")
	}
}

// readLoop demultiplexes incoming lines into responses (matched by id
// against pending) and events (forwarded to onEvent).
func (c *Channel) readLoop() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		for id, pc := range c.pending {
			select {
			case pc.result <- Frame{}:
			default:
			}
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for {
		line, err := c.stdout.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.exitErr = fmt.Errorf("read stdout: %w", err)
			} else {
				c.exitErr = hosterr.New(hosterr.ProcessDead, "child_exited", "child process closed stdout")
			}
			c.reportUnhealthy(c.exitErr)
			return
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.mu.Lock()
			c.malformed++
			n := c.malformed
			c.mu.Unlock()
			c.log.Warn().Err(err).Msg("malformed IPC frame")
			if n >= consecutiveMalformedLimit {
				c.reportUnhealthy(hosterr.New(hosterr.IPCProtocol, "malformed_frame_streak",
					fmt.Sprintf("%d consecutive malformed frames", n)))
			}
			continue
		}
		c.mu.Lock()
		c.malformed = 0
		c.mu.Unlock()

		switch frame.Kind {
		case KindResponse:
			c.mu.Lock()
			pc, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok && !pc.cancelled {
				select {
				case pc.result <- frame:
				default:
				}
			}
			// A late response for an already-cancelled/removed id is
			// discarded, per §4.C.
		case KindEvent:
			if c.onEvent != nil {
				c.onEvent(frame.Event, frame.Payload)
			}
		default:
			c.log.Debug().Str("kind", string(frame.Kind)).Msg("unexpected frame kind from child")
		}
	}
}

func (c *Channel) drainStderr() {
	r := bufio.NewReaderSize(c.stderr, readBufferSize)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.log.Debug().Str("stderr", string(line)).Msg("plugin worker stderr")
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) reportUnhealthy(reason error) {
	if c.onUnhealthy != nil {
		c.onUnhealthy(reason)
	}
}

// Call sends a request frame and waits for its correlated response, or
// fails the pending call on deadline expiry per §4.C (dispatching a
// cancel hint and freeing the slot).
func (c *Channel) Call(ctx context.Context, action string, payload json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	pc := &PendingCall{CorrelationID: id, Deadline: time.Now().Add(deadline), result: make(chan Frame, 1)}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil, hosterr.New(hosterr.ProcessDead, "channel_stopping", "IPC channel is stopping")
	}
	c.pending[id] = pc
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req := NewRequest(id, action, payload, deadline.Milliseconds())
	if err := c.Send(callCtx, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case frame, ok := <-pc.result:
		if !ok || frame.Kind == "" {
			return nil, hosterr.New(hosterr.ProcessDead, "process_dead", "child process exited while call was pending")
		}
		if frame.OK != nil && !*frame.OK {
			code, msg := "unknown", ""
			if frame.Error != nil {
				code, msg = frame.Error.Code, frame.Error.Message
			}
			return nil, hosterr.New(hosterr.PluginFailure, code, msg)
		}
		return frame.Data, nil
	case <-callCtx.Done():
		c.mu.Lock()
		pc.cancelled = true
		delete(c.pending, id)
		c.mu.Unlock()
		// Best-effort cancel hint; the worker is allowed to finish the
		// request regardless (§5 ordering guarantees).
		_ = c.Send(context.Background(), NewControl(ControlCancel, id))
		return nil, hosterr.New(hosterr.IPCTimeout, "ipc_timeout", "request deadline elapsed without response")
	}
}

// Ping issues a health check with the given timeout as an ordinary request
// frame with the reserved action "__ping__", which the worker answers
// without reaching the plugin handler. It does not send a control:ping
// frame.
func (c *Channel) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := c.Call(ctx, "__ping__", nil, timeout)
	return err
}

// PendingCount reports the number of in-flight calls, for the
// supervisor's resource-accounting view (§4.E).
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop performs the graceful-then-forced shutdown sequence (§4.E
// "Stop"): send control:shutdown, wait up to grace for orderly exit,
// then a termination signal, then force-kill. Every pending-call slot is
// freed with process_dead.
func (c *Channel) Stop(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		<-c.done
		return c.exitErr
	}
	c.stopping = true
	for id, pc := range c.pending {
		pc.cancelled = true
		close(pc.result)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, grace)
	defer cancelShutdown()
	_ = c.Send(shutdownCtx, NewControl(ControlShutdown, ""))

	close(c.sendQueue)
	<-c.writerDone

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.cmd.Wait() }()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		c.cancel()
		return err
	case <-timer.C:
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
		termTimer := time.NewTimer(termGrace)
		defer termTimer.Stop()
		select {
		case err := <-waitErr:
			c.cancel()
			return err
		case <-termTimer.C:
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			c.cancel()
			return <-waitErr
		}
	}
}

// IsRunning reports whether the child process is still alive.
func (c *Channel) IsRunning() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
