package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// spawnShell starts a real "sh -c script" child through Spawn, exercising
// Stop's actual process-signaling path rather than the io.Pipe fakes the
// rest of this file uses (those have no real *exec.Cmd for Stop to signal).
func spawnShell(t *testing.T, script string) *Channel {
	t.Helper()
	ch, err := Spawn(context.Background(), zerolog.Nop(), "", "sh", []string{"-c", script}, nil, 16, func(error) {}, func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	return ch
}

// TestStopExitsViaSIGTERMWithoutNeedingSIGKILL confirms Stop's intermediate
// termination-signal step: a process that honors SIGTERM should exit well
// before Stop escalates all the way to SIGKILL.
func TestStopExitsViaSIGTERMWithoutNeedingSIGKILL(t *testing.T) {
	ch := spawnShell(t, "sleep 5")

	start := time.Now()
	_ = ch.Stop(context.Background(), 20*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed >= termGrace {
		t.Fatalf("Stop took %s, expected the SIGTERM step to end sleep well before the %s SIGKILL escalation point", elapsed, termGrace)
	}
}

// TestStopEscalatesToSIGKILLWhenProcessIgnoresSIGTERM confirms Stop still
// forces the process down when it ignores the intermediate signal.
func TestStopEscalatesToSIGKILLWhenProcessIgnoresSIGTERM(t *testing.T) {
	ch := spawnShell(t, "trap '' TERM; sleep 5")

	start := time.Now()
	_ = ch.Stop(context.Background(), 20*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < termGrace {
		t.Fatalf("Stop returned after %s, expected it to wait out the %s termination grace before SIGKILL", elapsed, termGrace)
	}

	deadline := time.Now().Add(time.Second)
	for ch.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.IsRunning() {
		t.Fatal("process should be dead after Stop returns")
	}
}

// newFakeChannel wires a Channel's stdin/stdout to in-memory pipes so tests
// can drive the wire protocol deterministically without a real child
// process; everything downstream of readLoop/writeLoop is exercised as-is.
func newFakeChannel(t *testing.T, onUnhealthy UnhealthyFunc, onEvent EventFunc) (ch *Channel, childReads *bufio.Reader, childWrites io.WriteCloser) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	ch = &Channel{
		stdin:       stdinW,
		stdout:      bufio.NewReaderSize(stdoutR, readBufferSize),
		log:         zerolog.Nop(),
		sendQueue:   make(chan Frame, 16),
		pending:     make(map[string]*PendingCall),
		onUnhealthy: onUnhealthy,
		onEvent:     onEvent,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	t.Cleanup(func() {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
	})

	go ch.readLoop()
	go ch.writeLoop()

	return ch, bufio.NewReader(stdinR), stdoutW
}

func readFrame(t *testing.T, r *bufio.Reader) Frame {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read child-facing frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		t.Fatalf("decode child-facing frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, w io.Writer, f Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
}

func TestCallRoundTripsSuccessResponse(t *testing.T) {
	ch, reqReader, respWriter := newFakeChannel(t, nil, nil)

	go func() {
		req := readFrame(t, reqReader)
		writeFrame(t, respWriter, NewOKResponse(req.ID, json.RawMessage(`{"sum":3}`)))
	}()

	data, err := ch.Call(context.Background(), "add", json.RawMessage(`{"a":1,"b":2}`), time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(data) != `{"sum":3}` {
		t.Fatalf("data = %s, want {\"sum\":3}", data)
	}
}

func TestCallReturnsPluginFailureOnErrorResponse(t *testing.T) {
	ch, reqReader, respWriter := newFakeChannel(t, nil, nil)

	go func() {
		req := readFrame(t, reqReader)
		writeFrame(t, respWriter, NewErrResponse(req.ID, "divide_by_zero", "cannot divide by zero"))
	}()

	_, err := ch.Call(context.Background(), "divide", json.RawMessage(`{}`), time.Second)
	if err == nil {
		t.Fatal("Call should surface the error response")
	}
}

func TestCallTimesOutWhenNoResponseArrives(t *testing.T) {
	ch, reqReader, _ := newFakeChannel(t, nil, nil)
	go readFrame(t, reqReader) // drain the request, never respond

	start := time.Now()
	_, err := ch.Call(context.Background(), "slow", json.RawMessage(`{}`), 20*time.Millisecond)
	if err == nil {
		t.Fatal("Call should time out")
	}
	if time.Since(start) > time.Second {
		t.Fatal("Call took far longer than its deadline")
	}
}

func TestPendingCountTracksInFlightCalls(t *testing.T) {
	ch, reqReader, respWriter := newFakeChannel(t, nil, nil)

	release := make(chan struct{})
	go func() {
		req := readFrame(t, reqReader)
		<-release
		writeFrame(t, respWriter, NewOKResponse(req.ID, json.RawMessage(`{}`)))
	}()

	done := make(chan struct{})
	go func() {
		_, _ = ch.Call(context.Background(), "add", json.RawMessage(`{}`), time.Second)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for ch.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1 while the call is outstanding", ch.PendingCount())
	}

	close(release)
	<-done
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after the call completes", ch.PendingCount())
	}
}

func TestReadLoopEscalatesAfterConsecutiveMalformedFrames(t *testing.T) {
	unhealthy := make(chan error, 1)
	ch, _, respWriter := newFakeChannel(t, func(reason error) {
		select {
		case unhealthy <- reason:
		default:
		}
	}, nil)
	_ = ch

	for i := 0; i < consecutiveMalformedLimit; i++ {
		if _, err := respWriter.Write([]byte("not json\n")); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case err := <-unhealthy:
		if err == nil {
			t.Fatal("expected a non-nil unhealthy reason")
		}
	case <-time.After(time.Second):
		t.Fatal("expected onUnhealthy to fire after a malformed-frame streak")
	}
}

func TestReadLoopForwardsEventFrames(t *testing.T) {
	events := make(chan string, 1)
	ch, _, respWriter := newFakeChannel(t, nil, func(event string, payload json.RawMessage) {
		events <- event
	})
	_ = ch

	writeFrame(t, respWriter, NewEvent(EventReady, nil))

	select {
	case ev := <-events:
		if ev != EventReady {
			t.Fatalf("event = %q, want %q", ev, EventReady)
		}
	case <-time.After(time.Second):
		t.Fatal("expected onEvent to fire for a ready event frame")
	}
}
