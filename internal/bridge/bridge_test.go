package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/choonkeat/termbridge/internal/agent"
	"github.com/choonkeat/termbridge/internal/clock"
	"github.com/choonkeat/termbridge/internal/idle"
	"github.com/choonkeat/termbridge/internal/pane"
	"github.com/choonkeat/termbridge/internal/protocol"
	"github.com/choonkeat/termbridge/internal/ptyproc"
)

type countingSpawner struct {
	spawns atomic.Int32
	ptyproc.Spawner
}

func (s *countingSpawner) Spawn(ctx context.Context, spec ptyproc.Spec) (*ptyproc.Process, error) {
	s.spawns.Add(1)
	return s.Spawner.Spawn(ctx, spec)
}

type testEnv struct {
	server   *httptest.Server
	handler  *Handler
	registry *pane.Registry
	spawner  *countingSpawner
	releases atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	env := &testEnv{registry: pane.NewRegistry(), spawner: &countingSpawner{}}
	env.registry.OnRelease = func(string) { env.releases.Add(1) }

	env.handler = NewHandler(env.registry, Config{TerminateGrace: time.Second, Shell: "/bin/sh"})
	env.handler.Spawner = env.spawner
	env.handler.SetAgents(agent.DefaultTable().With(
		agent.Agent{Name: "echo", Command: "sh", Args: []string{"-c", "printf hello; exit 3"}},
		agent.Agent{Name: "env", Command: "sh", Args: []string{"-c", `printf '%s|%s' "$TERMBRIDGE_PANE_ID" "$TERMBRIDGE_IDENTITY"`}},
		agent.Agent{Name: "cat", Command: "cat"},
		agent.Agent{Name: "sleep", Command: "sh", Args: []string{"-c", "sleep 30"}},
		agent.Agent{Name: "size", Command: "sh", Args: []string{"-c", "read line; stty size"}},
	))

	env.server = httptest.NewServer(env.handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, query url.Values, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dialRaw(query, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) dialRaw(query url.Values, header http.Header) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + query.Encode()
	return websocket.DefaultDialer.Dial(u, header)
}

func (e *testEnv) waitEmpty(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still holds %d panes", e.registry.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// transcript is everything a client received, in order.
type transcript struct {
	output   strings.Builder
	messages []protocol.ServerMessage
	// order records "text:<type>" and "binary" entries.
	order []string
}

func (tr *transcript) count(kind protocol.Kind) int {
	n := 0
	for _, m := range tr.messages {
		if m.Type == kind {
			n++
		}
	}
	return n
}

// readAll reads until the server closes the socket.
func readAll(t *testing.T, conn *websocket.Conn) *transcript {
	t.Helper()
	tr := &transcript{}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("timed out waiting for close; got %q", tr.order)
			}
			return tr
		}
		if messageType == websocket.BinaryMessage {
			tr.output.Write(data)
			tr.order = append(tr.order, "binary")
			continue
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("server sent non-JSON text %q", data)
		}
		tr.messages = append(tr.messages, msg)
		tr.order = append(tr.order, "text:"+string(msg.Type))
	}
}

// waitReady reads the first message and requires it to be ready.
func waitReady(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	var msg protocol.ServerMessage
	if messageType != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Type != protocol.KindReady {
		t.Fatalf("first message = %q, want ready frame", data)
	}
	return msg
}

func TestReadyThenOutputThenExit(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"pane": {"p1"}, "agent": {"echo"}, "session": {"new"}}, nil)

	tr := readAll(t, conn)

	if len(tr.order) == 0 || tr.order[0] != "text:ready" {
		t.Fatalf("first message = %v, want ready", tr.order)
	}
	if tr.messages[0].PaneID != "p1" || tr.messages[0].Agent != "echo" || tr.messages[0].Pid == 0 {
		t.Errorf("ready = %+v", tr.messages[0])
	}
	if !strings.Contains(tr.output.String(), "hello") {
		t.Errorf("output = %q, want hello", tr.output.String())
	}
	if got := tr.count(protocol.KindExit); got != 1 {
		t.Fatalf("exit frames = %d, want 1", got)
	}
	if last := tr.messages[len(tr.messages)-1]; last.Type != protocol.KindExit || last.ExitCode != 3 {
		t.Errorf("last message = %+v, want exit 3", last)
	}

	env.waitEmpty(t)
	if got := env.releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1", got)
	}
}

func TestDuplicatePaneIsRejected(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, url.Values{"pane": {"dup"}, "agent": {"sleep"}, "session": {"new"}}, nil)
	waitReady(t, first)

	second := env.dial(t, url.Values{"pane": {"dup"}, "agent": {"echo"}, "session": {"new"}}, nil)
	tr := readAll(t, second)

	if len(tr.messages) != 1 || tr.messages[0].Type != protocol.KindError || tr.messages[0].Code != CodeDuplicatePane {
		t.Fatalf("second connection got %+v, want one duplicate_pane error", tr.messages)
	}
	if got := env.spawner.spawns.Load(); got != 1 {
		t.Errorf("spawns = %d, want 1", got)
	}
	if _, ok := env.registry.Acquire("dup"); !ok {
		t.Error("first session was displaced")
	}

	first.Close()
	env.waitEmpty(t)
}

func TestSocketCloseTerminatesProcess(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"pane": {"bye"}, "agent": {"sleep"}, "session": {"new"}}, nil)
	waitReady(t, conn)

	sess, ok := env.registry.Acquire("bye")
	if !ok || sess.Process() == nil {
		t.Fatal("pane not registered after ready")
	}

	conn.Close()
	env.waitEmpty(t)
	if got := env.releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1", got)
	}
}

func TestExitRacingSocketCloseReleasesOnce(t *testing.T) {
	env := newTestEnv(t)
	const panes = 30

	for i := 0; i < panes; i++ {
		conn, _, err := env.dialRaw(url.Values{"pane": {fmt.Sprintf("race-%d", i)}, "agent": {"echo"}, "session": {"new"}}, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		waitReady(t, conn)

		exits := make(chan int, 1)
		go func() {
			n := 0
			for {
				messageType, data, err := conn.ReadMessage()
				if err != nil {
					exits <- n
					return
				}
				var msg protocol.ServerMessage
				if messageType == websocket.TextMessage && json.Unmarshal(data, &msg) == nil && msg.Type == protocol.KindExit {
					n++
				}
			}
		}()

		// The agent exits immediately; close from the client side at the
		// same time.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()

		if n := <-exits; n > 1 {
			t.Errorf("pane %d: %d exit frames, want at most 1", i, n)
		}
	}

	env.waitEmpty(t)
	if got := env.releases.Load(); got != panes {
		t.Errorf("releases = %d, want %d", got, panes)
	}
	if got := env.spawner.spawns.Load(); got != panes {
		t.Errorf("spawns = %d, want %d", got, panes)
	}
}

func TestSpawnFailureSendsErrorAndReleases(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"pane": {"bad"}, "cwd": {"/nonexistent/termbridge"}}, nil)

	tr := readAll(t, conn)
	if len(tr.messages) != 1 || tr.messages[0].Code != CodeSpawnFailed {
		t.Fatalf("messages = %+v, want spawn_failed error", tr.messages)
	}
	if !strings.Contains(tr.messages[0].Message, "/nonexistent/termbridge") {
		t.Errorf("error message %q does not name the directory", tr.messages[0].Message)
	}
	if env.registry.Len() != 0 {
		t.Error("failed spawn left a registry entry")
	}
}

func TestUnknownAgentIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"pane": {"x"}, "agent": {"cursor"}, "session": {"new"}}, nil)

	tr := readAll(t, conn)
	if len(tr.messages) != 1 || tr.messages[0].Code != CodeUnknownAgent {
		t.Fatalf("messages = %+v, want unknown_agent error", tr.messages)
	}
	if got := env.spawner.spawns.Load(); got != 0 {
		t.Errorf("spawns = %d, want 0", got)
	}
}

func TestEnvironmentCarriesPaneAndIdentity(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{DefaultIdentityHeader: {"alice"}}
	conn := env.dial(t, url.Values{"pane": {"p-env"}, "agent": {"env"}, "session": {"new"}, "token": {"opaque"}}, header)

	tr := readAll(t, conn)
	if !strings.Contains(tr.output.String(), "p-env|alice") {
		t.Errorf("output = %q, want pane id and identity", tr.output.String())
	}
}

func TestMalformedTextIsPassedThrough(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"agent": {"cat"}, "session": {"new"}}, nil)
	waitReady(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json\r")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"data","data":"\u0004"}`)); err != nil {
		t.Fatal(err)
	}

	tr := readAll(t, conn)
	if !strings.Contains(tr.output.String(), "not json") {
		t.Errorf("output = %q, want raw payload echoed", tr.output.String())
	}
	if tr.count(protocol.KindExit) != 1 {
		t.Errorf("messages = %+v, want exit", tr.messages)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"agent": {"cat"}, "session": {"new"}}, nil)
	waitReady(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","echo":{"n":7}}`)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no pong: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var pong protocol.PongMessage
		if err := json.Unmarshal(data, &pong); err != nil {
			t.Fatal(err)
		}
		if pong.Type != protocol.KindPong {
			continue
		}
		if string(pong.Echo) != `{"n":7}` {
			t.Errorf("echo = %s", pong.Echo)
		}
		break
	}

	conn.Close()
	env.waitEmpty(t)
}

func TestResizeReachesProcess(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, url.Values{"pane": {"sz"}, "agent": {"size"}, "session": {"new"}}, nil)
	waitReady(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeResize(100, 40)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("\r")); err != nil {
		t.Fatal(err)
	}

	tr := readAll(t, conn)
	if !strings.Contains(tr.output.String(), "40 100") {
		t.Errorf("output = %q, want stty size 40 100", tr.output.String())
	}
}

func TestOriginCheck(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dialRaw(url.Values{"agent": {"cat"}}, http.Header{"Origin": {"http://evil.example"}})
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("foreign origin: err = %v, want bad handshake", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if env.spawner.spawns.Load() != 0 {
		t.Error("rejected origin spawned a process")
	}

	conn := env.dial(t, url.Values{"agent": {"cat"}, "session": {"new"}}, http.Header{"Origin": {"http://localhost:3000"}})
	waitReady(t, conn)
	conn.Close()
	env.waitEmpty(t)
}

func TestIdleStateIsReported(t *testing.T) {
	env := newTestEnv(t)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	env.handler.Clock = clk

	var mu sync.Mutex
	var states []idle.State
	env.handler.OnState = func(id string, s idle.State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}
	last := func() idle.State {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 {
			return ""
		}
		return states[len(states)-1]
	}

	conn := env.dial(t, url.Values{"pane": {"st"}, "agent": {"cat"}, "session": {"new"}}, nil)
	waitReady(t, conn)
	waitFor(t, "initializing state", func() bool { return last() == idle.Initializing })
	waitFor(t, "grace timer", func() bool { return clk.Pending() == 1 })

	clk.Advance(idle.DefaultGrace + idle.DefaultIdleTimeout)
	if got := last(); got != idle.Idle {
		t.Fatalf("state after quiet grace = %q, want idle", got)
	}
	sess, _ := env.registry.Acquire("st")
	if got := sess.Info().State; got != string(idle.Idle) {
		t.Errorf("Info().State = %q", got)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("x")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "busy state", func() bool { return last() == idle.Busy })

	conn.Close()
	env.waitEmpty(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
