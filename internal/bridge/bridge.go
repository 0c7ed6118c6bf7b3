// Package bridge connects one WebSocket to one PTY-backed process.
//
// A connection moves through Connecting → Bridged → Closed. The pane id is
// reserved in the registry before anything is spawned, so a second socket
// naming a live pane is rejected without starting a process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/choonkeat/termbridge/internal/agent"
	"github.com/choonkeat/termbridge/internal/clock"
	"github.com/choonkeat/termbridge/internal/idle"
	"github.com/choonkeat/termbridge/internal/observability"
	"github.com/choonkeat/termbridge/internal/pane"
	"github.com/choonkeat/termbridge/internal/protocol"
	"github.com/choonkeat/termbridge/internal/ptyproc"
	"github.com/choonkeat/termbridge/internal/screen"
)

// Environment variables set in every pane.
const (
	EnvPaneID   = "TERMBRIDGE_PANE_ID"
	EnvIdentity = "TERMBRIDGE_IDENTITY"
)

// Error codes carried by error frames.
const (
	CodeDuplicatePane = "duplicate_pane"
	CodeUnknownAgent  = "unknown_agent"
	CodeWorkdir       = "workdir"
	CodeSpawnFailed   = "spawn_failed"
)

const (
	DefaultTerminateGrace = 3 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// Spawner starts pane processes.
type Spawner interface {
	Spawn(ctx context.Context, spec ptyproc.Spec) (*ptyproc.Process, error)
}

// Config holds the tunables of a Handler.
type Config struct {
	TerminateGrace time.Duration
	IdentityHeader string
	Idle           idle.Config
	// Shell overrides $SHELL for plain-shell panes.
	Shell string
}

// Handler serves the terminal WebSocket endpoint.
type Handler struct {
	Registry *pane.Registry
	Workdirs WorkdirResolver
	Spawner  Spawner
	Clock    clock.Clock
	Config   Config

	// OnState, if set, receives every idle-state transition of every pane.
	OnState func(paneID string, state idle.State)

	agents   atomic.Pointer[agent.Table]
	upgrader websocket.Upgrader
}

// NewHandler returns a handler using the default agent table, home
// directory resolver and PTY spawner.
func NewHandler(registry *pane.Registry, cfg Config) *Handler {
	h := &Handler{
		Registry: registry,
		Workdirs: HomeWorkdir,
		Spawner:  ptyproc.Spawner{},
		Clock:    clock.Real(),
		Config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     IsLocalOrigin,
		},
	}
	h.agents.Store(agent.DefaultTable())
	return h
}

// SetAgents replaces the agent table used by new connections.
func (h *Handler) SetAgents(t *agent.Table) {
	if t != nil {
		h.agents.Store(t)
	}
}

// Agents returns the current agent table.
func (h *Handler) Agents() *agent.Table { return h.agents.Load() }

// TerminateGrace is the SIGTERM-to-SIGKILL delay used for this handler's panes.
func (h *Handler) TerminateGrace() time.Duration {
	if h.Config.TerminateGrace > 0 {
		return h.Config.TerminateGrace
	}
	return DefaultTerminateGrace
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := ParseParams(r, h.Config.IdentityHeader)
	logger := observability.FromContext(r.Context()).With(slog.String("pane.id", params.PaneID))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("websocket upgrade failed",
			slog.String("event.type", "bridge.upgrade"),
			slog.String("origin", r.Header.Get("Origin")),
			slog.Any("error", err),
		)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, span := observability.Tracer("termbridge/bridge").Start(r.Context(), "bridge.connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("pane.id", params.PaneID),
		attribute.String("pane.agent", params.Agent),
	)
	ctx = observability.WithLogger(ctx, logger)

	b := &bridge{h: h, conn: conn, params: params, logger: logger}
	if err := b.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// bridge is the state of one connection.
type bridge struct {
	h      *Handler
	conn   *websocket.Conn
	params Params
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (b *bridge) run(ctx context.Context) error {
	h := b.h
	id := b.params.PaneID

	cmd, err := h.Agents().Resolve(b.params.Agent, b.params.Session, h.Config.Shell)
	if err != nil {
		b.fail(CodeUnknownAgent, err)
		return err
	}

	workdirs := h.Workdirs
	if workdirs == nil {
		workdirs = HomeWorkdir
	}
	dir, err := workdirs.Workdir(ctx, id, b.params.Cwd)
	if err != nil {
		b.fail(CodeWorkdir, err)
		return err
	}

	sess := &pane.Session{
		ID:        id,
		Agent:     cmd.Agent,
		Dir:       dir,
		Identity:  b.params.Identity,
		CreatedAt: time.Now(),
		Screen:    screen.New(int(b.params.Cols), int(b.params.Rows)),
	}
	sess.Idle = idle.New(h.Config.Idle, h.Clock, func(s idle.State) {
		b.logger.Debug("pane state changed", slog.String("event.type", "idle.state"), slog.String("pane.state", string(s)))
		if h.OnState != nil {
			h.OnState(id, s)
		}
	})

	if err := h.Registry.Register(id, sess); err != nil {
		b.fail(CodeDuplicatePane, err)
		return err
	}

	proc, err := h.Spawner.Spawn(ctx, ptyproc.Spec{
		Command: cmd.Path,
		Args:    cmd.Args,
		Dir:     dir,
		Env:     []string{EnvPaneID + "=" + id, EnvIdentity + "=" + b.params.Identity},
		Cols:    b.params.Cols,
		Rows:    b.params.Rows,
	})
	if err != nil {
		h.Registry.Release(id)
		b.fail(CodeSpawnFailed, err)
		return err
	}
	sess.Attach(proc, b.conn)

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			sess.Idle.Disconnect()
			h.Registry.Release(id)
		})
	}
	defer release()

	b.logger.Info("pane bridged",
		slog.String("event.type", "bridge.ready"),
		slog.String("pane.agent", cmd.Agent),
		slog.String("pane.resumed", cmd.Resumed),
		slog.String("pane.dir", dir),
		slog.Int("pty.pid", proc.Pid()),
	)
	b.writeJSON(protocol.Ready(id, cmd.Agent, proc.Pid()))
	sess.Idle.Connect()

	socketDone := make(chan struct{})
	go b.readLoop(proc, sess, socketDone)
	stopPing := make(chan struct{})
	defer close(stopPing)
	go b.pingLoop(stopPing)

	closed := socketDone
	for {
		select {
		case ev, ok := <-proc.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case ptyproc.EventData:
				sess.Screen.Write(ev.Data)
				b.writeMessage(websocket.BinaryMessage, ev.Data)
				sess.Idle.Output()
			case ptyproc.EventExit:
				b.finish(ev.ExitCode, closed == nil)
				<-socketDone
				release()
				return nil
			}
		case <-closed:
			closed = nil
			b.logger.Info("socket closed, terminating pane",
				slog.String("event.type", "bridge.disconnect"),
				slog.Duration("pty.grace", h.TerminateGrace()),
			)
			proc.Terminate(h.TerminateGrace())
		}
	}
}

// readLoop delivers client frames to the process until the socket fails.
func (b *bridge) readLoop(proc *ptyproc.Process, sess *pane.Session, done chan<- struct{}) {
	defer close(done)

	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("socket read ended", slog.String("event.type", "bridge.read"), slog.Any("error", err))
			}
			return
		}

		var frame protocol.Frame
		switch messageType {
		case websocket.BinaryMessage:
			frame = protocol.DecodeBinary(data)
		case websocket.TextMessage:
			frame, err = protocol.DecodeText(data)
			var te *protocol.TransportError
			if errors.As(err, &te) {
				b.logger.Warn("malformed control frame passed through as input",
					slog.String("event.type", "bridge.transport_error"),
					slog.Int("frame.bytes", len(te.Payload)),
					slog.Any("error", te.Err),
				)
			}
		default:
			continue
		}

		switch frame.Kind {
		case protocol.KindData:
			if len(frame.Data) == 0 {
				continue
			}
			proc.Write(frame.Data)
			sess.Idle.Keystroke()
		case protocol.KindResize:
			cols, rows := clampDimension(int(frame.Cols)), clampDimension(int(frame.Rows))
			proc.Resize(cols, rows)
			sess.Screen.Resize(int(cols), int(rows))
		case protocol.KindPing:
			b.writeJSON(protocol.Pong(frame.Echo))
		}
	}
}

func (b *bridge) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// finish reports the exit to a still-open socket and closes it.
func (b *bridge) finish(exitCode int, socketGone bool) {
	b.logger.Info("pane exited",
		slog.String("event.type", "bridge.exit"),
		slog.Int("pty.exit_code", exitCode),
		slog.Bool("socket.open", !socketGone),
	)
	if !socketGone {
		b.writeJSON(protocol.Exit(exitCode))
	}
	b.close(websocket.CloseNormalClosure, "process exited")
}

// fail sends an error frame and closes the socket. Used before Bridged.
func (b *bridge) fail(code string, err error) {
	b.logger.Warn("pane connection rejected",
		slog.String("event.type", "bridge.error"),
		slog.String("error.code", code),
		slog.Any("error", err),
	)
	b.writeJSON(protocol.Error(code, err.Error()))
	b.close(websocket.ClosePolicyViolation, code)
}

func (b *bridge) close(code int, reason string) {
	b.closeOnce.Do(func() {
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = b.conn.Close()
	})
}

func (b *bridge) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encode control frame", slog.Any("error", err))
		return
	}
	b.writeMessage(websocket.TextMessage, data)
}

// writeMessage serialises socket writes; gorilla connections allow one
// concurrent writer. Failures mean the peer is gone and are dropped.
func (b *bridge) writeMessage(messageType int, data []byte) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(messageType, data); err != nil {
		b.logger.Debug("socket write dropped", slog.String("event.type", "bridge.write"), slog.Any("error", err))
	}
}
