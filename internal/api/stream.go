package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coderunner/internal/auth"
	"coderunner/internal/monitor"
	"coderunner/internal/run"
	"coderunner/internal/supervisor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errRunInProgress = errors.New("a run is already in progress")

// originChecker accepts requests without an Origin header and, when allowed
// is non-empty, only the listed browser origins.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleStream upgrades to a websocket and serves the streaming protocol
// until the client disconnects.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.supervisor == nil {
		writeError(w, "supervisor unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &streamConn{
		h:         h,
		ws:        ws,
		principal: PrincipalFromContext(r.Context()),
		remote:    r.RemoteAddr,
		cancel:    cancel,
		logger: log.With().
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Logger(),
	}

	h.track(c, true)
	defer h.track(c, false)
	h.metrics.StreamClients.Inc()
	defer h.metrics.StreamClients.Dec()

	c.serve(ctx)
}

func (h *Handlers) track(c *streamConn, add bool) {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	if add {
		h.streams[c] = struct{}{}
	} else {
		delete(h.streams, c)
	}
}

// CloseStreams cancels every connection's active run and closes the
// connections. http.Server.Shutdown does not reach hijacked connections.
func (h *Handlers) CloseStreams() {
	h.streamsMu.Lock()
	conns := make([]*streamConn, 0, len(h.streams))
	for c := range h.streams {
		conns = append(conns, c)
	}
	h.streamsMu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// streamConn is one websocket client. The read loop owns principal; writes
// from run goroutines are serialized by writeMu.
type streamConn struct {
	h         *Handlers
	ws        *websocket.Conn
	principal auth.Principal
	remote    string
	logger    zerolog.Logger
	cancel    context.CancelFunc

	writeMu sync.Mutex
	broken  bool

	mu     sync.Mutex
	active *activeRun
	runs   sync.WaitGroup
}

type activeRun struct {
	cancel context.CancelFunc
}

func (c *streamConn) serve(ctx context.Context) {
	defer func() {
		c.cancelActive()
		c.runs.Wait()
		_ = c.ws.Close()
		c.logger.Debug().Msg("stream closed")
	}()

	c.ws.SetReadLimit(c.h.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.keepalive(ctx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("stream read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(ServerMessage{Type: MsgError, Content: "invalid message: " + err.Error()})
			continue
		}

		switch msg.Type {
		case MsgAuth:
			c.authenticate(ctx, msg.Token)
		case MsgRun:
			c.startRun(ctx, msg)
		case MsgCancel:
			if !c.cancelActive() {
				c.send(ServerMessage{Type: MsgError, Content: "no run in progress"})
			}
		default:
			c.send(ServerMessage{Type: MsgError, Content: "unknown message type: " + msg.Type})
		}
	}
}

func (c *streamConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// authenticate switches the principal used by subsequent runs. An invalid
// token downgrades the connection to guest.
func (c *streamConn) authenticate(ctx context.Context, token string) {
	p, ok := c.h.verifier.VerifyPrincipal(ctx, token)
	if !ok {
		p = auth.Guest
	}
	c.principal = p
	c.logger.Debug().Str("principal", p.String()).Msg("stream authenticated")
	c.send(ServerMessage{Type: MsgAuth, Principal: p.String()})
}

func (c *streamConn) startRun(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		c.send(ServerMessage{Type: MsgError, Content: errRunInProgress.Error()})
		c.send(completeMessage("", 0, nil, ""))
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a := &activeRun{cancel: cancel}
	c.active = a
	c.runs.Add(1)
	c.mu.Unlock()

	req := supervisor.Request{
		Code:      msg.Code,
		Language:  msg.Language,
		FileName:  msg.FileName,
		Principal: string(c.principal),
	}
	go func() {
		defer c.runs.Done()
		defer cancel()
		defer c.release(a)
		c.h.supervise(runCtx, req, c, a)
	}()
}

// release frees the run slot if a still holds it. It runs before the
// complete message goes out so a client may start its next run on receipt.
func (c *streamConn) release(a *activeRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == a {
		c.active = nil
	}
}

func (c *streamConn) cancelActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return false
	}
	c.active.cancel()
	return true
}

// send writes msg, giving up on the connection after the first failed write.
func (c *streamConn) send(msg ServerMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.broken {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.broken = true
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("stream write failed")
	}
}

func (c *streamConn) close(code int, reason string) {
	c.cancelActive()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.cancel()
	_ = c.ws.Close()
}

// supervise runs req and forwards its events to c.
func (h *Handlers) supervise(ctx context.Context, req supervisor.Request, c *streamConn, a *activeRun) {
	principal := auth.Principal(req.Principal)
	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	detections := h.detector.AnalyzeCode(req.Code)

	ctx, span := h.tracer.StartSpan(ctx, "supervise",
		monitor.AttrEngine.String(engineSupervisor),
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrPrincipal.String(principal.String()),
	)
	defer span.End()

	sink := supervisor.SinkFunc(func(e supervisor.Event) {
		if e.Kind == supervisor.EventComplete {
			c.release(a)
		}
		c.send(eventMessage(e))
	})

	h.metrics.ActiveRuns.WithLabelValues(engineSupervisor).Inc()
	rn, err := h.supervisor.Run(ctx, req, sink)
	h.metrics.ActiveRuns.WithLabelValues(engineSupervisor).Dec()

	switch {
	case errors.Is(err, supervisor.ErrSpawn):
		h.metrics.RecordError("spawn_failed")
	case supervisor.IsTimeout(err):
		h.metrics.RecordError("timeout")
	case rn == nil && err != nil:
		h.metrics.RecordError("rejected")
	}
	if err != nil {
		span.RecordError(err)
	}
	if rn == nil {
		return
	}

	outcome := rn.Outcome()
	lines := rn.Lines()
	h.metrics.RecordRun(engineSupervisor, string(outcome.Kind), rn.Duration().Seconds(), len(lines))
	span.SetAttributes(
		monitor.AttrRunID.String(rn.ID),
		monitor.AttrOutcome.String(string(outcome.Kind)),
		monitor.AttrExitCode.Int(outcome.ExitCode),
		monitor.AttrDurationMS.Int64(rn.Duration().Milliseconds()),
	)

	detections = append(detections, h.detector.AnalyzeOutput(joinLines(lines))...)
	h.recordDetections(ctx, rn.ID, detections)

	fileName := req.FileName
	if fileName == "" {
		fileName = supervisor.DefaultFileName
	}
	h.logAudit(rn, engineSupervisor, principal, fileName, outcome.ExitCode, len(detections), c.remote)
}

// eventMessage maps a supervisor event onto the wire format.
func eventMessage(e supervisor.Event) ServerMessage {
	switch e.Kind {
	case supervisor.EventInfo:
		return ServerMessage{Type: MsgInfo, RunID: e.RunID, Content: e.Text}
	case supervisor.EventOutput:
		if e.Stream == run.Stderr {
			return ServerMessage{Type: MsgError, RunID: e.RunID, Content: e.Text}
		}
		return ServerMessage{Type: MsgLog, RunID: e.RunID, Content: e.Text}
	case supervisor.EventComplete:
		var exit *int
		if e.RunID != "" {
			code := e.ExitCode
			exit = &code
		}
		return completeMessage(e.RunID, e.ExecutionTime.Milliseconds(), exit, e.Warning)
	default:
		return ServerMessage{Type: MsgError, RunID: e.RunID, Content: e.Text}
	}
}

func completeMessage(runID string, ms int64, exitCode *int, warning string) ServerMessage {
	return ServerMessage{
		Type:            MsgComplete,
		RunID:           runID,
		ExecutionTimeMs: &ms,
		ExitCode:        exitCode,
		Warning:         warning,
	}
}
