// Package daemon serves client connections on the daemon socket.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	controller "github.com/uber/warmlsp/src/warmlsp/controller/daemon"
	lspsession "github.com/uber/warmlsp/src/warmlsp/controller/lsp-session"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/socketfx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_maxRequestBytes = 1 << 20
	_readTimeout     = 10 * time.Second
)

// Handler serves the connections accepted by the socket module.
type Handler interface {
	socketfx.ConnectionHandler
}

// Params are inbound parameters to initialize a new handler.
type Params struct {
	fx.In

	Controller controller.Controller
	Socket     socketfx.SocketModule
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type handler struct {
	ctrl   controller.Controller
	logger *zap.SugaredLogger

	accepted       tally.Counter
	protocolErrors tally.Counter
	dropped        tally.Counter
	panics         tally.Counter
	duration       tally.Timer
}

// New constructs the connection handler and registers it with the socket module.
func New(p Params) (Handler, error) {
	stats := p.Stats.SubScope("connections")
	h := &handler{
		ctrl:           p.Controller,
		logger:         p.Logger.With("component", "connections"),
		accepted:       stats.Counter("accepted"),
		protocolErrors: stats.Counter("protocol_errors"),
		dropped:        stats.Counter("dropped"),
		panics:         stats.Counter("panics"),
		duration:       stats.Timer("duration"),
	}
	if err := p.Socket.RegisterConnectionHandler(h); err != nil {
		return nil, fmt.Errorf("registering connection handler: %w", err)
	}
	return h, nil
}

// ServeConn reads one request from conn, dispatches it and writes the response frames.
// The round trip to the language server is not cancelled if the client goes away.
func (h *handler) ServeConn(ctx context.Context, conn net.Conn) {
	h.accepted.Inc(1)
	defer h.duration.Start().Stop()

	id, err := uuid.NewV4()
	if err != nil {
		h.logger.Warnw("generating connection id", "error", err)
	}
	c := &connection{
		conn:   conn,
		logger: h.logger.With("conn", id.String()),
		state:  StateAccepted,
	}
	defer c.close()

	c.transition(StateReading)
	req, err := readRequest(conn)
	if err != nil {
		h.protocolErrors.Inc(1)
		c.logger.Infow("rejecting request", "error", err)
		c.writeTerminal(entity.ErrorFrame(string(errors.KindProtocol), err.Error()))
		return
	}

	c.logger.Debugw("dispatching", "action", req.Action, "projectRoot", req.ProjectRoot, "args", req.Args)
	c.transition(StateDispatched)

	dctx := context.WithoutCancel(ctx)
	if req.Verbose {
		dctx = lspsession.WithReporter(dctx, c.writeLog)
	}
	frame := h.dispatch(dctx, c, req)
	if !c.writeTerminal(frame) {
		h.dropped.Inc(1)
	}
}

// dispatch answers a panic while serving req with an INTERNAL_ERROR frame.
func (h *handler) dispatch(ctx context.Context, c *connection, req entity.Request) (frame entity.Frame) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Inc(1)
			c.logger.Errorw("panic while serving request", "action", req.Action, "panic", r, zap.Stack("stack"))
			frame = entity.ErrorFrame(string(errors.KindInternal), fmt.Sprintf("internal error: %v", r))
		}
	}()
	return h.ctrl.Dispatch(ctx, req)
}

func readRequest(conn net.Conn) (entity.Request, error) {
	var req entity.Request
	if err := conn.SetReadDeadline(time.Now().Add(_readTimeout)); err != nil {
		return req, fmt.Errorf("setting read deadline: %w", err)
	}
	dec := json.NewDecoder(io.LimitReader(conn, _maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("reading request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// State is the position of a connection in its lifecycle.
type State int

// A connection moves ACCEPTED -> READING -> DISPATCHED -> STREAMING -> CLOSED.
// A request that cannot be read goes from READING to CLOSED.
const (
	StateAccepted State = iota
	StateReading
	StateDispatched
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateReading:
		return "READING"
	case StateDispatched:
		return "DISPATCHED"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type connection struct {
	conn   net.Conn
	logger *zap.SugaredLogger

	mu     sync.Mutex
	state  State
	broken bool
}

func (c *connection) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(to)
}

// setState must be called with mu held.
func (c *connection) setState(to State) {
	c.logger.Debugw("connection state", "from", c.state, "to", to)
	c.state = to
}

// writeLog streams a log frame. Lines produced before dispatch or after the terminal frame are dropped.
func (c *connection) writeLog(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDispatched && c.state != StateStreaming {
		return
	}
	if c.state == StateDispatched {
		c.setState(StateStreaming)
	}
	c.write(entity.LogFrame(line))
}

// writeTerminal writes the final frame and reports whether the client received it.
func (c *connection) writeTerminal(frame entity.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDispatched {
		c.setState(StateStreaming)
	}
	ok := c.write(frame)
	c.setState(StateClosed)
	return ok
}

// write must be called with mu held.
func (c *connection) write(frame entity.Frame) bool {
	if c.broken {
		return false
	}
	b, err := json.Marshal(frame)
	if err != nil {
		c.logger.Errorw("encoding frame", "type", frame.Type, "error", err)
		b, _ = json.Marshal(entity.ErrorFrame(string(errors.KindInternal), err.Error()))
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		c.broken = true
		c.logger.Infow("client went away", "error", err)
		return false
	}
	return true
}

func (c *connection) close() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.setState(StateClosed)
	}
	c.mu.Unlock()
	if err := c.conn.Close(); err != nil {
		c.logger.Debugw("closing connection", "error", err)
	}
}
