// Package lspclient speaks the language server protocol to one language server process.
package lspclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

const _methodCancelRequest = "$/cancelRequest"

// NotificationHandler receives notifications sent by the server.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Client correlates requests and responses on one jsonrpc2 stream.
type Client struct {
	stream  jsonrpc2.Stream
	handler NotificationHandler
	logger  *zap.SugaredLogger
	timeout time.Duration

	protocolErrors tally.Counter
	timeouts       tally.Counter
	handlerPanics  tally.Counter

	nextID  atomic.Int32
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[jsonrpc2.ID]*pendingRequest
	err     error // set once the client stops; returned to every later call

	done chan struct{}
}

type pendingRequest struct {
	id        jsonrpc2.ID
	method    string
	createdAt time.Time
	ch        chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Options configures a Client.
type Options struct {
	Handler NotificationHandler
	Logger  *zap.SugaredLogger
	Scope   tally.Scope
	// Timeout bounds every request. Zero disables the bound.
	Timeout time.Duration
}

// New starts reading from stream. The client owns the stream and closes it when it stops.
func New(stream jsonrpc2.Stream, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	c := &Client{
		stream:         stream,
		handler:        opts.Handler,
		logger:         opts.Logger,
		timeout:        opts.Timeout,
		protocolErrors: opts.Scope.Counter("protocol_errors"),
		timeouts:       opts.Scope.Counter("request_timeouts"),
		handlerPanics:  opts.Scope.Counter("handler_panics"),
		pending:        make(map[jsonrpc2.ID]*pendingRequest),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response, decoding the result into result when it is non-nil.
// It returns the raw result so callers can inspect empty answers.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) (json.RawMessage, error) {
	id := jsonrpc2.NewNumberID(c.nextID.Add(1))
	call, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, fmt.Sprintf("encoding %s", method))
	}

	p := &pendingRequest{id: id, method: method, createdAt: time.Now(), ch: make(chan callResult, 1)}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(ctx, call); err != nil {
		c.remove(id)
		return nil, c.writeError(err)
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if result != nil && !mapper.IsEmptyResult(res.result) {
			if err := json.Unmarshal(res.result, result); err != nil {
				return nil, errors.Wrap(errors.KindProtocol, err, fmt.Sprintf("decoding %s result", method))
			}
		}
		return res.result, nil
	case <-timeout:
		c.abandon(p)
		c.timeouts.Inc(1)
		return nil, errors.Wrap(errors.KindRequestTimeout, errors.ErrRequestTimeout, fmt.Sprintf("%s after %s", method, c.timeout))
	case <-ctx.Done():
		c.abandon(p)
		return nil, ctx.Err()
	}
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	if err := c.Err(); err != nil {
		return err
	}
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, fmt.Sprintf("encoding %s", method))
	}
	if err := c.write(ctx, n); err != nil {
		return c.writeError(err)
	}
	return nil
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the client has stopped and every pending request has been settled.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the client deliberately. Pending requests fail with SESSION_STOPPING.
func (c *Client) Close() error {
	c.stop(errors.ErrSessionStopping)
	<-c.done
	return nil
}

// Abort stops the client because the server went away. Pending requests fail with SESSION_CRASHED.
func (c *Client) Abort(cause error) {
	c.stop(errors.Wrap(errors.KindSessionCrashed, crashCause(cause), errors.ErrSessionCrashed.Message))
	<-c.done
}

func crashCause(cause error) error {
	if cause == nil {
		return errors.ErrSessionCrashed
	}
	return cause
}

// stop records the first reason, settles every pending request with it and closes the stream.
// The read loop closes done once it observes the closed stream.
func (c *Client) stop(reason error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	pending := c.pending
	c.pending = make(map[jsonrpc2.ID]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- callResult{err: reason}
	}
	if err := c.stream.Close(); err != nil {
		c.logger.Debugw("closing stream", "error", err)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()

	for {
		msg, _, err := c.stream.Read(ctx)
		if err != nil {
			if isRecoverable(err) {
				c.protocolErrors.Inc(1)
				c.logger.Warnw("dropping malformed message from language server", "error", err)
				continue
			}
			if !stderrors.Is(err, io.EOF) {
				c.logger.Infow("language server stream ended", "error", err)
			}
			c.stop(errors.Wrap(errors.KindSessionCrashed, err, errors.ErrSessionCrashed.Message))
			return
		}

		switch m := msg.(type) {
		case *jsonrpc2.Response:
			c.resolve(m)
		case *jsonrpc2.Notification:
			c.notify(ctx, m)
		case *jsonrpc2.Call:
			go c.answer(ctx, m)
		}
	}
}

func (c *Client) notify(ctx context.Context, n *jsonrpc2.Notification) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.handlerPanics.Inc(1)
			c.logger.Errorw("notification handler panicked", "method", n.Method(), "panic", r, zap.Stack("stack"))
		}
	}()
	c.handler.HandleNotification(ctx, n.Method(), n.Params())
}

// isRecoverable reports whether the stream is still in sync after err.
// A body that fails to decode has been consumed in full; header errors and I/O errors lose sync.
func isRecoverable(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) || stderrors.Is(err, jsonrpc2.ErrInvalidRequest)
}

func (c *Client) resolve(resp *jsonrpc2.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID()]
	if ok {
		delete(c.pending, resp.ID())
	}
	c.mu.Unlock()

	if !ok {
		// Late answers to timed out or cancelled requests land here.
		c.logger.Debugw("response for unknown request", "id", resp.ID())
		return
	}

	if err := resp.Err(); err != nil {
		p.ch <- callResult{err: errors.Wrap(errors.KindInternal, err, fmt.Sprintf("language server failed %s", p.method))}
		return
	}
	p.ch <- callResult{result: resp.Result()}
}

// answer replies to requests the server sends so that it never blocks waiting on the client.
func (c *Client) answer(ctx context.Context, call *jsonrpc2.Call) {
	var result interface{}
	var replyErr error

	switch call.Method() {
	case protocol.MethodWorkspaceConfiguration:
		var params mapper.ConfigurationParams
		if err := json.Unmarshal(call.Params(), &params); err != nil {
			replyErr = jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
			break
		}
		result = make([]interface{}, len(params.Items))
	case protocol.MethodWorkDoneProgressCreate,
		protocol.MethodClientRegisterCapability,
		protocol.MethodClientUnregisterCapability,
		protocol.MethodWindowShowMessageRequest:
		result = nil
	default:
		replyErr = jsonrpc2.NewError(jsonrpc2.MethodNotFound, fmt.Sprintf("method not found: %s", call.Method()))
	}

	resp, err := jsonrpc2.NewResponse(call.ID(), result, replyErr)
	if err != nil {
		c.logger.Warnw("encoding reply", "method", call.Method(), "error", err)
		return
	}
	if err := c.write(ctx, resp); err != nil {
		c.logger.Debugw("replying to server request", "method", call.Method(), "error", err)
	}
}

// abandon forgets a request that will not be waited on and asks the server to cancel it.
func (c *Client) abandon(p *pendingRequest) {
	if !c.remove(p.id) {
		return
	}
	c.logger.Infow("abandoning request", "method", p.method, "id", p.id, "age", time.Since(p.createdAt))
	if err := c.Notify(context.Background(), _methodCancelRequest, map[string]interface{}{"id": p.id}); err != nil {
		c.logger.Debugw("sending cancel", "error", err)
	}
}

func (c *Client) remove(id jsonrpc2.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

func (c *Client) write(ctx context.Context, msg jsonrpc2.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stream.Write(ctx, msg)
	return err
}

// writeError reports a failed write, preferring the reason the client stopped.
func (c *Client) writeError(err error) error {
	if stopped := c.Err(); stopped != nil {
		return stopped
	}
	return errors.Wrap(errors.KindSessionCrashed, err, "writing to language server")
}
