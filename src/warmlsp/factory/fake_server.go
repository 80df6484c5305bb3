package factory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// HandlerFunc answers one request or observes one notification sent to a FakeServer.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Message is a request or notification received by a FakeServer.
type Message struct {
	Method       string
	Params       json.RawMessage
	Notification bool
}

// FakeServer is an in-process language server speaking Content-Length framed JSON-RPC.
type FakeServer struct {
	mu           sync.Mutex
	cond         *sync.Cond
	handlers     map[string]HandlerFunc
	received     []Message
	delays       map[string]time.Duration
	reverseCount int
	held         []*jsonrpc2.Call
	nextID       int32
	waiting      map[jsonrpc2.ID]chan *jsonrpc2.Response

	conn    io.ReadWriteCloser
	stream  jsonrpc2.Stream
	writeMu sync.Mutex
	exited  chan struct{}
	exitErr error
	once    sync.Once
}

// DefaultCapabilities are returned from initialize unless overridden.
func DefaultCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"textDocumentSync":        map[string]interface{}{"openClose": true, "change": 2},
		"definitionProvider":      true,
		"typeDefinitionProvider":  true,
		"implementationProvider":  true,
		"referencesProvider":      true,
		"hoverProvider":           true,
		"documentSymbolProvider":  true,
		"workspaceSymbolProvider": true,
	}
}

// NewFakeServer creates a server answering initialize and shutdown.
func NewFakeServer() *FakeServer {
	s := &FakeServer{
		handlers: make(map[string]HandlerFunc),
		delays:   make(map[string]time.Duration),
		waiting:  make(map[jsonrpc2.ID]chan *jsonrpc2.Response),
		exited:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.SetCapabilities(DefaultCapabilities())
	s.Handle(protocol.MethodShutdown, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	return s
}

// SetCapabilities replaces the capabilities returned from initialize.
func (s *FakeServer) SetCapabilities(capabilities map[string]interface{}) {
	s.Handle(protocol.MethodInitialize, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"capabilities": capabilities}, nil
	})
}

// Handle registers h for method, replacing any previous handler.
func (s *FakeServer) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Delay holds every response to method for d.
func (s *FakeServer) Delay(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[method] = d
}

// ReverseNext holds the next n requests (other than lifecycle requests) and answers them in reverse order of arrival.
func (s *FakeServer) ReverseNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverseCount = n
}

// Serve starts reading from conn. It returns immediately.
func (s *FakeServer) Serve(conn io.ReadWriteCloser) {
	s.mu.Lock()
	s.conn = conn
	s.stream = jsonrpc2.NewStream(conn)
	s.mu.Unlock()
	go s.loop()
}

// Exited is closed when the server stops, either on exit or on Crash.
func (s *FakeServer) Exited() <-chan struct{} {
	return s.exited
}

// ExitErr is the exit status reported once Exited is closed.
func (s *FakeServer) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Crash stops the server abruptly as if the process died.
func (s *FakeServer) Crash() {
	s.terminate(errors.New("signal: killed"))
}

func (s *FakeServer) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.exitErr = err
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		close(s.exited)
		s.cond.Broadcast()
	})
}

// Notify sends a notification to the client.
func (s *FakeServer) Notify(method string, params interface{}) error {
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.write(n)
}

// PublishDiagnostics sends textDocument/publishDiagnostics. A nil version omits the field.
func (s *FakeServer) PublishDiagnostics(uri string, version *int32, diagnostics []map[string]interface{}) error {
	params := map[string]interface{}{"uri": uri, "diagnostics": diagnostics}
	if diagnostics == nil {
		params["diagnostics"] = []interface{}{}
	}
	if version != nil {
		params["version"] = *version
	}
	return s.Notify(protocol.MethodTextDocumentPublishDiagnostics, params)
}

// Request sends a request to the client and waits for its response.
func (s *FakeServer) Request(ctx context.Context, method string, params interface{}) (*jsonrpc2.Response, error) {
	s.mu.Lock()
	s.nextID++
	id := jsonrpc2.NewStringID("srv-" + strconv.Itoa(int(s.nextID)))
	ch := make(chan *jsonrpc2.Response, 1)
	s.waiting[id] = ch
	s.mu.Unlock()

	call, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := s.write(call); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteRaw writes a frame body verbatim with a Content-Length header, for malformed message tests.
func (s *FakeServer) WriteRaw(body string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("fake server is not serving")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(conn, "Content-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"+body)
	return err
}

// Received returns the params of every message received for method, in arrival order.
func (s *FakeServer) Received(method string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// Methods returns the method of every message received, in arrival order.
func (s *FakeServer) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, m := range s.received {
		out = append(out, m.Method)
	}
	return out
}

// WaitFor blocks until n messages for method were received or timeout elapses.
func (s *FakeServer) WaitFor(method string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Received(method)) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(s.Received(method)) >= n
}

func (s *FakeServer) loop() {
	ctx := context.Background()
	for {
		msg, _, err := s.stream.Read(ctx)
		if err != nil {
			s.terminate(nil)
			return
		}

		switch m := msg.(type) {
		case *jsonrpc2.Call:
			s.record(Message{Method: m.Method(), Params: m.Params()})
			s.dispatchCall(ctx, m)
		case *jsonrpc2.Notification:
			s.record(Message{Method: m.Method(), Params: m.Params(), Notification: true})
			if m.Method() == protocol.MethodExit {
				s.terminate(nil)
				return
			}
			if h := s.handler(m.Method()); h != nil {
				go h(ctx, m.Params())
			}
		case *jsonrpc2.Response:
			s.mu.Lock()
			ch, ok := s.waiting[m.ID()]
			delete(s.waiting, m.ID())
			s.mu.Unlock()
			if ok {
				ch <- m
			}
		}
	}
}

func (s *FakeServer) record(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m)
}

func (s *FakeServer) handler(method string) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[method]
}

func (s *FakeServer) dispatchCall(ctx context.Context, call *jsonrpc2.Call) {
	lifecycle := call.Method() == protocol.MethodInitialize || call.Method() == protocol.MethodShutdown

	s.mu.Lock()
	if !lifecycle && s.reverseCount > 0 {
		s.held = append(s.held, call)
		if len(s.held) < s.reverseCount {
			s.mu.Unlock()
			return
		}
		held := s.held
		s.held = nil
		s.reverseCount = 0
		s.mu.Unlock()

		go func() {
			for i := len(held) - 1; i >= 0; i-- {
				s.reply(ctx, held[i])
			}
		}()
		return
	}
	s.mu.Unlock()

	go s.reply(ctx, call)
}

func (s *FakeServer) reply(ctx context.Context, call *jsonrpc2.Call) {
	s.mu.Lock()
	delay := s.delays[call.Method()]
	h := s.handlers[call.Method()]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.exited:
			return
		}
	}

	var result interface{}
	var err error
	if h == nil {
		err = jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+call.Method())
	} else {
		result, err = h(ctx, call.Params())
	}

	resp, rerr := jsonrpc2.NewResponse(call.ID(), result, err)
	if rerr != nil {
		return
	}
	_ = s.write(resp)
}

func (s *FakeServer) write(msg jsonrpc2.Message) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return errors.New("fake server is not serving")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.exited:
		return io.ErrClosedPipe
	default:
	}
	_, err := stream.Write(context.Background(), msg)
	return err
}
