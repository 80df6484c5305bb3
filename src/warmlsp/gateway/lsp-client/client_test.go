package lspclient_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/factory"
	lspclient "github.com/uber/warmlsp/src/warmlsp/gateway/lsp-client"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoParams struct {
	N int `json:"n"`
}

func echo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p echoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func newClient(t *testing.T, server *factory.FakeServer, opts lspclient.Options) *lspclient.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server.Serve(serverConn)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	c := lspclient.New(jsonrpc2.NewStream(clientConn), opts)
	t.Cleanup(func() {
		c.Close()
		server.Crash()
	})
	return c
}

type notificationRecorder struct {
	ch chan string
}

func (r *notificationRecorder) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	r.ch <- method
}

func TestCallReversedResponses(t *testing.T) {
	const n = 6
	server := factory.NewFakeServer()
	server.Handle(protocol.MethodTextDocumentHover, echo)
	server.ReverseNext(n)
	c := newClient(t, server, lspclient.Options{})

	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out echoParams
			_, errs[i] = c.Call(context.Background(), protocol.MethodTextDocumentHover, echoParams{N: i}, &out)
			results[i] = out.N
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i], "caller %d got another caller's response", i)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCallTimeout(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	server := factory.NewFakeServer()
	server.Handle(protocol.MethodTextDocumentDefinition, echo)
	server.Handle(protocol.MethodTextDocumentHover, echo)
	server.Delay(protocol.MethodTextDocumentDefinition, 10*time.Second)
	c := newClient(t, server, lspclient.Options{Timeout: 50 * time.Millisecond, Scope: scope})

	_, err := c.Call(context.Background(), protocol.MethodTextDocumentDefinition, echoParams{N: 1}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindRequestTimeout, errors.KindOf(err))
	assert.True(t, server.WaitFor("$/cancelRequest", 1, time.Second))
	assert.Equal(t, 0, c.Pending())
	assert.NoError(t, c.Err())

	var out echoParams
	_, err = c.Call(context.Background(), protocol.MethodTextDocumentHover, echoParams{N: 7}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, out.N)

	counters := scope.Snapshot().Counters()
	require.Contains(t, counters, "request_timeouts+")
	assert.Equal(t, int64(1), counters["request_timeouts+"].Value())
}

func TestCallContextCancelled(t *testing.T) {
	server := factory.NewFakeServer()
	server.Handle(protocol.MethodTextDocumentHover, echo)
	server.Delay(protocol.MethodTextDocumentHover, 10*time.Second)
	c := newClient(t, server, lspclient.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, protocol.MethodTextDocumentHover, echoParams{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestServerErrorResponse(t *testing.T) {
	server := factory.NewFakeServer()
	c := newClient(t, server, lspclient.Options{})

	_, err := c.Call(context.Background(), "textDocument/unknown", nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
	assert.NoError(t, c.Err())
}

func TestCrashSettlesPending(t *testing.T) {
	const k = 4
	server := factory.NewFakeServer()
	server.Handle(protocol.MethodTextDocumentReferences, echo)
	server.Delay(protocol.MethodTextDocumentReferences, 10*time.Second)
	c := newClient(t, server, lspclient.Options{})

	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func(i int) {
			_, err := c.Call(context.Background(), protocol.MethodTextDocumentReferences, echoParams{N: i}, nil)
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return c.Pending() == k }, time.Second, 5*time.Millisecond)

	server.Crash()

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			assert.Equal(t, errors.KindSessionCrashed, errors.KindOf(err))
		case <-time.After(time.Second):
			t.Fatal("pending request was not settled")
		}
	}
	<-c.Done()
	assert.Equal(t, errors.KindSessionCrashed, errors.KindOf(c.Err()))

	_, err := c.Call(context.Background(), protocol.MethodTextDocumentReferences, echoParams{}, nil)
	assert.Equal(t, errors.KindSessionCrashed, errors.KindOf(err))
	assert.Equal(t, errors.KindSessionCrashed, errors.KindOf(c.Notify(context.Background(), protocol.MethodInitialized, struct{}{})))
}

func TestCloseSettlesPendingAsStopping(t *testing.T) {
	server := factory.NewFakeServer()
	server.Handle(protocol.MethodTextDocumentHover, echo)
	server.Delay(protocol.MethodTextDocumentHover, 10*time.Second)
	c := newClient(t, server, lspclient.Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.MethodTextDocumentHover, echoParams{}, nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.True(t, errors.Is(<-errs, errors.ErrSessionStopping))
	assert.True(t, errors.Is(c.Err(), errors.ErrSessionStopping))
}

func TestAnswerServerRequests(t *testing.T) {
	server := factory.NewFakeServer()
	newClient(t, server, lspclient.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tests := []struct {
		name       string
		method     string
		params     interface{}
		wantResult string
		wantErr    bool
	}{
		{
			name:       "configuration",
			method:     protocol.MethodWorkspaceConfiguration,
			params:     map[string]interface{}{"items": []map[string]string{{"section": "typescript"}, {"section": "javascript"}}},
			wantResult: `[null,null]`,
		},
		{
			name:       "progress",
			method:     protocol.MethodWorkDoneProgressCreate,
			params:     map[string]interface{}{"token": "t1"},
			wantResult: `null`,
		},
		{
			name:       "register capability",
			method:     protocol.MethodClientRegisterCapability,
			params:     map[string]interface{}{"registrations": []interface{}{}},
			wantResult: `null`,
		},
		{
			name:    "unknown",
			method:  "workspace/applyEdit",
			params:  map[string]interface{}{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := server.Request(ctx, tt.method, tt.params)
			require.NoError(t, err)
			if tt.wantErr {
				assert.Error(t, resp.Err())
				return
			}
			assert.NoError(t, resp.Err())
			assert.JSONEq(t, tt.wantResult, string(resp.Result()))
		})
	}
}

func TestNotificationsRouted(t *testing.T) {
	server := factory.NewFakeServer()
	recorder := &notificationRecorder{ch: make(chan string, 4)}
	newClient(t, server, lspclient.Options{Handler: recorder})

	require.NoError(t, server.PublishDiagnostics("file:///p/a.ts", nil, nil))
	require.NoError(t, server.Notify(protocol.MethodWindowLogMessage, map[string]interface{}{"type": 3, "message": "hi"}))

	assert.Equal(t, protocol.MethodTextDocumentPublishDiagnostics, <-recorder.ch)
	assert.Equal(t, protocol.MethodWindowLogMessage, <-recorder.ch)
}

type panickingHandler struct {
	notificationRecorder
	method string
}

func (p *panickingHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method == p.method {
		panic("unexpected payload")
	}
	p.notificationRecorder.HandleNotification(ctx, method, params)
}

func TestNotificationHandlerPanic(t *testing.T) {
	server := factory.NewFakeServer()
	server.Handle("test/echo", echo)
	scope := tally.NewTestScope("", nil)
	handler := &panickingHandler{
		notificationRecorder: notificationRecorder{ch: make(chan string, 4)},
		method:               protocol.MethodTextDocumentPublishDiagnostics,
	}
	c := newClient(t, server, lspclient.Options{Handler: handler, Scope: scope})

	require.NoError(t, server.PublishDiagnostics("file:///p/a.ts", nil, nil))
	require.NoError(t, server.Notify(protocol.MethodWindowLogMessage, map[string]interface{}{"type": 3, "message": "hi"}))
	assert.Equal(t, protocol.MethodWindowLogMessage, <-handler.ch)

	var got echoParams
	_, err := c.Call(context.Background(), "test/echo", echoParams{N: 7}, &got)
	require.NoError(t, err)
	assert.Equal(t, 7, got.N)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["handler_panics+"].Value())
}
