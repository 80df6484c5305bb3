package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/controller/daemon/daemonmock"
	lspsession "github.com/uber/warmlsp/src/warmlsp/controller/lsp-session"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/socketfx"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSocket struct {
	socketfx.SocketModule
	handler socketfx.ConnectionHandler
	err     error
}

func (f *fakeSocket) RegisterConnectionHandler(h socketfx.ConnectionHandler) error {
	f.handler = h
	return f.err
}

func newHandler(t *testing.T) (Handler, *daemonmock.MockController, tally.TestScope) {
	t.Helper()
	ctrl := daemonmock.NewMockController(gomock.NewController(t))
	stats := tally.NewTestScope("", nil)
	socket := &fakeSocket{}
	h, err := New(Params{
		Controller: ctrl,
		Socket:     socket,
		Logger:     zap.NewNop().Sugar(),
		Stats:      stats,
	})
	require.NoError(t, err)
	require.Same(t, h, socket.handler)
	return h, ctrl, stats
}

// roundTrip serves one connection that receives payload and returns every frame the server wrote.
func roundTrip(t *testing.T, h Handler, payload string) []entity.Frame {
	t.Helper()
	client, server := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		h.ServeConn(context.Background(), server)
	}()

	go func() {
		client.Write([]byte(payload))
	}()

	var frames []entity.Frame
	scanner := bufio.NewScanner(client)
	for scanner.Scan() {
		var f entity.Frame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f), scanner.Text())
		frames = append(frames, f)
	}
	client.Close()
	<-served
	return frames
}

func TestNewRegistrationError(t *testing.T) {
	_, err := New(Params{
		Controller: daemonmock.NewMockController(gomock.NewController(t)),
		Socket:     &fakeSocket{err: errors.New("cannot register a duplicate connection handler")},
		Logger:     zap.NewNop().Sugar(),
		Stats:      tally.NoopScope,
	})
	assert.ErrorContains(t, err, "registering connection handler")
}

func TestServeConnResult(t *testing.T) {
	h, ctrl, stats := newHandler(t)
	want := entity.Request{Action: entity.ActionDefinition, ProjectRoot: "/p", Args: []string{"src/a.ts:11:3"}}
	ctrl.EXPECT().Dispatch(gomock.Any(), want).Return(entity.ResultFrame(map[string]string{"uri": "file:///p/src/b.ts"}))

	frames := roundTrip(t, h, `{"action":"definition","projectRoot":"/p","args":["src/a.ts:11:3"]}`)
	require.Len(t, frames, 1)
	assert.Equal(t, entity.FrameResult, frames[0].Type)
	assert.JSONEq(t, `{"uri":"file:///p/src/b.ts"}`, string(frames[0].Data.(json.RawMessage)))
	assert.Equal(t, int64(1), stats.Snapshot().Counters()["connections.accepted+"].Value())
}

func TestServeConnVerboseStreamsLogs(t *testing.T) {
	h, ctrl, _ := newHandler(t)
	ctrl.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req entity.Request) entity.Frame {
		lspsession.Report(ctx, "starting language server for %s", req.ProjectRoot)
		lspsession.Report(ctx, "language server ready (pid %d)", 42)
		return entity.NoResultFrame(string(errors.KindNoResult))
	})

	frames := roundTrip(t, h, `{"action":"hover","projectRoot":"/p","args":["a.ts:1:1"],"verbose":true}`)
	require.Len(t, frames, 3)
	assert.Equal(t, entity.LogFrame("starting language server for /p"), frames[0])
	assert.Equal(t, entity.LogFrame("language server ready (pid 42)"), frames[1])
	assert.Equal(t, entity.FrameResult, frames[2].Type)
	assert.Equal(t, string(errors.KindNoResult), frames[2].Code)
	assert.Nil(t, frames[2].Data)
}

func TestServeConnQuietDropsLogs(t *testing.T) {
	h, ctrl, _ := newHandler(t)
	ctrl.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req entity.Request) entity.Frame {
		lspsession.Report(ctx, "starting language server")
		return entity.ErrorFrame(string(errors.KindSpawnFailure), "starting language server: not found")
	})

	frames := roundTrip(t, h, `{"action":"hover","projectRoot":"/p","args":["a.ts:1:1"]}`)
	require.Len(t, frames, 1)
	assert.Equal(t, entity.ErrorFrame(string(errors.KindSpawnFailure), "starting language server: not found"), frames[0])
}

func TestServeConnDetachesContext(t *testing.T) {
	h, ctrl, _ := newHandler(t)
	ctrl.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req entity.Request) entity.Frame {
		assert.NoError(t, ctx.Err())
		return entity.ResultFrame(entity.StopResult{Stopping: true})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client, server := net.Pipe()
	defer client.Close()
	go client.Write([]byte(`{"action":"stop"}`))
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeConn(ctx, server)
	}()

	line, err := bufio.NewReader(client).ReadBytes('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"result","data":{"stopping":true}}`, string(line))
	<-done
}

func TestServeConnProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "definition /p a.ts:1:1\n"},
		{name: "wrong type", payload: `{"action":"definition","projectRoot":"/p","args":"a.ts:1:1"}`},
		{name: "unknown action", payload: `{"action":"rename","projectRoot":"/p"}`},
		{name: "missing project root", payload: `{"action":"definition","args":["a.ts:1:1"]}`},
		{name: "truncated", payload: `{"action":"definition"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, stats := newHandler(t)

			frames := roundTripClosing(t, h, tt.payload)
			require.Len(t, frames, 1)
			assert.Equal(t, entity.FrameError, frames[0].Type)
			assert.Equal(t, string(errors.KindProtocol), frames[0].Code)
			assert.NotEmpty(t, frames[0].Message)
			assert.Equal(t, int64(1), stats.Snapshot().Counters()["connections.protocol_errors+"].Value())
		})
	}
}

// roundTripClosing is roundTrip for payloads that are not a complete JSON value: the client stops writing after payload.
func roundTripClosing(t *testing.T, h Handler, payload string) []entity.Frame {
	t.Helper()
	client, server := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		h.ServeConn(context.Background(), &halfClosed{Conn: server, payload: payload})
	}()

	var frames []entity.Frame
	scanner := bufio.NewScanner(client)
	for scanner.Scan() {
		var f entity.Frame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f), scanner.Text())
		frames = append(frames, f)
	}
	client.Close()
	<-served
	return frames
}

// halfClosed serves payload as the whole request stream, then EOF.
type halfClosed struct {
	net.Conn
	payload string
}

func (c *halfClosed) Read(b []byte) (int, error) {
	if c.payload == "" {
		return 0, io.EOF
	}
	n := copy(b, c.payload)
	c.payload = c.payload[n:]
	return n, nil
}

func TestServeConnClientGone(t *testing.T) {
	h, ctrl, stats := newHandler(t)
	client, server := net.Pipe()

	ctrl.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req entity.Request) entity.Frame {
		client.Close()
		return entity.ResultFrame("late")
	})

	go client.Write([]byte(`{"action":"status"}`))
	h.ServeConn(context.Background(), server)
	assert.Equal(t, int64(1), stats.Snapshot().Counters()["connections.dropped+"].Value())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ACCEPTED", StateAccepted.String())
	assert.Equal(t, "READING", StateReading.String())
	assert.Equal(t, "DISPATCHED", StateDispatched.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestServeConnRecoversFromPanic(t *testing.T) {
	h, ctrl, stats := newHandler(t)
	gomock.InOrder(
		ctrl.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req entity.Request) entity.Frame {
			panic("index out of range")
		}),
		ctrl.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(entity.ResultFrame(entity.StopResult{Stopping: false})),
	)

	frames := roundTrip(t, h, `{"action":"status"}`)
	require.Len(t, frames, 1)
	assert.Equal(t, entity.FrameError, frames[0].Type)
	assert.Equal(t, string(errors.KindInternal), frames[0].Code)
	assert.Contains(t, frames[0].Message, "index out of range")
	assert.Equal(t, int64(1), stats.Snapshot().Counters()["connections.panics+"].Value())

	frames = roundTrip(t, h, `{"action":"status"}`)
	require.Len(t, frames, 1)
	assert.Equal(t, entity.FrameResult, frames[0].Type)
}
