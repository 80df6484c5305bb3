package sessionmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	lspsession "github.com/uber/warmlsp/src/warmlsp/controller/lsp-session"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/factory"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testProvider(t *testing.T, sessions map[string]interface{}) config.Provider {
	t.Helper()
	block := map[string]interface{}{
		"idleTimeoutMinutes":    30,
		"sweepIntervalSeconds":  30,
		"requestTimeoutSeconds": 5,
		"shutdownGraceSeconds":  1,
		"settleDelayMillis":     10,
		"diagnosticsWaitMillis": 500,
		"maxFileSizeBytes":      1 << 20,
		"watchFiles":            false,
	}
	for k, v := range sessions {
		block[k] = v
	}
	provider, err := config.NewStaticProvider(map[string]interface{}{
		"sessions": block,
		"languageServer": map[string]interface{}{
			"languageIDs": map[string]interface{}{".ts": "typescript"},
		},
		"service": map[string]interface{}{"version": "test"},
	})
	require.NoError(t, err)
	return provider
}

type harness struct {
	manager  Manager
	launcher *factory.FakeLauncher
	clock    *clock.Fake
	stats    tally.TestScope
	lc       *fxtest.Lifecycle
	stopOnce sync.Once
}

func (h *harness) stop() {
	h.stopOnce.Do(h.lc.RequireStop)
}

// newHarness uses a sweep interval long enough that only explicit Sweep calls stop sessions.
func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, map[string]interface{}{"sweepIntervalSeconds": 86400})
}

func newHarnessWithConfig(t *testing.T, sessions map[string]interface{}) *harness {
	t.Helper()
	h := &harness{
		launcher: &factory.FakeLauncher{NewServer: func(string) *factory.FakeServer { return factory.NewFakeServer() }},
		clock:    clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		stats:    tally.NewTestScope("", nil),
		lc:       fxtest.NewLifecycle(t),
	}
	m, err := New(Params{
		Config:    testProvider(t, sessions),
		Launcher:  h.launcher,
		FS:        fs.New(),
		Clock:     h.clock,
		Logger:    zap.NewNop().Sugar(),
		Stats:     h.stats,
		Lifecycle: h.lc,
	})
	require.NoError(t, err)
	h.manager = m
	h.lc.RequireStart()
	t.Cleanup(h.stop)
	return h
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		sessions map[string]interface{}
		wantErr  string
	}{
		{
			name:     "zero idle timeout",
			sessions: map[string]interface{}{"idleTimeoutMinutes": 0},
			wantErr:  `missing field "sessions.idleTimeoutMinutes" in config`,
		},
		{
			name:     "zero file size",
			sessions: map[string]interface{}{"maxFileSizeBytes": 0},
			wantErr:  `missing field "sessions.maxFileSizeBytes" in config`,
		},
		{
			name:     "wrong type",
			sessions: map[string]interface{}{"sweepIntervalSeconds": "often"},
			wantErr:  `getting config field "sessions"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Params{
				Config:    testProvider(t, tt.sessions),
				Launcher:  &factory.FakeLauncher{},
				FS:        fs.New(),
				Clock:     clock.New(),
				Logger:    zap.NewNop().Sugar(),
				Stats:     tally.NoopScope,
				Lifecycle: fxtest.NewLifecycle(t),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAcquireStartsOncePerRoot(t *testing.T) {
	h := newHarness(t)
	root := factory.Project(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*lspsession.Session, 10)
	errs := make([]error, 10)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = h.manager.Acquire(ctx, root)
		}(i)
	}
	wg.Wait()

	for i := range sessions {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Len(t, h.launcher.Launches(), 1)
	assert.Equal(t, entity.SessionReady, sessions[0].State())
	assert.Equal(t, 1, h.manager.Count(ctx))

	other := factory.Project(t, nil)
	_, err := h.manager.Acquire(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 2, h.manager.Count(ctx))
	assert.Len(t, h.manager.List(ctx), 2)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idle, err := h.manager.Acquire(ctx, factory.Project(t, nil))
	require.NoError(t, err)

	h.clock.Advance(20 * time.Minute)
	busy, err := h.manager.Acquire(ctx, factory.Project(t, nil))
	require.NoError(t, err)

	assert.Equal(t, 0, h.manager.Sweep(ctx))

	h.clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, h.manager.Sweep(ctx))

	select {
	case <-idle.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not stopped")
	}
	assert.NoError(t, idle.Err())
	assert.Equal(t, entity.SessionReady, busy.State())
	assertShutDown(t, h.launcher.Server(0))
	select {
	case <-h.launcher.Server(1).Exited():
		t.Fatal("busy session's server was stopped")
	default:
	}

	_, ok := h.manager.Get(ctx, idle.Root())
	assert.False(t, ok)
	assert.Equal(t, 1, h.manager.Count(ctx))
	assert.Equal(t, int64(1), h.stats.Snapshot().Counters()["sessions.idle_stops+"].Value())
}

func TestSweepLoop(t *testing.T) {
	h := newHarnessWithConfig(t, map[string]interface{}{"sweepIntervalSeconds": 60})
	ctx := context.Background()
	s, err := h.manager.Acquire(ctx, factory.Project(t, nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, 5*time.Second, 10*time.Millisecond)
	h.clock.Advance(31 * time.Minute)

	select {
	case <-s.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not stopped by the sweeper")
	}
	assert.Equal(t, 0, h.manager.Count(ctx))
	assertShutDown(t, h.launcher.Last())
}

// assertShutDown checks that server was asked to shut down and exited on its own.
func assertShutDown(t *testing.T, server *factory.FakeServer) {
	t.Helper()
	select {
	case <-server.Exited():
	default:
		t.Fatal("language server is still running")
	}
	assert.NoError(t, server.ExitErr(), "server exited without being killed")
	methods := server.Methods()
	require.GreaterOrEqual(t, len(methods), 2)
	assert.Equal(t, []string{protocol.MethodShutdown, protocol.MethodExit}, methods[len(methods)-2:])
}

func TestSweepNeverRetiresAcquiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := factory.Project(t, nil)
	_, err := h.manager.Acquire(ctx, root)
	require.NoError(t, err)
	h.clock.Advance(31 * time.Minute)

	const workers = 8
	acquired := make([]error, workers)
	used := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.manager.Acquire(ctx, root)
			if acquired[i] = err; err == nil {
				_, used[i] = s.WorkspaceSymbols(ctx, "foo")
			}
		}(i)
	}
	swept := h.manager.Sweep(ctx)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if acquired[i] != nil {
			assert.True(t, errors.Is(acquired[i], errors.ErrSessionStopping))
			assert.Equal(t, 1, swept)
			continue
		}
		assert.False(t, errors.Is(used[i], errors.ErrSessionStopping), "an acquired session was stopped before use")
	}
}

func TestCrashRemovesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := factory.Project(t, nil)

	first, err := h.manager.Acquire(ctx, root)
	require.NoError(t, err)
	h.launcher.Last().Crash()

	select {
	case <-first.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("crashed session was not terminated")
	}
	assert.True(t, errors.Is(first.Err(), errors.ErrSessionCrashed))
	_, ok := h.manager.Get(ctx, root)
	assert.False(t, ok)

	second, err := h.manager.Acquire(ctx, root)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Len(t, h.launcher.Launches(), 2)
	assert.Equal(t, int64(1), h.stats.Snapshot().Counters()["sessions.crashed+"].Value())
}

func TestAcquireSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.launcher.Err = errors.New("executable file not found")

	_, err := h.manager.Acquire(context.Background(), factory.Project(t, nil))
	assert.Equal(t, errors.KindSpawnFailure, errors.KindOf(err))
	assert.Equal(t, 0, h.manager.Count(context.Background()))
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := factory.Project(t, nil)

	stopped, err := h.manager.Stop(ctx, root)
	require.NoError(t, err)
	assert.False(t, stopped)

	s, err := h.manager.Acquire(ctx, root)
	require.NoError(t, err)

	stopped, err = h.manager.Stop(ctx, root)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, entity.SessionTerminated, s.State())
	assert.Equal(t, 0, h.manager.Count(ctx))
}

func TestLifecycleStopsSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.manager.Acquire(ctx, factory.Project(t, nil))
	require.NoError(t, err)

	h.stop()
	assert.Equal(t, entity.SessionTerminated, s.State())
	assert.Equal(t, 0, h.manager.Count(ctx))

	_, err = h.manager.Acquire(ctx, factory.Project(t, nil))
	assert.True(t, errors.Is(err, errors.ErrSessionStopping))
}
