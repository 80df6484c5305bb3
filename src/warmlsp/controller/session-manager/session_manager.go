// Package sessionmanager owns the table of running sessions, one per project root.
package sessionmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	lspsession "github.com/uber/warmlsp/src/warmlsp/controller/lsp-session"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	lspclient "github.com/uber/warmlsp/src/warmlsp/gateway/lsp-client"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/repository/session"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	_configKeySessions       = "sessions"
	_configKeyLanguageServer = "languageServer"
	_configKeyVersion        = "service.version"
)

// SessionsConfig is the sessions config block.
type SessionsConfig struct {
	IdleTimeoutMinutes    int   `yaml:"idleTimeoutMinutes"`
	SweepIntervalSeconds  int   `yaml:"sweepIntervalSeconds"`
	RequestTimeoutSeconds int   `yaml:"requestTimeoutSeconds"`
	ShutdownGraceSeconds  int   `yaml:"shutdownGraceSeconds"`
	SettleDelayMillis     int   `yaml:"settleDelayMillis"`
	DiagnosticsWaitMillis int   `yaml:"diagnosticsWaitMillis"`
	MaxFileSizeBytes      int64 `yaml:"maxFileSizeBytes"`
	WatchFiles            bool  `yaml:"watchFiles"`
}

// LanguageServerConfig is the part of the languageServer config block used by sessions.
type LanguageServerConfig struct {
	LanguageIDs           map[string]string      `yaml:"languageIDs"`
	InitializationOptions map[string]interface{} `yaml:"initializationOptions"`
}

// Manager maps project roots to sessions.
type Manager interface {
	// Acquire returns the READY session for root, starting one if none is running.
	Acquire(ctx context.Context, root string) (*lspsession.Session, error)
	// Get returns the session for root without starting one.
	Get(ctx context.Context, root string) (*lspsession.Session, bool)
	// Stop stops the session for root. It reports whether one was running.
	Stop(ctx context.Context, root string) (bool, error)
	// StopAll stops every session. Acquire fails afterwards.
	StopAll(ctx context.Context) error
	// Sweep starts stopping every READY session idle for longer than the idle timeout and returns how many.
	Sweep(ctx context.Context) int
	List(ctx context.Context) []*lspsession.Session
	Count(ctx context.Context) int
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Config    config.Provider
	Launcher  lspclient.Launcher
	FS        fs.WarmFS
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Lifecycle fx.Lifecycle
}

type manager struct {
	sessions session.Repository[*lspsession.Session]
	group    singleflight.Group
	cfg      lspsession.Config
	idle     time.Duration
	interval time.Duration

	launcher lspclient.Launcher
	fs       fs.WarmFS
	clock    clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope

	started tally.Counter
	crashed tally.Counter
	idled   tally.Counter

	mu       sync.Mutex
	closed   bool
	stopping sync.WaitGroup
	done     chan struct{}
	swept    chan struct{}
}

// New creates a Manager and registers its idle sweep with the lifecycle.
func New(p Params) (Manager, error) {
	var sc SessionsConfig
	if err := p.Config.Get(_configKeySessions).Populate(&sc); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeySessions, err)
	}
	for key, value := range map[string]int64{
		"idleTimeoutMinutes":    int64(sc.IdleTimeoutMinutes),
		"sweepIntervalSeconds":  int64(sc.SweepIntervalSeconds),
		"requestTimeoutSeconds": int64(sc.RequestTimeoutSeconds),
		"maxFileSizeBytes":      sc.MaxFileSizeBytes,
	} {
		if value <= 0 {
			return nil, fmt.Errorf("missing field %q in config", _configKeySessions+"."+key)
		}
	}

	var lc LanguageServerConfig
	if err := p.Config.Get(_configKeyLanguageServer).Populate(&lc); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyLanguageServer, err)
	}
	version := "dev"
	if v := p.Config.Get(_configKeyVersion); v.HasValue() {
		if err := v.Populate(&version); err != nil {
			return nil, fmt.Errorf("getting config field %q: %w", _configKeyVersion, err)
		}
	}

	stats := p.Stats.SubScope("sessions")
	m := &manager{
		sessions: session.New[*lspsession.Session](stats),
		cfg: lspsession.Config{
			RequestTimeout:        time.Duration(sc.RequestTimeoutSeconds) * time.Second,
			ShutdownGrace:         time.Duration(sc.ShutdownGraceSeconds) * time.Second,
			SettleDelay:           time.Duration(sc.SettleDelayMillis) * time.Millisecond,
			DiagnosticsWait:       time.Duration(sc.DiagnosticsWaitMillis) * time.Millisecond,
			MaxFileSizeBytes:      sc.MaxFileSizeBytes,
			WatchFiles:            sc.WatchFiles,
			LanguageIDs:           lc.LanguageIDs,
			InitializationOptions: lc.InitializationOptions,
			Version:               version,
		},
		idle:     time.Duration(sc.IdleTimeoutMinutes) * time.Minute,
		interval: time.Duration(sc.SweepIntervalSeconds) * time.Second,
		launcher: p.Launcher,
		fs:       p.FS,
		clock:    p.Clock,
		logger:   p.Logger.With("component", "session-manager"),
		stats:    p.Stats,
		started:  stats.Counter("started"),
		crashed:  stats.Counter("crashed"),
		idled:    stats.Counter("idle_stops"),
		done:     make(chan struct{}),
		swept:    make(chan struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go m.sweepLoop()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(m.done)
			<-m.swept
			return m.StopAll(ctx)
		},
	})
	return m, nil
}

func (m *manager) Acquire(ctx context.Context, root string) (*lspsession.Session, error) {
	if s, err := m.sessions.Get(ctx, root); err == nil {
		if s.Reserve() {
			return s, nil
		}
		if s.State() == entity.SessionStopping {
			return nil, errors.ErrSessionStopping
		}
	}

	v, err, _ := m.group.Do(root, func() (interface{}, error) {
		return m.start(ctx, root)
	})
	if err != nil {
		return nil, err
	}
	return v.(*lspsession.Session), nil
}

// start runs inside the singleflight group for root, so at most one start per root is in progress.
func (m *manager) start(ctx context.Context, root string) (*lspsession.Session, error) {
	if s, err := m.sessions.Get(ctx, root); err == nil {
		if s.Reserve() {
			return s, nil
		}
		switch s.State() {
		case entity.SessionStopping:
			return nil, errors.ErrSessionStopping
		case entity.SessionTerminated:
			m.sessions.Delete(ctx, s)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.ErrSessionStopping
	}
	m.mu.Unlock()

	s := lspsession.New(root, m.cfg, lspsession.Deps{
		Launcher:    m.launcher,
		FS:          m.fs,
		Clock:       m.clock,
		Logger:      m.logger,
		Scope:       m.stats.Tagged(map[string]string{"root": root}),
		OnTerminate: m.remove,
	})
	if err := m.sessions.Set(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Infow("starting session", "root", root)
	if err := s.Start(ctx); err != nil {
		m.sessions.Delete(ctx, s)
		return nil, err
	}
	m.started.Inc(1)

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		// StopAll ran while this session was starting and did not see it.
		if err := s.Stop(ctx); err != nil {
			m.logger.Warnw("stopping session", "root", root, "error", err)
		}
		return nil, errors.ErrSessionStopping
	}
	return s, nil
}

// remove drops a terminated session from the table so that the next request for its root starts a new one.
func (m *manager) remove(s *lspsession.Session) {
	if !m.sessions.Delete(context.Background(), s) {
		return
	}
	if err := s.Err(); err != nil {
		if errors.Is(err, errors.ErrSessionCrashed) {
			m.crashed.Inc(1)
		}
		m.logger.Warnw("session terminated", "root", s.Root(), "error", err)
		return
	}
	m.logger.Infow("session terminated", "root", s.Root())
}

func (m *manager) Get(ctx context.Context, root string) (*lspsession.Session, bool) {
	s, err := m.sessions.Get(ctx, root)
	if err != nil {
		return nil, false
	}
	return s, true
}

func (m *manager) Stop(ctx context.Context, root string) (bool, error) {
	s, ok := m.Get(ctx, root)
	if !ok {
		return false, nil
	}
	return true, s.Stop(ctx)
}

func (m *manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	sessions := m.sessions.List(ctx)
	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *lspsession.Session) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stopping session %s: %w", s.Root(), err)
			}
		}(i, s)
	}
	wg.Wait()
	m.stopping.Wait()
	return multierr.Combine(errs...)
}

func (m *manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	count := 0
	for _, s := range m.sessions.List(ctx) {
		stop, ok := s.StopIfIdle(m.idle)
		if !ok {
			continue
		}

		count++
		m.idled.Inc(1)
		m.logger.Infow("stopping idle session", "root", s.Root(), "idle", now.Sub(s.LastActivity()))
		m.stopping.Add(1)
		go func(s *lspsession.Session) {
			defer m.stopping.Done()
			if err := stop(context.Background()); err != nil {
				m.logger.Warnw("stopping idle session", "root", s.Root(), "error", err)
			}
		}(s)
	}
	return count
}

func (m *manager) sweepLoop() {
	defer close(m.swept)
	for {
		select {
		case <-m.clock.After(m.interval):
			m.Sweep(context.Background())
		case <-m.done:
			return
		}
	}
}

func (m *manager) List(ctx context.Context) []*lspsession.Session {
	return m.sessions.List(ctx)
}

func (m *manager) Count(ctx context.Context) int {
	return m.sessions.SessionCount(ctx)
}
