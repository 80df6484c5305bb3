// Package lspsession runs one language server for one project root.
package lspsession

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/controller/diagnostics"
	docsync "github.com/uber/warmlsp/src/warmlsp/controller/doc-sync"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	lspclient "github.com/uber/warmlsp/src/warmlsp/gateway/lsp-client"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the session settings read from the sessions and languageServer config blocks.
type Config struct {
	RequestTimeout        time.Duration
	ShutdownGrace         time.Duration
	SettleDelay           time.Duration
	DiagnosticsWait       time.Duration
	MaxFileSizeBytes      int64
	WatchFiles            bool
	LanguageIDs           map[string]string
	InitializationOptions map[string]interface{}
	Version               string
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Launcher lspclient.Launcher
	FS       fs.WarmFS
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Scope    tally.Scope
	// OnTerminate is called once when the session reaches TERMINATED.
	OnTerminate func(*Session)
}

// Session binds a project root to a language server process and its protocol state.
type Session struct {
	root   string
	cfg    Config
	deps   Deps
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    entity.SessionState
	err      error // why the session terminated, if it crashed
	inflight sync.WaitGroup

	startedAt    time.Time
	lastActivity atomic.Int64

	process      lspclient.Process
	client       *lspclient.Client
	tracker      *docsync.Tracker
	diagnostics  *diagnostics.Cache
	capabilities mapper.ServerCapabilities

	exited     chan struct{}
	exitErr    error
	terminated chan struct{}
	finishOnce sync.Once
}

// New creates a session in STARTING. Start must be called before any operation.
func New(root string, cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Scope == nil {
		deps.Scope = tally.NoopScope
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.OnTerminate == nil {
		deps.OnTerminate = func(*Session) {}
	}
	s := &Session{
		root:       root,
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With("root", root),
		state:      entity.SessionStarting,
		exited:     make(chan struct{}),
		terminated: make(chan struct{}),
	}
	// Built before the server can publish anything.
	s.diagnostics = diagnostics.New(diagnostics.Options{
		Clock:       deps.Clock,
		Logger:      s.logger,
		Scope:       deps.Scope.SubScope("diagnostics"),
		SettleDelay: cfg.SettleDelay,
	})
	s.startedAt = deps.Clock.Now()
	s.touch()
	return s
}

// Root returns the project root.
func (s *Session) Root() string {
	return s.root
}

// State returns the lifecycle state.
func (s *Session) State() entity.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Terminated is closed once the session reached TERMINATED.
func (s *Session) Terminated() <-chan struct{} {
	return s.terminated
}

// LastActivity returns when the last operation completed, or when the session was created.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// touch resets the idle clock.
func (s *Session) touch() {
	s.lastActivity.Store(s.deps.Clock.Now().UnixNano())
}

// Reserve resets the idle clock of a READY session and reports whether the session is READY.
func (s *Session) Reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != entity.SessionReady {
		return false
	}
	s.touch()
	return true
}

// StopIfIdle moves the session to STOPPING when it is READY and saw no activity for longer than idle.
// The check and the move are atomic with Reserve and with operations starting.
// It reports whether the session was moved; if so, stop performs the teardown.
func (s *Session) StopIfIdle(idle time.Duration) (stop func(context.Context) error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != entity.SessionReady || s.deps.Clock.Now().Sub(s.LastActivity()) <= idle {
		return nil, false
	}
	s.state = entity.SessionStopping
	return s.shutdown, true
}

// Err returns why the session terminated when it did not stop deliberately.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status describes the session for status queries.
func (s *Session) Status() entity.SessionStatus {
	status := entity.SessionStatus{
		Root:         s.root,
		State:        s.State(),
		StartedAt:    s.startedAt,
		LastActivity: s.LastActivity(),
	}
	s.mu.Lock()
	process, client, tracker := s.process, s.client, s.tracker
	s.mu.Unlock()
	if process != nil {
		status.PID = process.PID()
	}
	if client != nil {
		status.PendingRequests = client.Pending()
	}
	if tracker != nil {
		status.OpenDocuments = tracker.OpenDocuments()
	}
	return status
}

// Start spawns the language server and performs the initialize handshake. On failure the session is TERMINATED.
func (s *Session) Start(ctx context.Context) error {
	begin := s.deps.Clock.Now()
	Report(ctx, "starting language server for %s", s.root)

	process, err := s.deps.Launcher.Launch(ctx, s.root)
	if err != nil {
		s.finish(err)
		return errors.Wrap(errors.KindSpawnFailure, err, "starting language server")
	}

	client := lspclient.New(jsonrpc2.NewStream(process.Conn()), lspclient.Options{
		Handler: s,
		Logger:  s.logger,
		Scope:   s.deps.Scope.SubScope("lsp"),
		Timeout: s.cfg.RequestTimeout,
	})

	s.mu.Lock()
	s.process = process
	s.client = client
	s.mu.Unlock()

	go func() {
		s.exitErr = process.Wait()
		close(s.exited)
	}()

	if err := s.initialize(ctx); err != nil {
		s.logger.Warnw("language server handshake failed", "error", err)
		client.Abort(err)
		process.Kill()
		<-s.exited
		s.finish(err)
		if errors.KindOf(err) == errors.KindSessionCrashed {
			return errors.Wrap(errors.KindSessionCrashed, err, "language server exited during initialization")
		}
		return errors.Wrap(errors.KindSpawnFailure, err, "initializing language server")
	}

	s.mu.Lock()
	if s.state != entity.SessionStarting {
		// Stop was called during the handshake and waits for this teardown.
		s.mu.Unlock()
		if err := s.teardown(ctx); err != nil {
			s.logger.Warnw("stopping session", "error", err)
		}
		return errors.ErrSessionStopping
	}
	s.state = entity.SessionReady
	s.mu.Unlock()

	go s.monitor()

	s.logger.Infow("session ready", "pid", process.PID(), "elapsed", s.deps.Clock.Now().Sub(begin))
	Report(ctx, "language server ready (pid %d)", process.PID())
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	params := mapper.RootToInitializeParams(s.root, os.Getpid(), s.cfg.Version, s.cfg.InitializationOptions)
	var result mapper.InitializeResult
	if _, err := s.client.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}
	if err := s.client.Notify(ctx, protocol.MethodInitialized, struct{}{}); err != nil {
		return err
	}

	tracker, err := docsync.New(docsync.Options{
		Notifier:         s.client,
		FS:               s.deps.FS,
		Logger:           s.logger,
		Scope:            s.deps.Scope.SubScope("doc_sync"),
		MaxFileSizeBytes: s.cfg.MaxFileSizeBytes,
		LanguageIDs:      s.cfg.LanguageIDs,
		Incremental:      result.Capabilities.SyncKind() == mapper.SyncIncremental,
		Watch:            s.cfg.WatchFiles,
		OnVersion:        s.diagnostics.Invalidate,
		OnForget:         s.diagnostics.Remove,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.tracker = tracker
	s.mu.Unlock()
	return nil
}

// HandleNotification routes notifications from the language server.
func (s *Session) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case protocol.MethodTextDocumentPublishDiagnostics:
		var p mapper.PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warnw("malformed diagnostics", "error", err)
			return
		}
		s.diagnostics.Publish(p)
	case protocol.MethodWindowLogMessage, protocol.MethodWindowShowMessage:
		var p mapper.ShowMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.logger.Debugw("language server message", "type", p.Type, "message", p.Message)
	default:
		s.logger.Debugw("ignoring notification", "method", method)
	}
}

// monitor turns an unexpected server exit into a crash.
func (s *Session) monitor() {
	select {
	case <-s.exited:
	case <-s.client.Done():
	}

	s.mu.Lock()
	if s.state != entity.SessionReady {
		s.mu.Unlock()
		return
	}
	s.state = entity.SessionTerminated
	s.mu.Unlock()

	cause := s.client.Err()
	select {
	case <-s.exited:
		cause = s.exitErr
	default:
	}
	s.logger.Warnw("language server exited unexpectedly", "error", cause)

	s.client.Abort(cause)
	s.process.Kill()
	<-s.exited
	s.tracker.Discard()
	s.finish(errors.Wrap(errors.KindSessionCrashed, crashCause(cause), errors.ErrSessionCrashed.Message))
}

func crashCause(cause error) error {
	if cause == nil {
		return errors.ErrSessionCrashed
	}
	return cause
}

// finish moves the session to TERMINATED and notifies its owner once.
func (s *Session) finish(cause error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = entity.SessionTerminated
		s.err = cause
		s.mu.Unlock()
		s.deps.OnTerminate(s)
		close(s.terminated)
	})
}

// Stop drains in-flight operations, closes every document and shuts the server down.
// The server is killed if it does not exit within the shutdown grace period.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case entity.SessionStopping, entity.SessionTerminated:
		s.mu.Unlock()
		select {
		case <-s.terminated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case entity.SessionStarting:
		// Start tears the server down once its handshake returns.
		s.state = entity.SessionStopping
		s.mu.Unlock()
		select {
		case <-s.terminated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = entity.SessionStopping
	s.mu.Unlock()
	return s.shutdown(ctx)
}

// shutdown stops a session already moved to STOPPING.
func (s *Session) shutdown(ctx context.Context) error {
	s.logger.Infow("stopping session")
	Report(ctx, "stopping language server for %s", s.root)

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warnw("stopping with operations still in flight", "pending", s.client.Pending())
	}
	return s.teardown(ctx)
}

// teardown closes documents, asks the server to exit and reaps it.
// The whole exchange shares one shutdown grace period.
func (s *Session) teardown(ctx context.Context) error {
	var errs error
	deadline := s.deps.Clock.Now().Add(s.cfg.ShutdownGrace)
	grace, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.tracker.Close(grace); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := s.client.Call(grace, protocol.MethodShutdown, nil, nil); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("shutdown request: %w", err))
	} else if err := s.client.Notify(grace, protocol.MethodExit, nil); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("exit notification: %w", err))
	}

	if !s.waitExit(deadline.Sub(s.deps.Clock.Now())) {
		s.logger.Warnw("language server did not exit in time, killing it", "grace", s.cfg.ShutdownGrace)
		if err := s.process.Kill(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("killing language server: %w", err))
		}
		<-s.exited
	}

	s.client.Close()
	s.finish(nil)
	s.logger.Infow("session stopped")
	return errs
}

// waitExit reports whether the server process exited within d.
func (s *Session) waitExit(d time.Duration) bool {
	select {
	case <-s.exited:
		return true
	default:
	}
	select {
	case <-s.exited:
		return true
	case <-s.deps.Clock.After(d):
		return false
	}
}

// begin registers an operation. Operations are rejected unless the session is READY.
func (s *Session) begin() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case entity.SessionReady:
	case entity.SessionTerminated:
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.ErrSessionStopping
	default:
		return nil, errors.ErrSessionStopping
	}
	s.inflight.Add(1)
	s.touch()
	return func() {
		s.touch()
		s.inflight.Done()
	}, nil
}
