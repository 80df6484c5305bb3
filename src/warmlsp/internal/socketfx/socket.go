package socketfx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/internal/serverinfofile"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeySocketPath = "daemon.socketPath"
	_lockSuffix          = ".lock"
	_acceptBackoff       = 50 * time.Millisecond
)

// ErrAlreadyRunning is returned from OnStart when another daemon holds the socket lock.
var ErrAlreadyRunning = errors.New("another daemon instance is already running")

// Module is an fx module that serves connections on the daemon's unix socket.
var Module = fx.Provide(New)

// SocketModule owns the single local listener of the daemon.
type SocketModule interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	RegisterConnectionHandler(handler ConnectionHandler) error
}

// ConnectionHandler serves one accepted connection. The handler owns conn and must close it.
type ConnectionHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

type module struct {
	socketPath string

	fs             fs.WarmFS
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile

	mu      sync.Mutex
	handler ConnectionHandler
	lock    *flock.Flock
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
	done    chan struct{}
}

// Params define values to be used by the socket module.
type Params struct {
	fx.In

	Config         config.Provider
	FS             fs.WarmFS
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
}

// New creates the socket module and registers its lifecycle hooks.
func New(p Params) (SocketModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := &module{
		fs:             p.FS,
		logger:         p.Logger.With("component", "socket"),
		serverInfoFile: p.ServerInfoFile,
	}
	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.OnStop,
	})
	return m, nil
}

// OnStart takes the instance lock, binds the socket and begins accepting connections.
func (m *module) OnStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handler == nil {
		return errors.New("cannot serve connections, no connection handler set")
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.socketPath)); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	lock := flock.New(m.socketPath + _lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %q: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.socketPath)
	}

	// Holding the lock means any socket file left behind belongs to a dead daemon.
	if exists, _ := m.fs.FileExists(m.socketPath); exists {
		m.logger.Infow("removing stale socket", "path", m.socketPath)
		if err := m.fs.Remove(m.socketPath); err != nil {
			lock.Unlock()
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", m.socketPath)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("listening on %q: %w", m.socketPath, err)
	}
	if err := os.Chmod(m.socketPath, 0600); err != nil {
		m.logger.Warnw("restricting socket permissions", "error", err)
	}

	m.lock = lock
	m.ln = ln
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})

	for key, value := range map[string]string{
		serverinfofile.KeySocket:    m.socketPath,
		serverinfofile.KeyPID:       strconv.Itoa(os.Getpid()),
		serverinfofile.KeyStartedAt: time.Now().UTC().Format(time.RFC3339),
	} {
		if err := m.serverInfoFile.UpdateField(key, value); err != nil {
			m.logger.Warnw("updating server info file", "key", key, "error", err)
		}
	}

	go m.accept(ln, m.handler)
	m.logger.Infow("listening", "socket", m.socketPath)
	return nil
}

// OnStop closes the listener, waits for open connections to finish and releases the socket.
func (m *module) OnStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln == nil {
		return nil
	}

	err := m.ln.Close()
	<-m.done

	waited := make(chan struct{})
	go func() {
		m.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		m.logger.Warn("stopping with connections still open")
	}
	m.cancel()

	if rmErr := m.fs.Remove(m.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if unlockErr := m.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	m.ln = nil
	m.logger.Infow("stopped listening", "socket", m.socketPath)
	return err
}

// RegisterConnectionHandler sets the handler that serves accepted connections.
func (m *module) RegisterConnectionHandler(handler ConnectionHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handler != nil {
		return errors.New("cannot register a duplicate connection handler")
	}
	m.handler = handler
	return nil
}

func (m *module) accept(ln net.Listener, handler ConnectionHandler) {
	defer close(m.done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warnw("accept failed", "error", err)
			time.Sleep(_acceptBackoff)
			continue
		}

		m.conns.Add(1)
		go func() {
			defer m.conns.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorw("connection handler panicked", "panic", r, zap.Stack("stack"))
					conn.Close()
				}
			}()
			handler.ServeConn(m.ctx, conn)
		}()
	}
}

// processConfig will parse the configuration for any values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	val := cfg.Get(_configKeySocketPath)
	if err := val.Populate(&m.socketPath); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeySocketPath, err)
	}

	if m.socketPath == "" {
		// yaml is missing either the key or value
		return fmt.Errorf("missing field %q in config", _configKeySocketPath)
	}

	return nil
}
