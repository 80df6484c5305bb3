package factory

import (
	"context"
	"io"
	"net"
	"sync"

	lspclient "github.com/uber/warmlsp/src/warmlsp/gateway/lsp-client"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
)

// FakeLauncher starts a FakeServer per launch instead of a process.
type FakeLauncher struct {
	// NewServer builds the server for a launch. NewFakeServer is used when nil.
	NewServer func(root string) *FakeServer
	// Err, when set, fails every launch with SPAWN_FAILURE.
	Err error

	mu      sync.Mutex
	roots   []string
	servers []*FakeServer
}

var _ lspclient.Launcher = (*FakeLauncher)(nil)

// Launch connects a new FakeServer over an in-memory pipe.
func (l *FakeLauncher) Launch(ctx context.Context, root string) (lspclient.Process, error) {
	if l.Err != nil {
		return nil, errors.Wrap(errors.KindSpawnFailure, l.Err, "starting fake server")
	}

	newServer := l.NewServer
	if newServer == nil {
		newServer = func(string) *FakeServer { return NewFakeServer() }
	}
	server := newServer(root)

	clientConn, serverConn := net.Pipe()
	server.Serve(serverConn)

	l.mu.Lock()
	l.roots = append(l.roots, root)
	l.servers = append(l.servers, server)
	pid := 1000 + len(l.servers)
	l.mu.Unlock()

	return &FakeProcess{server: server, conn: clientConn, pid: pid}, nil
}

// Launches returns the roots passed to Launch, in order.
func (l *FakeLauncher) Launches() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.roots...)
}

// Server returns the server started by the i-th launch.
func (l *FakeLauncher) Server(i int) *FakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.servers[i]
}

// Last returns the most recently started server, or nil.
func (l *FakeLauncher) Last() *FakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.servers) == 0 {
		return nil
	}
	return l.servers[len(l.servers)-1]
}

// FakeProcess is the process handle of a FakeServer.
type FakeProcess struct {
	server *FakeServer
	conn   net.Conn
	pid    int
}

var _ lspclient.Process = (*FakeProcess)(nil)

// Conn is the client end of the pipe.
func (p *FakeProcess) Conn() io.ReadWriteCloser { return p.conn }

// PID is a fake process id.
func (p *FakeProcess) PID() int { return p.pid }

// Wait blocks until the server exits.
func (p *FakeProcess) Wait() error {
	<-p.server.Exited()
	return p.server.ExitErr()
}

// Kill crashes the server.
func (p *FakeProcess) Kill() error {
	p.server.Crash()
	return nil
}
