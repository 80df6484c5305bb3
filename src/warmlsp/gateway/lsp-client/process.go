package lspclient

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/executor"
	"github.com/uber/warmlsp/src/warmlsp/internal/logfilewriter"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyCommand = "languageServer.command"
	_configKeyArgs    = "languageServer.args"
)

// Process is a running language server.
type Process interface {
	// Conn is the server's stdio. Reads come from its stdout and writes go to its stdin.
	Conn() io.ReadWriteCloser
	PID() int
	// Wait blocks until the process exits. It may be called any number of times.
	Wait() error
	Kill() error
}

// Launcher starts language server processes.
type Launcher interface {
	Launch(ctx context.Context, root string) (Process, error)
}

// LauncherParams are the dependencies of NewLauncher.
type LauncherParams struct {
	fx.In

	Config   config.Provider
	Executor executor.Executor
	Logger   *zap.SugaredLogger
}

type execLauncher struct {
	command  string
	args     []string
	executor executor.Executor
	logger   *zap.SugaredLogger
}

// NewLauncher creates a Launcher that runs languageServer.command in the project root.
func NewLauncher(p LauncherParams) (Launcher, error) {
	l := &execLauncher{
		executor: p.Executor,
		logger:   p.Logger.With("component", "launcher"),
	}
	if err := p.Config.Get(_configKeyCommand).Populate(&l.command); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyCommand, err)
	}
	if l.command == "" {
		return nil, fmt.Errorf("missing field %q in config", _configKeyCommand)
	}
	if err := p.Config.Get(_configKeyArgs).Populate(&l.args); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyArgs, err)
	}
	return l, nil
}

// Launch starts the server. The process is not tied to ctx so that it outlives the request that started it.
func (l *execLauncher) Launch(ctx context.Context, root string) (Process, error) {
	cmd := exec.Command(l.command, l.args...)
	cmd.Dir = root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(errors.KindSpawnFailure, err, "creating stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(errors.KindSpawnFailure, err, "creating stdout pipe")
	}
	stderr := logfilewriter.NewLineWriter(l.logger.With("root", root, "stream", "stderr"))
	cmd.Stderr = stderr

	if err := l.executor.Start(cmd); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrap(errors.KindSpawnFailure, err, fmt.Sprintf("starting %s", l.command))
	}

	p := &execProcess{
		cmd:  cmd,
		conn: &stdioConn{Reader: stdout, stdout: stdout, stdin: stdin},
		done: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		stderr.Flush()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *stdioConn
	done chan struct{}
	err  error
}

func (p *execProcess) Conn() io.ReadWriteCloser { return p.conn }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// stdioConn joins the server's stdout and stdin into one stream.
type stdioConn struct {
	io.Reader
	stdout    io.Closer
	stdin     io.WriteCloser
	closeOnce sync.Once
}

func (c *stdioConn) Write(b []byte) (int, error) {
	return c.stdin.Write(b)
}

// Close closes stdin, which tells the server no more input follows, and stops reading its stdout.
func (c *stdioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stdin.Close()
		c.stdout.Close()
	})
	return err
}
