// Package daemonclient sends requests to a running warmlsp daemon.
package daemonclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/executor"
	"go.uber.org/config"
	"go.uber.org/zap"
)

const (
	_configKeySocketPath = "daemon.socketPath"

	_defaultStartTimeout = 10 * time.Second
	_pollInterval        = 100 * time.Millisecond
	_maxFrameBytes       = 64 << 20
)

// Options configure a Client.
type Options struct {
	SocketPath string
	// Autostart starts the daemon when the socket does not accept connections.
	Autostart bool
	// DaemonCommand is the argv that starts the daemon. It defaults to this executable with the daemon subcommand.
	DaemonCommand []string
	StartTimeout  time.Duration
	Executor      executor.Executor
	Clock         clock.Clock
	Logger        *zap.SugaredLogger
}

// Client talks to the daemon over its unix socket, one connection per request.
type Client struct {
	opts Options
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = _defaultStartTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Executor == nil {
		opts.Executor = executor.NewExecutor(executor.WithLogger(opts.Logger))
	}
	return &Client{opts: opts}
}

// SocketPath returns the configured daemon socket.
func SocketPath(cfg config.Provider) (string, error) {
	var path string
	if err := cfg.Get(_configKeySocketPath).Populate(&path); err != nil {
		return "", fmt.Errorf("getting config field %q: %w", _configKeySocketPath, err)
	}
	if path == "" {
		return "", fmt.Errorf("missing field %q in config", _configKeySocketPath)
	}
	return path, nil
}

// Do sends req and reads frames until the terminal one, which it returns.
// Log frames are passed to onLog as they arrive.
func (c *Client) Do(ctx context.Context, req entity.Request, onLog func(string)) (entity.Frame, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return entity.Frame{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	b, err := json.Marshal(req)
	if err != nil {
		return entity.Frame{}, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		return entity.Frame{}, errors.Wrap(errors.KindConnectionUnavailable, err, "sending request")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), _maxFrameBytes)
	for scanner.Scan() {
		var frame entity.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return entity.Frame{}, errors.Wrap(errors.KindProtocol, err, "decoding response frame")
		}
		if frame.Terminal() {
			return frame, nil
		}
		if onLog != nil {
			if line, ok := frame.Data.(string); ok {
				onLog(line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return entity.Frame{}, errors.Wrap(errors.KindConnectionUnavailable, err, "reading response")
	}
	return entity.Frame{}, errors.Newf(errors.KindProtocol, "daemon closed the connection without a result")
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err == nil {
		return conn, nil
	}
	if !c.opts.Autostart {
		return nil, errors.Wrap(errors.KindConnectionUnavailable, err, "connecting to daemon (is it running?)")
	}

	if startErr := c.startDaemon(); startErr != nil {
		return nil, errors.Wrap(errors.KindConnectionUnavailable, startErr, "starting daemon")
	}
	deadline := c.opts.Clock.Now().Add(c.opts.StartTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.KindConnectionUnavailable, ctx.Err(), "waiting for daemon")
		case <-c.opts.Clock.After(_pollInterval):
		}
		conn, err = c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if !c.opts.Clock.Now().Before(deadline) {
			return nil, errors.Wrap(errors.KindConnectionUnavailable, err, fmt.Sprintf("daemon did not accept connections within %s", c.opts.StartTimeout))
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.opts.SocketPath)
}

// startDaemon runs the daemon in its own process group so it outlives this client.
func (c *Client) startDaemon() error {
	argv := c.opts.DaemonCommand
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		argv = []string{self, "daemon"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := c.opts.Executor.Start(cmd); err != nil {
		return err
	}
	if cmd.Process != nil {
		return cmd.Process.Release()
	}
	return nil
}
