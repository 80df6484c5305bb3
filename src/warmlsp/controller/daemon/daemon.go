// Package daemon implements the warmlsp daemon's request dispatch.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	lspsession "github.com/uber/warmlsp/src/warmlsp/controller/lsp-session"
	sessionmanager "github.com/uber/warmlsp/src/warmlsp/controller/session-manager"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/metrics"
	"github.com/uber/warmlsp/src/warmlsp/internal/projects"
	"github.com/uber/warmlsp/src/warmlsp/internal/serverinfofile"
	"github.com/uber/warmlsp/src/warmlsp/mapper"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:generate mockgen -destination=daemonmock/daemon_mock.go -package=daemonmock . Controller

const (
	_configKeyVersion = "service.version"

	_flagIncludeDeclaration = "--include-declaration"
)

// Controller serves one request and produces its terminal frame.
// Log frames are delivered through the reporter attached to ctx, if any.
type Controller interface {
	Dispatch(ctx context.Context, req entity.Request) entity.Frame
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Config         config.Provider
	Sessions       sessionmanager.Manager
	Projects       *projects.Resolver
	Metrics        *metrics.Registry
	Clock          clock.Clock
	Logger         *zap.SugaredLogger
	Shutdowner     fx.Shutdowner
	ServerInfoFile serverinfofile.ServerInfoFile
}

type controller struct {
	sessions   sessionmanager.Manager
	projects   *projects.Resolver
	metrics    *metrics.Registry
	clock      clock.Clock
	logger     *zap.SugaredLogger
	shutdowner fx.Shutdowner

	version   string
	startedAt time.Time
}

// New constructs the daemon controller.
func New(p Params) (Controller, error) {
	c := &controller{
		sessions:   p.Sessions,
		projects:   p.Projects,
		metrics:    p.Metrics,
		clock:      p.Clock,
		logger:     p.Logger.With("component", "daemon"),
		shutdowner: p.Shutdowner,
		version:    "dev",
		startedAt:  p.Clock.Now(),
	}
	if v := p.Config.Get(_configKeyVersion); v.HasValue() {
		if err := v.Populate(&c.version); err != nil {
			return nil, fmt.Errorf("getting config field %q: %w", _configKeyVersion, err)
		}
	}
	if err := p.ServerInfoFile.UpdateField(serverinfofile.KeyVersion, c.version); err != nil {
		c.logger.Warnw("updating server info file", "key", serverinfofile.KeyVersion, "error", err)
	}
	return c, nil
}

// Dispatch runs the request's action. Every outcome, including NO_RESULT, is a single terminal frame.
func (c *controller) Dispatch(ctx context.Context, req entity.Request) entity.Frame {
	done := c.metrics.Begin(string(req.Action))
	data, err := c.dispatch(ctx, req)

	if errors.Is(err, errors.ErrNoResult) {
		done(nil)
		return entity.NoResultFrame(string(errors.KindNoResult))
	}
	done(err)
	if err != nil {
		kind := errors.KindOf(err)
		c.logger.Infow("request failed", "action", req.Action, "projectRoot", req.ProjectRoot, "kind", string(kind), "error", err)
		return entity.ErrorFrame(string(kind), err.Error())
	}
	return entity.ResultFrame(data)
}

func (c *controller) dispatch(ctx context.Context, req entity.Request) (interface{}, error) {
	switch req.Action {
	case entity.ActionStatus:
		return c.status(ctx), nil
	case entity.ActionStop:
		c.logger.Info("stop requested")
		if err := c.shutdowner.Shutdown(); err != nil {
			return nil, err
		}
		return entity.StopResult{Stopping: true}, nil
	}

	if !req.Action.NeedsProject() {
		return nil, errors.Newf(errors.KindInvalidRequest, "unknown action %q", req.Action)
	}
	root, err := c.projects.Resolve(req.ProjectRoot)
	if err != nil {
		return nil, err
	}
	lspsession.Report(ctx, "project root %s", root)

	if !req.Action.NeedsSession() {
		stopped, err := c.sessions.Stop(ctx, root)
		if err != nil {
			return nil, err
		}
		return entity.StopSessionResult{Stopped: stopped}, nil
	}

	switch req.Action {
	case entity.ActionDefinition, entity.ActionTypeDefinition, entity.ActionImplementation,
		entity.ActionReferences, entity.ActionHover:
		return c.positionAction(ctx, root, req)
	case entity.ActionSymbols:
		if len(req.Args) != 1 {
			return nil, errors.Newf(errors.KindInvalidRequest, "%s expects one path, got %d arguments", req.Action, len(req.Args))
		}
		s, err := c.sessions.Acquire(ctx, root)
		if err != nil {
			return nil, err
		}
		return orNoResult(s.DocumentSymbols(ctx, req.Args[0]))
	case entity.ActionWorkspaceSymbols:
		s, err := c.sessions.Acquire(ctx, root)
		if err != nil {
			return nil, err
		}
		return orNoResult(s.WorkspaceSymbols(ctx, strings.Join(req.Args, " ")))
	case entity.ActionDiagnostics:
		if len(req.Args) == 0 {
			return nil, errors.Newf(errors.KindInvalidRequest, "%s expects at least one path", req.Action)
		}
		s, err := c.sessions.Acquire(ctx, root)
		if err != nil {
			return nil, err
		}
		return s.Diagnostics(ctx, req.Args)
	}
	return nil, errors.Newf(errors.KindInvalidRequest, "unknown action %q", req.Action)
}

func (c *controller) positionAction(ctx context.Context, root string, req entity.Request) (interface{}, error) {
	var (
		arg                string
		includeDeclaration bool
	)
	for _, a := range req.Args {
		switch {
		case req.Action == entity.ActionReferences && a == _flagIncludeDeclaration:
			includeDeclaration = true
		case arg == "":
			arg = a
		default:
			return nil, errors.Newf(errors.KindInvalidRequest, "unexpected argument %q", a)
		}
	}
	if arg == "" {
		return nil, errors.Newf(errors.KindInvalidRequest, "%s expects path:line:col", req.Action)
	}
	pos, err := mapper.ArgToPosition(arg)
	if err != nil {
		return nil, err
	}

	s, err := c.sessions.Acquire(ctx, root)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case entity.ActionDefinition:
		return orNoResult(s.Definition(ctx, pos))
	case entity.ActionTypeDefinition:
		return orNoResult(s.TypeDefinition(ctx, pos))
	case entity.ActionImplementation:
		return orNoResult(s.Implementation(ctx, pos))
	case entity.ActionReferences:
		return orNoResult(s.References(ctx, pos, includeDeclaration))
	default:
		return orNoResult(s.Hover(ctx, pos))
	}
}

func (c *controller) status(ctx context.Context) entity.Status {
	sessions := c.sessions.List(ctx)
	roots := make([]entity.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		roots = append(roots, s.Status())
	}
	return entity.Status{
		Sessions:      len(sessions),
		UptimeSeconds: c.clock.Now().Sub(c.startedAt).Seconds(),
		PID:           os.Getpid(),
		Version:       c.version,
		Roots:         roots,
		Metrics:       c.metrics.Snapshot(),
	}
}

// orNoResult turns an empty answer into ErrNoResult.
func orNoResult[T any](v T, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	if isEmpty(v) {
		return nil, errors.ErrNoResult
	}
	return v, nil
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case *protocol.Location:
		return t == nil
	case []protocol.Location:
		return len(t) == 0
	case *entity.HoverResult:
		return t == nil
	case json.RawMessage:
		return mapper.IsEmptyResult(t)
	}
	return v == nil
}
