// Package app composes the warmlsp daemon.
package app

import (
	"github.com/uber/warmlsp/src/warmlsp/gateway"
	"github.com/uber/warmlsp/src/warmlsp/handler"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/internal/core"
	"github.com/uber/warmlsp/src/warmlsp/internal/executor"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/internal/metrics"
	"github.com/uber/warmlsp/src/warmlsp/internal/projects"
	"github.com/uber/warmlsp/src/warmlsp/internal/serverinfofile"
	"github.com/uber/warmlsp/src/warmlsp/internal/socketfx"
	"go.uber.org/fx"
)

// Module defines the warmlsp daemon application module.
var Module = fx.Options(
	gateway.Module, // outbounds
	handler.Module, // inbounds
	socketfx.Module,
	fs.Module,
	executor.Module,
	clock.Module,
	serverinfofile.Module,
	metrics.Module,
	projects.Module,
	core.ConfigModule,
	core.LoggerModule,
)
