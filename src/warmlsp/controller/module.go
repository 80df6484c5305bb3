package controller

import (
	"github.com/uber/warmlsp/src/warmlsp/controller/daemon"
	sessionmanager "github.com/uber/warmlsp/src/warmlsp/controller/session-manager"
	"go.uber.org/fx"
)

// Module provides the controllers of the daemon.
var Module = fx.Options(
	fx.Provide(daemon.New),
	fx.Provide(sessionmanager.New),
)
