package handler

import (
	controller "github.com/uber/warmlsp/src/warmlsp/controller"
	"github.com/uber/warmlsp/src/warmlsp/handler/daemon"
	"go.uber.org/fx"
)

// Module provides the warmlsp daemon server into an Fx application.
var Module = fx.Options(
	controller.Module,
	fx.Provide(daemon.New),
	fx.Invoke(func(h daemon.Handler) {}),
)
