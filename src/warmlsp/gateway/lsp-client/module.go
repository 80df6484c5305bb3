package lspclient

import "go.uber.org/fx"

// Module provides the Launcher that starts language server processes.
var Module = fx.Provide(NewLauncher)
