package gateway

import (
	lspclient "github.com/uber/warmlsp/src/warmlsp/gateway/lsp-client"
	"go.uber.org/fx"
)

// Module defines the gateway module for warmlsp.
var Module = fx.Options(
	lspclient.Module,
)
