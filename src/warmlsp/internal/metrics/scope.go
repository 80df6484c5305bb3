package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	tally "github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyPrometheusAddress = "metrics.prometheusAddress"
	_configKeyServiceName       = "service.name"
	_defaultServiceName         = "warmlsp"
	_reportInterval             = 1 * time.Second
)

// ScopeParams are the dependencies of NewScope.
type ScopeParams struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

// NewScope builds the root tally scope. When metrics.prometheusAddress is set the scope reports
// through the prometheus reporter, served at /metrics on that address.
func NewScope(p ScopeParams) (tally.Scope, error) {
	var address string
	if err := p.Config.Get(_configKeyPrometheusAddress).Populate(&address); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyPrometheusAddress, err)
	}
	service := _defaultServiceName
	if v := p.Config.Get(_configKeyServiceName); v.HasValue() {
		if err := v.Populate(&service); err != nil {
			return nil, fmt.Errorf("getting config field %q: %w", _configKeyServiceName, err)
		}
	}

	opts := tally.ScopeOptions{
		Tags: map[string]string{
			"service": service,
		},
	}

	var server *http.Server
	if address != "" {
		reporter := promreporter.NewReporter(promreporter.Options{})
		opts.Prefix = service
		opts.CachedReporter = reporter
		opts.Separator = promreporter.DefaultSeparator

		mux := http.NewServeMux()
		mux.Handle("/metrics", reporter.HTTPHandler())
		server = &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	rs, closer := tally.NewRootScope(opts, _reportInterval)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if server == nil {
				return nil
			}
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("listening for metrics on %q: %w", server.Addr, err)
			}
			p.Logger.Infow("serving metrics", "address", ln.Addr().String())
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Errorw("metrics server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if server != nil {
				if err := server.Shutdown(ctx); err != nil {
					return err
				}
			}
			return closer.Close()
		},
	})

	return rs, nil
}
