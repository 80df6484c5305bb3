package core

import (
	"context"
	"fmt"
	"os"

	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"github.com/uber/warmlsp/src/warmlsp/internal/logfilewriter"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig represents the logging configuration from the config files
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"outputPaths"`
	// MaxSizeBytes is the size at which a file output is rotated to "<path>.1".
	MaxSizeBytes int64 `yaml:"maxSizeBytes"`
}

// LoggerModule provides the logger dependencies
var LoggerModule = fx.Options(
	fx.Provide(NewSugaredLogger),
	fx.Provide(NewLogger),
)

func NewLogger(sugar *zap.SugaredLogger) *zap.Logger {
	return sugar.Desugar()
}

// LoggerParams are the dependencies of NewSugaredLogger.
type LoggerParams struct {
	fx.In

	Config    config.Provider
	FS        fs.WarmFS
	Lifecycle fx.Lifecycle
}

// NewSugaredLogger creates a new zap.SugaredLogger based on the configuration.
// Each entry in outputPaths is "stdout", "stderr" or a file path written through a rotating sink.
func NewSugaredLogger(p LoggerParams) (*zap.SugaredLogger, error) {
	var loggingConfig LoggingConfig
	if err := p.Config.Get("logging").Populate(&loggingConfig); err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(loggingConfig.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if loggingConfig.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch loggingConfig.Encoding {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sinks, closers, err := openSinks(p.FS, loggingConfig)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)

	var logger *zap.Logger
	if loggingConfig.Development {
		logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		logger = zap.New(core)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			// Sync on stdout commonly fails with EINVAL on terminals.
			_ = logger.Sync()
			var errs error
			for _, c := range closers {
				errs = multierr.Append(errs, c.Close())
			}
			return errs
		},
	})

	return logger.Sugar(), nil
}

func openSinks(fsys fs.WarmFS, cfg LoggingConfig) ([]zapcore.WriteSyncer, []*logfilewriter.RotatingWriter, error) {
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	var sinks []zapcore.WriteSyncer
	var files []*logfilewriter.RotatingWriter
	for _, out := range outputs {
		switch out {
		case "stdout":
			sinks = append(sinks, zapcore.Lock(os.Stdout))
		case "stderr":
			sinks = append(sinks, zapcore.Lock(os.Stderr))
		default:
			w, err := logfilewriter.NewRotatingWriter(fsys, out, cfg.MaxSizeBytes)
			if err != nil {
				for _, f := range files {
					f.Close()
				}
				return nil, nil, fmt.Errorf("opening log output %q: %w", out, err)
			}
			files = append(files, w)
			sinks = append(sinks, w)
		}
	}
	return sinks, files, nil
}
