package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:generate mockgen -destination=serverinfofilemock/server_info_file_mock.go -package=serverinfofilemock . ServerInfoFile

const _configKeyInfoFile = "daemon.serverInfoFilePath"

// Keys written by the daemon.
const (
	KeyPID       = "pid"
	KeySocket    = "socket"
	KeyStartedAt = "startedAt"
	KeyVersion   = "version"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerInfoFile manages the contents of a single server info file.
// It records how to reach the running daemon and is removed when the daemon stops.
type ServerInfoFile interface {
	UpdateField(key string, value string) error
	Path() string
}

type module struct {
	infofile     string
	fs           fs.WarmFS
	logger       *zap.SugaredLogger
	fileContents map[string]string
	mu           sync.Mutex
}

// Params define values to be used by ServerInfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	FS        fs.WarmFS
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

// New creates a new ServerInfoFile which manages contents of a single server info file.
func New(p Params) (ServerInfoFile, error) {
	m := module{
		fs:           p.FS,
		logger:       p.Logger,
		fileContents: make(map[string]string),
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: m.OnStop,
	})

	return &m, nil
}

func (m *module) OnStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.fileContents) == 0 {
		return nil
	}
	if err := m.fs.Remove(m.infofile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *module) UpdateField(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileContents[key] = value
	jsonOutput, err := json.Marshal(m.fileContents)
	if err != nil {
		return fmt.Errorf("marshalling json: %w", err)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.infofile)); err != nil {
		return fmt.Errorf("creating info file directory: %w", err)
	}
	if err := m.fs.WriteFile(m.infofile, jsonOutput); err != nil {
		return fmt.Errorf("creating info file: %w", err)
	}
	m.logger.Infow("server info saved", zap.String("file", m.infofile), zap.String(key, value))
	return nil
}

func (m *module) Path() string {
	return m.infofile
}

func (m *module) processConfig(cfg config.Provider) error {
	val := cfg.Get(_configKeyInfoFile)
	if err := val.Populate(&m.infofile); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyInfoFile, err)
	}

	if m.infofile == "" {
		// yaml is missing either the key or value
		return fmt.Errorf("missing field %q in config", _configKeyInfoFile)
	}

	return nil
}

// Read returns the fields of the info file at path.
func Read(fsys fs.WarmFS, path string) (map[string]string, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parsing server info file %q: %w", path, err)
	}
	return fields, nil
}
