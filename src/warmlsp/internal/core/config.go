package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// _configDirEnv overrides the directory holding meta.yaml.
const _configDirEnv = "WARMLSP_CONFIG_DIR"

// ConfigModule provides the config.Provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// Config wraps the merged YAML provider.
type Config struct {
	provider uber_config.Provider
}

func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

func (c Config) Name() string {
	return "config"
}

// NewConfig loads meta.yaml from the config directory and merges every file it lists, in order.
// Missing files are skipped so that local.yaml stays optional.
func NewConfig() (uber_config.Provider, error) {
	return newConfigFromDir(getConfigDir())
}

func newConfigFromDir(configDir string) (uber_config.Provider, error) {
	metaPath := filepath.Join(configDir, "meta.yaml")
	metaProvider, err := uber_config.NewYAML(
		uber_config.File(metaPath),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var configFiles []string
	if err := metaProvider.Get("files").Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from meta.yaml: %w", err)
	}

	var options []uber_config.YAMLOption
	for _, file := range configFiles {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uber_config.File(fullPath))
		}
	}

	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

// getConfigDir returns the path to the configuration directory
func getConfigDir() string {
	if configDir := os.Getenv(_configDirEnv); configDir != "" {
		return configDir
	}

	// Assumes the binary is run from the repository root.
	return "src/warmlsp/config"
}
