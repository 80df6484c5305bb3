// Package projects turns the projectRoot of a request into a validated absolute project directory.
package projects

import (
	"fmt"
	"path/filepath"

	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	_configKeyAliasesFile   = "projects.aliasesFile"
	_configKeyProjectMarker = "languageServer.projectMarkers"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Resolver maps aliases and paths to project roots.
type Resolver struct {
	fs          fs.WarmFS
	logger      *zap.SugaredLogger
	aliasesFile string
	markers     []string
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Config config.Provider
	FS     fs.WarmFS
	Logger *zap.SugaredLogger
}

// New creates a Resolver.
func New(p Params) (*Resolver, error) {
	r := &Resolver{
		fs:     p.FS,
		logger: p.Logger.With("component", "projects"),
	}
	if err := p.Config.Get(_configKeyAliasesFile).Populate(&r.aliasesFile); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyAliasesFile, err)
	}
	if err := p.Config.Get(_configKeyProjectMarker).Populate(&r.markers); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyProjectMarker, err)
	}
	if len(r.markers) == 0 {
		return nil, fmt.Errorf("missing field %q in config", _configKeyProjectMarker)
	}
	return r, nil
}

// Resolve returns the absolute root for nameOrPath. Aliases take precedence over paths.
// The root must be a directory holding one of the configured project markers.
func (r *Resolver) Resolve(nameOrPath string) (string, error) {
	if nameOrPath == "" {
		return "", errors.Newf(errors.KindProjectNotFound, "no project root given")
	}

	root := nameOrPath
	aliases, err := r.aliases()
	if err != nil {
		r.logger.Warnw("reading project aliases", "file", r.aliasesFile, "error", err)
	} else if target, ok := aliases[nameOrPath]; ok {
		root = target
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(errors.KindProjectNotFound, err, fmt.Sprintf("resolving %q", root))
	}
	abs = filepath.Clean(abs)

	isDir, err := r.fs.DirExists(abs)
	if err != nil {
		return "", errors.Wrap(errors.KindProjectNotFound, err, fmt.Sprintf("checking %q", abs))
	}
	if !isDir {
		return "", errors.Newf(errors.KindProjectNotFound, "project root %q is not a directory", abs)
	}

	for _, marker := range r.markers {
		if ok, _ := r.fs.FileExists(filepath.Join(abs, marker)); ok {
			return abs, nil
		}
	}
	return "", errors.Newf(errors.KindProjectNotFound, "no project marker (%v) found in %q", r.markers, abs)
}

// aliases reads the alias file on every call so edits take effect without a daemon restart.
func (r *Resolver) aliases() (map[string]string, error) {
	if r.aliasesFile == "" {
		return nil, nil
	}
	exists, err := r.fs.FileExists(r.aliasesFile)
	if err != nil || !exists {
		return nil, err
	}
	data, err := r.fs.ReadFile(r.aliasesFile)
	if err != nil {
		return nil, err
	}
	aliases := make(map[string]string)
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", r.aliasesFile, err)
	}
	return aliases, nil
}
