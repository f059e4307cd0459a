// Package settings handles jsbind.toml project configuration.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file jsbind looks for.
const FileName = "jsbind.toml"

// Settings represents a jsbind.toml configuration.
type Settings struct {
	Engine  Engine  `toml:"engine"`
	Modules Modules `toml:"modules"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the jsbind.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures the embedded engine environment.
type Engine struct {
	DeletionQueueSize int  `toml:"deletion-queue-size"`
	TimerIntervalMS   int  `toml:"timer-interval-ms"`
	StrictChecks      bool `toml:"strict-checks"`
}

// Modules configures module resolution.
type Modules struct {
	SearchPaths []string `toml:"search-paths"`
	Pack        string   `toml:"pack"`
	Entry       string   `toml:"entry"`
}

// Log configures logging output.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the settings used when no jsbind.toml exists.
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Engine.DeletionQueueSize <= 0 {
		s.Engine.DeletionQueueSize = 128
	}
	if s.Engine.TimerIntervalMS <= 0 {
		s.Engine.TimerIntervalMS = 16
	}
	if len(s.Modules.SearchPaths) == 0 && s.Modules.Pack == "" {
		s.Modules.SearchPaths = []string{"scripts"}
	}
}

// Load parses a jsbind.toml file from the given directory.
func Load(dir string) (*Settings, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var s Settings
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	s.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	s.applyDefaults()
	return &s, nil
}

// FindAndLoad walks up from startDir to find a jsbind.toml file, then loads
// and returns the settings. Returns defaults if no file is found.
func FindAndLoad(startDir string) (*Settings, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// SearchPaths returns absolute paths for the configured module roots.
func (s *Settings) SearchPaths() []string {
	var paths []string
	for _, p := range s.Modules.SearchPaths {
		if filepath.IsAbs(p) || s.Dir == "" {
			paths = append(paths, p)
			continue
		}
		paths = append(paths, filepath.Join(s.Dir, p))
	}
	return paths
}

// PackPath returns the absolute path of the configured pack, or "".
func (s *Settings) PackPath() string {
	if s.Modules.Pack == "" {
		return ""
	}
	if filepath.IsAbs(s.Modules.Pack) || s.Dir == "" {
		return s.Modules.Pack
	}
	return filepath.Join(s.Dir, s.Modules.Pack)
}
