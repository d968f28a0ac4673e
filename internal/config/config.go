// Package config loads keel's per-repository configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Config holds the per-repository settings. All fields have working
// defaults; a missing config file is not an error.
type Config struct {
	// MainBranch is the branch whose ancestors are considered public
	// history and are never restacked.
	MainBranch string `yaml:"mainBranch"`

	// IncludeRefs / ExcludeRefs are doublestar glob patterns over ref
	// names. A ref is tracked when it matches an include pattern and
	// no exclude pattern.
	IncludeRefs []string `yaml:"includeRefs"`
	ExcludeRefs []string `yaml:"excludeRefs"`

	// RestackFollowHidden controls what happens when a rewrite chain
	// ends at a hidden commit: follow through to the nearest visible
	// ancestor (true) or treat the subtree as conflicted (false).
	RestackFollowHidden bool `yaml:"restackFollowHidden"`

	// Workers bounds the parallelism of commit reads during graph
	// building.
	Workers int `yaml:"workers"`

	// WalkDepth bounds how far past the main branch the ref walk
	// descends when seeding the graph.
	WalkDepth int `yaml:"walkDepth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MainBranch:          "main",
		IncludeRefs:         []string{"refs/heads/**", "HEAD"},
		ExcludeRefs:         nil,
		RestackFollowHidden: true,
		Workers:             runtime.NumCPU(),
		WalkDepth:           1000,
	}
}

// Load reads {dir}/.keel/config.yaml, applying defaults for any field
// left unset. A missing file yields the defaults.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, ".keel", "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	if len(cfg.IncludeRefs) == 0 {
		cfg.IncludeRefs = Default().IncludeRefs
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.WalkDepth <= 0 {
		cfg.WalkDepth = 1000
	}
	return cfg, nil
}

// MainRef returns the full ref name of the main branch.
func (c *Config) MainRef() string {
	return "refs/heads/" + c.MainBranch
}

// MatchRef reports whether a ref name is tracked.
func (c *Config) MatchRef(name string) bool {
	included := false
	for _, pattern := range c.IncludeRefs {
		if ok, _ := doublestar.Match(pattern, name); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range c.ExcludeRefs {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return false
		}
	}
	return true
}
