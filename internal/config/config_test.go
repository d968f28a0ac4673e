package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MainBranch != "main" {
		t.Errorf("mainBranch = %q, want main", cfg.MainBranch)
	}
	if !cfg.RestackFollowHidden {
		t.Errorf("restackFollowHidden = false, want true")
	}
	if cfg.Workers <= 0 || cfg.WalkDepth <= 0 {
		t.Errorf("workers = %d, walkDepth = %d", cfg.Workers, cfg.WalkDepth)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".keel"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := []byte("mainBranch: trunk\nexcludeRefs:\n  - \"refs/heads/tmp/**\"\nwalkDepth: 50\n")
	if err := os.WriteFile(filepath.Join(dir, ".keel", "config.yaml"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MainBranch != "trunk" {
		t.Errorf("mainBranch = %q, want trunk", cfg.MainBranch)
	}
	if cfg.MainRef() != "refs/heads/trunk" {
		t.Errorf("mainRef = %q", cfg.MainRef())
	}
	if cfg.WalkDepth != 50 {
		t.Errorf("walkDepth = %d, want 50", cfg.WalkDepth)
	}
	// Unset fields keep their defaults.
	if len(cfg.IncludeRefs) == 0 {
		t.Errorf("includeRefs not defaulted")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".keel"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".keel", "config.yaml"), []byte("{not yaml"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Errorf("load of invalid yaml succeeded")
	}
}

func TestMatchRef(t *testing.T) {
	cfg := Default()
	cfg.ExcludeRefs = []string{"refs/heads/tmp/**"}

	cases := []struct {
		name string
		want bool
	}{
		{"refs/heads/main", true},
		{"refs/heads/feature/x", true},
		{"HEAD", true},
		{"refs/heads/tmp/scratch", false},
		{"refs/tags/v1.0", false},
		{"refs/remotes/origin/main", false},
	}
	for _, c := range cases {
		if got := cfg.MatchRef(c.name); got != c.want {
			t.Errorf("matchRef(%s) = %v, want %v", c.name, got, c.want)
		}
	}
}
