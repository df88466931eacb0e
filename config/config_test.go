package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != ":8080" {
		t.Errorf("Server.Port = %q; want :8080", cfg.Server.Port)
	}
	if cfg.Slicer.DefaultLayers != 4 {
		t.Errorf("Slicer.DefaultLayers = %d; want 4", cfg.Slicer.DefaultLayers)
	}
	if cfg.Slicer.MaxLayers != 32 {
		t.Errorf("Slicer.MaxLayers = %d; want 32", cfg.Slicer.MaxLayers)
	}
	if cfg.Slicer.BorderMode != "extend" {
		t.Errorf("Slicer.BorderMode = %q; want extend", cfg.Slicer.BorderMode)
	}
	if cfg.DepthSource.Provider != "local" {
		t.Errorf("DepthSource.Provider = %q; want local", cfg.DepthSource.Provider)
	}
	if cfg.DepthSource.Polarity != "near_low" {
		t.Errorf("DepthSource.Polarity = %q; want near_low", cfg.DepthSource.Polarity)
	}
	if cfg.Slicer.JobRetention != 15*time.Minute {
		t.Errorf("Slicer.JobRetention = %s; want 15m", cfg.Slicer.JobRetention)
	}
	if cfg.Redis.TTL != 24*time.Hour {
		t.Errorf("Redis.TTL = %s; want 24h", cfg.Redis.TTL)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: ":9090"
  mode: release
slicer:
  max_layers: 8
  border_mode: outline
depth_source:
  provider: remote
  base_url: https://depth.example.com
  api_token: secret
  polarity: near_high
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}

	if cfg.Server.Port != ":9090" {
		t.Errorf("Server.Port = %q; want :9090", cfg.Server.Port)
	}
	if cfg.Server.Mode != "release" {
		t.Errorf("Server.Mode = %q; want release", cfg.Server.Mode)
	}
	if cfg.Slicer.MaxLayers != 8 {
		t.Errorf("Slicer.MaxLayers = %d; want 8", cfg.Slicer.MaxLayers)
	}
	if cfg.Slicer.BorderMode != "outline" {
		t.Errorf("Slicer.BorderMode = %q; want outline", cfg.Slicer.BorderMode)
	}
	if cfg.DepthSource.Provider != "remote" || cfg.DepthSource.APIToken != "secret" {
		t.Errorf("DepthSource = %+v; want remote provider with token", cfg.DepthSource)
	}
	if cfg.DepthSource.Polarity != "near_high" {
		t.Errorf("DepthSource.Polarity = %q; want near_high", cfg.DepthSource.Polarity)
	}

	// Untouched keys keep their defaults.
	if cfg.Slicer.DefaultLayers != 4 {
		t.Errorf("Slicer.DefaultLayers = %d; want default 4", cfg.Slicer.DefaultLayers)
	}
	if cfg.Upload.MaxSize != 20*1024*1024 {
		t.Errorf("Upload.MaxSize = %d; want default 20 MB", cfg.Upload.MaxSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file returned no error")
	}
}
