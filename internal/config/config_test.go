package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if c.Model.NCtx != 512 || c.Sampling.TopK != 40 {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
log:
  level: DEBUG
  format: json
model:
  n_ctx: 2048
  use_mmap: false
sampling:
  top_k: 100
flight_addr: "localhost:3000"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Log.Level != "DEBUG" || c.Log.Format != "json" {
		t.Errorf("log config: %+v", c.Log)
	}
	if c.Model.NCtx != 2048 {
		t.Errorf("n_ctx = %d", c.Model.NCtx)
	}
	if c.Model.UseMmap == nil || *c.Model.UseMmap {
		t.Error("use_mmap override lost")
	}
	if c.Model.NBatch != 512 {
		t.Errorf("unset field lost its default: n_batch = %d", c.Model.NBatch)
	}
	if c.Sampling.TopK != 100 {
		t.Errorf("top_k = %d", c.Sampling.TopK)
	}
	if c.FlightAddr != "localhost:3000" {
		t.Errorf("flight_addr = %q", c.FlightAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("explicit missing config must error")
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("empty path must fall back to defaults: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero n_ctx", func(c *Config) { c.Model.NCtx = 0 }},
		{"zero n_batch", func(c *Config) { c.Model.NBatch = 0 }},
		{"negative gpu layers", func(c *Config) { c.Model.NGpuLayers = -1 }},
		{"negative temp", func(c *Config) { c.Sampling.Temp = -0.1 }},
		{"top_p over 1", func(c *Config) { c.Sampling.TopP = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
