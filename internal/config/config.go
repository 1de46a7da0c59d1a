package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML runtime configuration of the CLI. The
// log and metrics settings yield to their flags when those are given.
// The run command takes rope_freq_base, rope_freq_scale, f16_kv and
// the sampling block from here; n_ctx, n_batch, n_gpu_layers,
// use_mmap, use_mlock and flight_addr are validated but not applied,
// and the run flags (with their defaults) decide those.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	MetricsAddr string `yaml:"metrics_addr"`

	Model struct {
		NCtx          int     `yaml:"n_ctx"`
		NBatch        int     `yaml:"n_batch"`
		NGpuLayers    int     `yaml:"n_gpu_layers"`
		RopeFreqBase  float32 `yaml:"rope_freq_base"`
		RopeFreqScale float32 `yaml:"rope_freq_scale"`
		UseMmap       *bool   `yaml:"use_mmap"`
		UseMlock      bool    `yaml:"use_mlock"`
		F16KV         *bool   `yaml:"f16_kv"`
	} `yaml:"model"`

	Sampling struct {
		Temp          float32 `yaml:"temp"`
		TopK          int     `yaml:"top_k"`
		TopP          float32 `yaml:"top_p"`
		RepeatPenalty float32 `yaml:"repeat_penalty"`
		RepeatLastN   int     `yaml:"repeat_last_n"`
	} `yaml:"sampling"`

	FlightAddr string `yaml:"flight_addr"`
}

func Default() *Config {
	c := &Config{}
	c.Log.Level = "INFO"
	c.Log.Format = "console"
	c.MetricsAddr = ":9090"
	c.Model.NCtx = 512
	c.Model.NBatch = 512
	c.Model.RopeFreqBase = 10000.0
	c.Model.RopeFreqScale = 1.0
	c.Sampling.Temp = 0.8
	c.Sampling.TopK = 40
	c.Sampling.TopP = 0.95
	c.Sampling.RepeatPenalty = 1.1
	c.Sampling.RepeatLastN = 64
	return c
}

// Load reads path over the defaults; a missing path is not an error
// when it was never set explicitly.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Model.NCtx < 1 {
		return fmt.Errorf("invalid n_ctx: %d (must be positive)", c.Model.NCtx)
	}
	if c.Model.NBatch < 1 {
		return fmt.Errorf("invalid n_batch: %d (must be positive)", c.Model.NBatch)
	}
	if c.Model.NGpuLayers < 0 {
		return fmt.Errorf("invalid n_gpu_layers: %d (must be non-negative)", c.Model.NGpuLayers)
	}
	if c.Sampling.Temp < 0 {
		return fmt.Errorf("invalid temp: %f (must be non-negative)", c.Sampling.Temp)
	}
	if c.Sampling.TopP <= 0 || c.Sampling.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be in (0, 1])", c.Sampling.TopP)
	}
	return nil
}
