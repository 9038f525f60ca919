package edge

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type BurstFileConfig struct {
	BatchSize    int     `toml:"batch_size"`
	BatchPauseMS int     `toml:"batch_pause_ms"`
	MaxAttempts  int     `toml:"max_attempts"`
	BackoffBase  float64 `toml:"backoff_base"`
}

type Config struct {
	NodeID    string `toml:"node_id"`
	CenterURL string `toml:"center_url"`
	QueueDir  string `toml:"queue_dir"`
	Listen    string `toml:"listen"`
	// RequestTimeoutSec bounds each HTTP call to the center.
	RequestTimeoutSec int  `toml:"request_timeout_sec"`
	Debug             bool `toml:"debug"`

	Burst BurstFileConfig `toml:"burst"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	if strings.TrimSpace(cfg.CenterURL) == "" {
		return nil, fmt.Errorf("center_url is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.QueueDir == "" {
		cfg.QueueDir = "blackout_queue"
	}
	return &cfg, nil
}

func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) BurstConfig() BurstConfig {
	return BurstConfig{
		BatchSize:   c.Burst.BatchSize,
		BatchPause:  time.Duration(c.Burst.BatchPauseMS) * time.Millisecond,
		MaxAttempts: c.Burst.MaxAttempts,
		BackoffBase: c.Burst.BackoffBase,
	}
}
