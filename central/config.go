package central

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type QueueFileConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	BaseRetryDelaySec int `yaml:"base_retry_delay_sec"`
	ClaimTTLSec       int `yaml:"claim_ttl_sec"`
}

type JanitorConfig struct {
	// StuckTimeoutMin is how long (minutes) a node may sit in resuming
	// before the janitor forces it back to normal.
	StuckTimeoutMin int `yaml:"stuck_timeout_min"`
	IntervalSec     int `yaml:"interval_sec"`
}

type FileConfig struct {
	DB     string `yaml:"db"`
	Listen string `yaml:"listen"`
	Debug  bool   `yaml:"debug"`

	Queue   QueueFileConfig `yaml:"queue"`
	Janitor JanitorConfig   `yaml:"janitor"`

	// QueueProcessIntervalSec gates the background pass over pending items.
	QueueProcessIntervalSec int `yaml:"queue_process_interval_sec"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// QueueConfig converts the file representation; zero fields keep the queue's
// own defaults.
func (c *FileConfig) QueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:     c.Queue.MaxRetries,
		BaseRetryDelay: time.Duration(c.Queue.BaseRetryDelaySec) * time.Second,
		ClaimTTL:       time.Duration(c.Queue.ClaimTTLSec) * time.Second,
	}
}

func (c *FileConfig) StuckTimeout() time.Duration {
	return time.Duration(c.Janitor.StuckTimeoutMin) * time.Minute
}

func (c *FileConfig) JanitorInterval() time.Duration {
	return time.Duration(c.Janitor.IntervalSec) * time.Second
}

func (c *FileConfig) ProcessInterval() time.Duration {
	return time.Duration(c.QueueProcessIntervalSec) * time.Second
}
