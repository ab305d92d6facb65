package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level engine.yaml configuration.
type EngineConfig struct {
	Version int `yaml:"version"`
	Engine  struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"engine"`
	Network struct {
		APIPort    int    `yaml:"api_port"`
		MQTTURL    string `yaml:"mqtt_url"`
		EventTopic string `yaml:"event_topic"`
	} `yaml:"network"`
	Store struct {
		Driver string `yaml:"driver"` // memory|postgres|sqlite
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Dedup struct {
		Driver string        `yaml:"driver"` // memory|redis
		Addr   string        `yaml:"addr"`
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"dedup"`
	Scheduler struct {
		Tick       time.Duration `yaml:"tick"`
		SweepLimit int           `yaml:"sweep_limit"`
	} `yaml:"scheduler"`
	Workers struct {
		Count     int `yaml:"count"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"workers"`
	Dispatch struct {
		MaxAttempts         int                       `yaml:"max_attempts"`
		BaseDelay           time.Duration             `yaml:"base_delay"`
		MaxDelay            time.Duration             `yaml:"max_delay"`
		DeferRetry          time.Duration             `yaml:"defer_retry"`
		InflightPerProvider int                       `yaml:"inflight_per_provider"`
		RatePerProvider     float64                   `yaml:"rate_per_provider"`
		Providers           map[string]ProviderConfig `yaml:"providers"`
	} `yaml:"dispatch"`
	Predicates struct {
		// MissingData controls how a predicate that references missing player
		// data is treated: "false" (default) or "fail".
		MissingData string `yaml:"missing_data"`
	} `yaml:"predicates"`
	Players struct {
		// AttributeURL is the base URL of the player attribute service.
		// Empty means attributes come from the in-process source only.
		AttributeURL string `yaml:"attribute_url"`
	} `yaml:"players"`
}

// ProviderConfig configures one outbound channel provider.
type ProviderConfig struct {
	URL string `yaml:"url"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *EngineConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// Tick returns the scheduler sweep interval, defaulting to one second.
func (c *EngineConfig) Tick() time.Duration {
	if c.Scheduler.Tick == 0 {
		return time.Second
	}
	return c.Scheduler.Tick
}

// SweepLimit returns the max instances pulled per sweep, defaulting to 500.
func (c *EngineConfig) SweepLimit() int {
	if c.Scheduler.SweepLimit == 0 {
		return 500
	}
	return c.Scheduler.SweepLimit
}

// WorkerCount returns the executor pool size, defaulting to 8.
func (c *EngineConfig) WorkerCount() int {
	if c.Workers.Count == 0 {
		return 8
	}
	return c.Workers.Count
}

// QueueSize returns the work queue capacity, defaulting to 1024.
func (c *EngineConfig) QueueSize() int {
	if c.Workers.QueueSize == 0 {
		return 1024
	}
	return c.Workers.QueueSize
}

// EventTopic returns the MQTT topic for player events.
func (c *EngineConfig) EventTopic() string {
	if c.Network.EventTopic == "" {
		return "crm/player-events"
	}
	return c.Network.EventTopic
}

// DedupTTL returns how long event ids are remembered, defaulting to 24h.
func (c *EngineConfig) DedupTTL() time.Duration {
	if c.Dedup.TTL == 0 {
		return 24 * time.Hour
	}
	return c.Dedup.TTL
}

// FailOnMissingData reports whether predicates referencing missing player
// attributes should fail the instance instead of evaluating to false.
func (c *EngineConfig) FailOnMissingData() bool {
	return c.Predicates.MissingData == "fail"
}

// LoadEngineConfig reads and parses engine.yaml from path.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported engine.yaml version: %d", cfg.Version)
	}

	return &cfg, nil
}
