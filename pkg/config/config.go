package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

type Config struct {
	App             AppConfig      `json:"app"`
	Database        DatabaseConfig `json:"database"`
	Plugins         PluginsConfig  `json:"plugins"`
	Engine          EngineConfig   `json:"engine"`
	Export          ExportConfig   `json:"export"`
	RecentSequences []string       `json:"recent_sequences"`
}

type AppConfig struct {
	Name string `json:"name"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type PluginsConfig struct {
	ConfigDir string `json:"config_dir"`
}

type EngineConfig struct {
	SettleDelayMS  int `json:"settle_delay_ms"`
	PollIntervalMS int `json:"poll_interval_ms"`
}

type ExportConfig struct {
	Dir string `json:"dir"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		App:      AppConfig{Name: "seqlab"},
		Database: DatabaseConfig{Path: "measurements.db"},
		Plugins:  PluginsConfig{ConfigDir: "plugin_configs"},
		Engine: EngineConfig{
			SettleDelayMS:  500,
			PollIntervalMS: 100,
		},
		Export:          ExportConfig{Dir: "exports"},
		RecentSequences: []string{},
	}
}

// LoadConfig reads the configuration file, falling back to the defaults when
// it does not exist. A present but malformed file is fatal.
func LoadConfig(path string) *Config {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("no config file at %s, using defaults", path)
			return cfg
		}
		log.Fatalf("failed to open config file: %v", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		log.Fatalf("failed to decode config file: %v", err)
	}

	return cfg
}

// Save writes the configuration back to disk.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SettleDelay is the engine wait between applying parameters and measuring.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Engine.SettleDelayMS) * time.Millisecond
}

// PollInterval is the cadence at which run consumers poll engine status,
// used for the live dashboard refresh. Non-positive values fall back to the
// default.
func (c *Config) PollInterval() time.Duration {
	if c.Engine.PollIntervalMS <= 0 {
		return time.Duration(Default().Engine.PollIntervalMS) * time.Millisecond
	}
	return time.Duration(c.Engine.PollIntervalMS) * time.Millisecond
}

// AddRecentSequence moves filepath to the front of the recent list, capped at
// ten entries.
func (c *Config) AddRecentSequence(filepath string) {
	recent := []string{filepath}
	for _, f := range c.RecentSequences {
		if f != filepath {
			recent = append(recent, f)
		}
	}
	if len(recent) > 10 {
		recent = recent[:10]
	}
	c.RecentSequences = recent
}
