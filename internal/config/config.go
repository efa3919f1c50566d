// Package config loads process configuration from an optional YAML file with
// environment variable overrides. Environment always wins so deployments can
// tune a shared file per instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MQTTAddr    string `yaml:"mqtt_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	// TelemetryRetention is how long sensor readings are kept before the
	// janitor removes them.
	TelemetryRetention time.Duration `yaml:"telemetry_retention"`

	// SchedulerTick is the trigger scheduling granularity.
	SchedulerTick time.Duration `yaml:"scheduler_tick"`
}

func defaults() Config {
	return Config{
		HTTPAddr:           ":8081",
		MQTTAddr:           ":1883",
		LogLevel:           "info",
		TelemetryRetention: 30 * 24 * time.Hour,
		SchedulerTick:      time.Minute,
	}
}

// Load reads the YAML file at path when it exists, then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.MQTTAddr = envOr("MQTT_ADDR", cfg.MQTTAddr)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("TELEMETRY_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse TELEMETRY_RETENTION: %w", err)
		}
		cfg.TelemetryRetention = d
	}
	if v := os.Getenv("SCHEDULER_TICK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SCHEDULER_TICK: %w", err)
		}
		cfg.SchedulerTick = d
	}

	if cfg.TelemetryRetention <= 0 {
		return Config{}, fmt.Errorf("telemetry_retention must be positive")
	}
	if cfg.SchedulerTick <= 0 {
		return Config{}, fmt.Errorf("scheduler_tick must be positive")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
