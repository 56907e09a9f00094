// Package config loads agentscope configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Stream     StreamConfig     `koanf:"stream"`
	Health     HealthConfig     `koanf:"health"`
	Resilience ResilienceConfig `koanf:"resilience"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StoreConfig struct {
	HistoryCap     int           `koanf:"history_cap"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

type StreamConfig struct {
	ReplayCap     int           `koanf:"replay_cap"`
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type HealthConfig struct {
	MemoryBytes uint64        `koanf:"memory_bytes"`
	ErrorRate   float64       `koanf:"error_rate"`
	AvgLatency  time.Duration `koanf:"avg_latency"`
	SlowRequest time.Duration `koanf:"slow_request"`
}

type ResilienceConfig struct {
	// Production controls error sanitization at the boundary.
	Production       bool          `koanf:"production"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml when present, then applies AGENTSCOPE_* env
// overrides (double underscore maps to nesting), then defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing file is fine; env vars and defaults cover it.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("AGENTSCOPE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AGENTSCOPE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":                  8080,
		"server.request_timeout":       "30s",
		"store.history_cap":            1000,
		"store.session_timeout":        "24h",
		"store.sweep_interval":         "5m",
		"stream.replay_cap":            20,
		"stream.retention":             "1h",
		"stream.sweep_interval":        "10m",
		"health.memory_bytes":          512 << 20,
		"health.error_rate":            0.10,
		"health.avg_latency":           "1s",
		"health.slow_request":          "5s",
		"resilience.breaker_threshold": 5,
		"resilience.breaker_cooldown":  "60s",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SubstituteEnvVars expands ${VAR} references in a string value.
func SubstituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
