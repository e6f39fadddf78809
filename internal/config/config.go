// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/novatechflow/kafgate/pkg/broker"
	"github.com/novatechflow/kafgate/pkg/protocol"
)

const (
	defaultListen          = ":9092"
	defaultMetricsListen   = ":9093"
	defaultControlListen   = ":9094"
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Config defines the broker configuration schema.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Broker      BrokerConfig      `yaml:"broker"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Control     ControlConfig     `yaml:"control"`
	APIVersions []APIVersionEntry `yaml:"api_versions"`
}

type BrokerConfig struct {
	Listen           string        `yaml:"listen"`
	MaxFrameBytes    int32         `yaml:"max_frame_bytes"`
	MaxConnections   int           `yaml:"max_connections"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	UnknownAPIPolicy string        `yaml:"unknown_api_policy"`
}

type MetricsConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// ControlConfig configures the gRPC health endpoint.
type ControlConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// APIVersionEntry is one row of the advertised capability table.
type APIVersionEntry struct {
	Key int16 `yaml:"key"`
	Min int16 `yaml:"min"`
	Max int16 `yaml:"max"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() Config {
	cfg := Config{
		LogLevel: "warn",
		Broker: BrokerConfig{
			Listen:           defaultListen,
			MaxFrameBytes:    protocol.DefaultMaxFrameBytes,
			WriteTimeout:     defaultWriteTimeout,
			ShutdownTimeout:  defaultShutdownTimeout,
			UnknownAPIPolicy: string(broker.UnknownAPIReply),
		},
		Metrics: MetricsConfig{
			Listen:  defaultMetricsListen,
			Enabled: true,
		},
		Control: ControlConfig{
			Listen:  defaultControlListen,
			Enabled: true,
		},
	}
	for _, v := range broker.DefaultAPIVersions() {
		cfg.APIVersions = append(cfg.APIVersions, APIVersionEntry{Key: v.APIKey, Min: v.MinVersion, Max: v.MaxVersion})
	}
	return cfg
}

// Load reads path (when non-empty) over the defaults, applies KAFGATE_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envOrDefault("KAFGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.Broker.Listen = envOrDefault("KAFGATE_LISTEN", cfg.Broker.Listen)
	cfg.Broker.MaxFrameBytes = parseEnvInt32("KAFGATE_MAX_FRAME_BYTES", cfg.Broker.MaxFrameBytes)
	cfg.Broker.MaxConnections = parseEnvInt("KAFGATE_MAX_CONNECTIONS", cfg.Broker.MaxConnections)
	cfg.Broker.IdleTimeout = parseEnvDuration("KAFGATE_IDLE_TIMEOUT", cfg.Broker.IdleTimeout)
	cfg.Broker.WriteTimeout = parseEnvDuration("KAFGATE_WRITE_TIMEOUT", cfg.Broker.WriteTimeout)
	cfg.Broker.ShutdownTimeout = parseEnvDuration("KAFGATE_SHUTDOWN_TIMEOUT", cfg.Broker.ShutdownTimeout)
	cfg.Broker.UnknownAPIPolicy = envOrDefault("KAFGATE_UNKNOWN_API_POLICY", cfg.Broker.UnknownAPIPolicy)
	cfg.Metrics.Listen = envOrDefault("KAFGATE_METRICS_LISTEN", cfg.Metrics.Listen)
	cfg.Metrics.Enabled = parseEnvBool("KAFGATE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Control.Listen = envOrDefault("KAFGATE_CONTROL_LISTEN", cfg.Control.Listen)
	cfg.Control.Enabled = parseEnvBool("KAFGATE_CONTROL_ENABLED", cfg.Control.Enabled)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Broker.Listen) == "" {
		return fmt.Errorf("broker.listen is required")
	}
	if c.Broker.MaxFrameBytes <= 0 {
		return fmt.Errorf("broker.max_frame_bytes must be positive, got %d", c.Broker.MaxFrameBytes)
	}
	if c.Broker.MaxConnections < 0 {
		return fmt.Errorf("broker.max_connections must not be negative, got %d", c.Broker.MaxConnections)
	}
	if c.Broker.IdleTimeout < 0 || c.Broker.WriteTimeout < 0 || c.Broker.ShutdownTimeout < 0 {
		return fmt.Errorf("broker timeouts must not be negative")
	}
	if _, err := broker.ParseUnknownAPIPolicy(c.Broker.UnknownAPIPolicy); err != nil {
		return fmt.Errorf("broker.unknown_api_policy: %w", err)
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if c.Control.Enabled && strings.TrimSpace(c.Control.Listen) == "" {
		return fmt.Errorf("control.listen is required when the control server is enabled")
	}
	return validateAPIVersions(c.APIVersions)
}

func validateAPIVersions(entries []APIVersionEntry) error {
	seen := make(map[int16]bool, len(entries))
	for _, e := range entries {
		if seen[e.Key] {
			return fmt.Errorf("api_versions: key %d listed twice", e.Key)
		}
		seen[e.Key] = true
		if e.Min < 0 || e.Max < e.Min {
			return fmt.Errorf("api_versions: key %d has invalid range %d..%d", e.Key, e.Min, e.Max)
		}
		if e.Key == protocol.APIKeyApiVersion && e.Max > protocol.ApiVersionsMaxVersion {
			return fmt.Errorf("api_versions: ApiVersions max %d exceeds %d", e.Max, protocol.ApiVersionsMaxVersion)
		}
	}
	if !seen[protocol.APIKeyApiVersion] {
		return fmt.Errorf("api_versions: ApiVersions (key %d) must be advertised", protocol.APIKeyApiVersion)
	}
	return nil
}

// ProtocolAPIVersions converts the capability table for the dispatcher.
func (c Config) ProtocolAPIVersions() []protocol.ApiVersion {
	out := make([]protocol.ApiVersion, 0, len(c.APIVersions))
	for _, e := range c.APIVersions {
		out = append(out, protocol.ApiVersion{APIKey: e.Key, MinVersion: e.Min, MaxVersion: e.Max})
	}
	return out
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvInt(name string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvInt32(name string, fallback int32) int32 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 32); err == nil {
			return int32(parsed)
		}
	}
	return fallback
}

func parseEnvDuration(name string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvBool(name string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
