// Copyright 2025 Rhizo Authors
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

package db

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"rhizo/internal/artifacts"
	"rhizo/internal/common"
)

// GCConfig controls the optional background collector.
type GCConfig struct {
	Auto                bool  `yaml:"auto"`
	IntervalSeconds     int   `yaml:"interval_seconds"`
	MaxAgeSeconds       int64 `yaml:"max_age_seconds"`
	MaxVersionsPerTable int   `yaml:"max_versions_per_table"`
}

// Config is the per-store configuration from <root>/rhizo.yaml.
type Config struct {
	ChunkSizeBytes    int64 `yaml:"chunk_size_bytes"`
	MaxTableSizeBytes int64 `yaml:"max_table_size_bytes"`
	MaxColumns        int   `yaml:"max_columns"`

	VerifyIntegrity *bool `yaml:"verify_integrity"` // pointer to detect missing
	CacheTTLSeconds int   `yaml:"cache_ttl_seconds"`
	CacheMaxEntries int   `yaml:"cache_max_entries"`

	GC GCConfig `yaml:"gc"`

	LogLevel string `yaml:"log_level"` // trace, debug, info, warn, error, off
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.ChunkSizeBytes == 0 {
		cfg.ChunkSizeBytes = 64 << 20
	}
	if cfg.MaxTableSizeBytes == 0 {
		cfg.MaxTableSizeBytes = 10 << 30
	}
	if cfg.MaxColumns == 0 {
		cfg.MaxColumns = 1000
	}
	if cfg.VerifyIntegrity == nil {
		t := true
		cfg.VerifyIntegrity = &t
	}
	if cfg.CacheTTLSeconds == 0 {
		cfg.CacheTTLSeconds = 300
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = 256
	}
	if cfg.GC.IntervalSeconds == 0 {
		cfg.GC.IntervalSeconds = 3600
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
}

// VerifyEnabled resolves the integrity-verification switch. The
// RHIZO_VERIFY_INTEGRITY env var overrides the config file.
func (cfg *Config) VerifyEnabled() bool {
	switch strings.ToLower(os.Getenv("RHIZO_VERIFY_INTEGRITY")) {
	case "false", "0", "off":
		return false
	case "true", "1", "on":
		return true
	}
	if cfg.VerifyIntegrity == nil {
		return true
	}
	return *cfg.VerifyIntegrity
}

// loadConfig reads <root>/rhizo.yaml, writing the embedded default file
// first when none exists.
func loadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.DefaultConfig, 0o644); err != nil {
			return nil, fmt.Errorf("write default config: %w (%w)", err, common.ErrIO)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w (%w)", err, common.ErrIO)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w (%w)", path, err, common.ErrValidation)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// applyLogLevel configures logrus from the config value.
func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "off", "none":
		log.SetLevel(log.PanicLevel)
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	}
}
