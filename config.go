/*
 * Copyright 2026 The Skiff Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package skiff

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skiffdb/skiff/internal/validation"
)

// Below are the values of the default configuration.
const (
	DefaultLogLevel       = "info"
	DefaultPollInterval   = "2s"
	DefaultIdleTimeout    = "5m"
	DefaultUpdateDebounce = "50ms"
	DefaultFlushDebounce  = "50ms"
)

// Config is the configuration of a store client.
type Config struct {
	// Endpoint is the URL the batched sync requests post to. Empty means
	// an offline-only store.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`

	// AuthToken is an optional bearer token attached to sync requests.
	AuthToken string `yaml:"authToken"`

	// DataDir is the durable store directory. Empty keeps documents in
	// memory only.
	DataDir string `yaml:"dataDir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`

	// PollInterval paces the regular sync timer.
	PollInterval string `yaml:"pollInterval"`

	// IdleTimeout pauses interval polling after this long without user
	// interaction.
	IdleTimeout string `yaml:"idleTimeout"`

	// UpdateDebounce is the window within which mutations coalesce into
	// one sync trigger.
	UpdateDebounce string `yaml:"updateDebounce"`

	// FlushDebounce is the window within which dirtied documents
	// coalesce into one durable write batch.
	FlushDebounce string `yaml:"flushDebounce"`
}

// NewConfig returns a config with every default applied.
func NewConfig() *Config {
	conf := &Config{}
	conf.Ensure()
	return conf
}

// NewConfigFromFile reads a YAML config file.
func NewConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	conf := &Config{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	conf.Ensure()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Ensure fills the zero-valued fields with their defaults.
func (c *Config) Ensure() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.PollInterval == "" {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.UpdateDebounce == "" {
		c.UpdateDebounce = DefaultUpdateDebounce
	}
	if c.FlushDebounce == "" {
		c.FlushDebounce = DefaultFlushDebounce
	}
}

// Validate checks field constraints and duration spellings.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	for name, value := range map[string]string{
		"pollInterval":   c.PollInterval,
		"idleTimeout":    c.IdleTimeout,
		"updateDebounce": c.UpdateDebounce,
		"flushDebounce":  c.FlushDebounce,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("config %s %q: %w", name, value, err)
		}
	}
	return nil
}

// ParsePollInterval returns the parsed poll interval.
func (c *Config) ParsePollInterval() time.Duration {
	return mustDuration(c.PollInterval)
}

// ParseIdleTimeout returns the parsed idle timeout.
func (c *Config) ParseIdleTimeout() time.Duration {
	return mustDuration(c.IdleTimeout)
}

// ParseUpdateDebounce returns the parsed update debounce window.
func (c *Config) ParseUpdateDebounce() time.Duration {
	return mustDuration(c.UpdateDebounce)
}

// ParseFlushDebounce returns the parsed flush debounce window.
func (c *Config) ParseFlushDebounce() time.Duration {
	return mustDuration(c.FlushDebounce)
}

// mustDuration assumes Validate ran.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}
