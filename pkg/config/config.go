/*
 * Copyright 2025 SREDiag Authors
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

// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/shm-exec/internal/logger"
)

const (
	defaultAddr            = "0.0.0.0:50051"
	defaultWorkers         = 1
	defaultContexts        = 10
	defaultQueueHint       = 64
	defaultShutdownTimeout = 10 * time.Second
)

// Environment overrides applied by Load after the file is read.
const (
	EnvAddr     = "SHMEXEC_ADDR"
	EnvWorkers  = "SHMEXEC_WORKERS"
	EnvContexts = "SHMEXEC_CONTEXTS"
	EnvAdmin    = "SHMEXEC_ADMIN_ADDR"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Executor ExecutorConfig `yaml:"executor"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`       // host:port
	QueueHint       int64    `yaml:"queue_hint"` // initial readiness queue size
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type ExecutorConfig struct {
	Workers  int `yaml:"workers"`  // agents per request type
	Contexts int `yaml:"contexts"` // contexts per request type
}

// AdminConfig controls the /live, /ready and /metrics endpoint. An empty Addr
// disables it.
type AdminConfig struct {
	Addr               string `yaml:"addr"`
	MaxGoroutines      int    `yaml:"max_goroutines"`
	MinAvailableMemory uint64 `yaml:"min_available_memory"`
	ShmPath            string `yaml:"shm_path"`
	MinShmFree         uint64 `yaml:"min_shm_free"`
}

type LogConfig struct {
	Level string `yaml:"level"` // trace, debug, info, warn, error, off
}

// Duration wraps time.Duration for YAML values like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            defaultAddr,
			QueueHint:       defaultQueueHint,
			ShutdownTimeout: Duration{defaultShutdownTimeout},
		},
		Executor: ExecutorConfig{
			Workers:  defaultWorkers,
			Contexts: defaultContexts,
		},
		Log: LogConfig{Level: "info"},
	}
}

// VerifyConfig reports the first invalid field.
func VerifyConfig(c *Config) error {
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("%w: server.addr %q: %v", ErrInvalidConfig, c.Server.Addr, err)
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("%w: executor.workers must be positive, got %d", ErrInvalidConfig, c.Executor.Workers)
	}
	if c.Executor.Contexts <= 0 {
		return fmt.Errorf("%w: executor.contexts must be positive, got %d", ErrInvalidConfig, c.Executor.Contexts)
	}
	if c.Server.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("%w: server.shutdown_timeout is negative", ErrInvalidConfig)
	}
	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			return fmt.Errorf("%w: admin.addr %q: %v", ErrInvalidConfig, c.Admin.Addr, err)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path over the defaults, applies environment overrides and
// verifies the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := ApplyEnv(c, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from lookup, usually os.LookupEnv.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAddr); ok {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvAdmin); ok {
		c.Admin.Addr = v
	}
	if v, ok := lookup(logger.EnvLogLevel); ok {
		c.Log.Level = v
	}
	for _, kv := range []struct {
		env string
		dst *int
	}{
		{EnvWorkers, &c.Executor.Workers},
		{EnvContexts, &c.Executor.Contexts},
	} {
		v, ok := lookup(kv.env)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, kv.env, v, err)
		}
		*kv.dst = n
	}
	return nil
}
