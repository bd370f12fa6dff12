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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) write(body string) string {
	path := filepath.Join(s.T().TempDir(), "server.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (s *ConfigTestSuite) TestDefaults() {
	c := DefaultConfig()
	s.Require().NoError(VerifyConfig(c))
	s.Equal("0.0.0.0:50051", c.Server.Addr)
	s.Equal(1, c.Executor.Workers)
	s.Equal(10, c.Executor.Contexts)
	s.Empty(c.Admin.Addr)
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	c := DefaultConfig()
	c.Executor.Workers = 0
	s.Require().ErrorIs(VerifyConfig(c), ErrInvalidConfig)
	c.Executor.Workers = 4

	c.Executor.Contexts = -1
	s.Require().ErrorIs(VerifyConfig(c), ErrInvalidConfig)
	c.Executor.Contexts = 2

	c.Server.Addr = "no-port"
	s.Require().ErrorIs(VerifyConfig(c), ErrInvalidConfig)
	c.Server.Addr = "127.0.0.1:0"

	c.Admin.Addr = "bad"
	s.Require().ErrorIs(VerifyConfig(c), ErrInvalidConfig)
	c.Admin.Addr = ":9090"

	c.Log.Level = "loud"
	s.Require().ErrorIs(VerifyConfig(c), ErrInvalidConfig)
	c.Log.Level = "debug"

	s.Require().NoError(VerifyConfig(c))
}

func (s *ConfigTestSuite) TestLoadFile() {
	path := s.write(`
server:
  addr: 127.0.0.1:6000
  shutdown_timeout: 3s
executor:
  workers: 4
admin:
  addr: 127.0.0.1:9090
  shm_path: /dev/shm
log:
  level: warn
`)
	c, err := Load(path)
	s.Require().NoError(err)
	s.Equal("127.0.0.1:6000", c.Server.Addr)
	s.Equal(3*time.Second, c.Server.ShutdownTimeout.Duration)
	s.Equal(4, c.Executor.Workers)
	s.Equal(10, c.Executor.Contexts)
	s.Equal("/dev/shm", c.Admin.ShmPath)
	s.Equal("warn", c.Log.Level)
}

func (s *ConfigTestSuite) TestLoadRejects() {
	_, err := Load(s.write("executor:\n  contexts: 0\n"))
	s.ErrorIs(err, ErrInvalidConfig)

	_, err = Load(s.write("server:\n  shutdown_timeout: soon\n"))
	s.ErrorIs(err, ErrInvalidConfig)

	_, err = Load(filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.ErrorIs(err, os.ErrNotExist)
}

func (s *ConfigTestSuite) TestEnvOverrides() {
	env := map[string]string{
		EnvAddr:     "127.0.0.1:7000",
		EnvWorkers:  "3",
		EnvContexts: "32",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	c := DefaultConfig()
	s.Require().NoError(ApplyEnv(c, lookup))
	s.Equal("127.0.0.1:7000", c.Server.Addr)
	s.Equal(3, c.Executor.Workers)
	s.Equal(32, c.Executor.Contexts)

	env[EnvWorkers] = "many"
	s.ErrorIs(ApplyEnv(c, lookup), ErrInvalidConfig)
}

func (s *ConfigTestSuite) TestLoadWithoutFileUsesEnv() {
	s.T().Setenv(EnvContexts, "5")
	c, err := Load("")
	s.Require().NoError(err)
	s.Equal(5, c.Executor.Contexts)
}
