/*
 * Copyright 2025 Carver Automation Corporation.
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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

type testSweep struct {
	Subnets []string        `json:"subnets"`
	Timeout models.Duration `json:"timeout"`
	Workers int             `json:"workers"`
}

type testTLS struct {
	CertFile string `json:"cert_file"`
	CAFile   string `json:"ca_file"`
}

type testCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type testConfig struct {
	AgentID     string            `json:"agent_id"`
	Sweep       testSweep         `json:"sweep"`
	Debug       bool              `json:"debug"`
	Port        uint16            `json:"port"`
	Factor      float64           `json:"factor"`
	Ports       []int             `json:"ports"`
	Credentials []testCredential  `json:"credentials"`
	TLS         *testTLS          `json:"tls"`
	Labels      map[string]string `json:"labels"`
}

var errMissingAgentID = errors.New("agent_id is required")

func (c *testConfig) Validate() error {
	if c.AgentID == "" {
		return errMissingAgentID
	}

	return nil
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadAndValidateJSON(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := writeFile(t, "agent.json", `{"agent_id":"a1","sweep":{"subnets":["10.0.0.0/24"],"timeout":"2s","workers":8}}`)

	var cfg testConfig

	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg))
	assert.Equal(t, "a1", cfg.AgentID)
	assert.Equal(t, []string{"10.0.0.0/24"}, cfg.Sweep.Subnets)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Sweep.Timeout))
	assert.Equal(t, 8, cfg.Sweep.Workers)
}

func TestLoadAndValidateYAML(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "file")

	path := writeFile(t, "agent.yaml", `
agent_id: yaml-agent
sweep:
  subnets:
    - 192.168.1.0/24
  timeout: 750ms
`)

	var cfg testConfig

	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))
	assert.Equal(t, "yaml-agent", cfg.AgentID)
	assert.Equal(t, 750*time.Millisecond, time.Duration(cfg.Sweep.Timeout))
}

func TestLoadAndValidateFailsValidation(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := writeFile(t, "agent.json", `{"sweep":{"workers":1}}`)

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errMissingAgentID)
}

func TestLoadAndValidateEnv(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("CONFIG_ENV_PREFIX", "TEST_")
	t.Setenv("TEST_AGENT_ID", "env-agent")
	t.Setenv("TEST_DEBUG", "true")
	t.Setenv("TEST_SWEEP_SUBNETS", "10.0.0.0/24, 10.0.1.0/24")
	t.Setenv("TEST_SWEEP_TIMEOUT", "3s")
	t.Setenv("TEST_SWEEP_WORKERS", "4")

	var cfg testConfig

	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg))
	assert.Equal(t, "env-agent", cfg.AgentID)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24"}, cfg.Sweep.Subnets)
	assert.Equal(t, 3*time.Second, time.Duration(cfg.Sweep.Timeout))
	assert.Equal(t, 4, cfg.Sweep.Workers)
}

func TestLoadAndValidateEnvFieldKinds(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("CONFIG_ENV_PREFIX", "KINDS_")
	t.Setenv("KINDS_AGENT_ID", "kinds")
	t.Setenv("KINDS_PORT", "8554")
	t.Setenv("KINDS_FACTOR", "1.5")
	t.Setenv("KINDS_PORTS", "554, 8554")
	t.Setenv("KINDS_CREDENTIALS", `[{"username":"admin","password":"secret"}]`)
	t.Setenv("KINDS_TLS_CA_FILE", "/etc/camradar/ca.pem")

	var cfg testConfig

	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg))
	assert.Equal(t, uint16(8554), cfg.Port)
	assert.InDelta(t, 1.5, cfg.Factor, 1e-9)
	assert.Equal(t, []int{554, 8554}, cfg.Ports)
	assert.Equal(t, []testCredential{{Username: "admin", Password: "secret"}}, cfg.Credentials)
	require.NotNil(t, cfg.TLS)
	assert.Equal(t, "/etc/camradar/ca.pem", cfg.TLS.CAFile)
	assert.Empty(t, cfg.TLS.CertFile)
}

func TestLoadEnvKeepsDefaultsOnBadValues(t *testing.T) {
	t.Setenv("BAD_PORT", "70000")
	t.Setenv("BAD_SWEEP_TIMEOUT", "soon")
	t.Setenv("BAD_PORTS", "554,rtsp")
	t.Setenv("BAD_LABELS", "site=hq")

	cfg := testConfig{
		Port:  554,
		Sweep: testSweep{Timeout: models.Duration(time.Second)},
		Ports: []int{80},
	}

	loader := NewEnvConfigLoader(logger.NewTestLogger(), "BAD_")
	require.NoError(t, loader.Load(context.Background(), "", &cfg))

	assert.Equal(t, uint16(554), cfg.Port)
	assert.Equal(t, time.Second, time.Duration(cfg.Sweep.Timeout))
	assert.Equal(t, []int{80}, cfg.Ports)
	assert.Nil(t, cfg.Labels)
	assert.Nil(t, cfg.TLS, "optional section stays unset without variables")
}

func TestEnvLoaderRejectsNonStruct(t *testing.T) {
	loader := NewEnvConfigLoader(nil, "X_")

	var n int

	require.ErrorIs(t, loader.Load(context.Background(), "", &n), ErrDstMustBePointerToStruct)
	require.ErrorIs(t, loader.Load(context.Background(), "", (*testConfig)(nil)), ErrDstMustBeNonNilPointer)
}

func TestLoadAndValidateEnvJSON(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("CONFIG_ENV_PREFIX", "JSONTEST_")
	t.Setenv("JSONTEST_CONFIG_JSON", `{"agent_id":"from-json"}`)

	var cfg testConfig

	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg))
	assert.Equal(t, "from-json", cfg.AgentID)
}

func TestLoadAndValidateRejectsUnknownSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "kv")

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), "x.json", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestLoadAndValidateRequiresPointer(t *testing.T) {
	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), "x.json", cfg)
	require.ErrorIs(t, err, errInvalidConfigPtr)
}
