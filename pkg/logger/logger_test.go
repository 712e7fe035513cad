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

package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	config := &Config{
		Level:  "debug",
		Debug:  true,
		Output: "stdout",
	}

	require.NoError(t, Init(config))
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	require.Error(t, Init(&Config{Level: "loud"}))
}

func TestSetDebug(t *testing.T) {
	SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	SetDebug(false)
	assert.Equal(t, zerolog.InfoLevel, GetLogger().GetLevel())
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer

	l := Wrap(zerolog.New(&buf))
	cl := l.WithComponent("sweeper")
	cl.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"sweeper"`)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DEBUG", "yes")

	config := DefaultConfig()

	assert.Equal(t, "warn", config.Level)
	assert.True(t, config.Debug)
	assert.Equal(t, "stdout", config.Output)
	assert.Equal(t, "camradar", config.Service)

	level, err := config.ParseLevel()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)
}

func TestNewTestLogger(t *testing.T) {
	l := NewTestLogger()
	l.Info().Str("k", "v").Msg("discarded")
	l.SetDebug(true)
}

func TestDefaultConfigPrefersPrefixedEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CAMRADAR_LOG_LEVEL", "error")
	t.Setenv("CAMRADAR_LOG_OUTPUT", "stderr")
	t.Setenv("CAMRADAR_SERVICE_NAME", "camera-scan")

	config := DefaultConfig()

	assert.Equal(t, "error", config.Level)
	assert.Equal(t, "stderr", config.Output)
	assert.Equal(t, "camera-scan", config.Service)
}
