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

package agent

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const defaultUnitName = "camradar-agent"

var errNoExecutable = errors.New("autostart: executable path is required")

// AutostartConfig controls the systemd user unit written by
// --install-autostart.
type AutostartConfig struct {
	UnitName string `json:"unit_name"`
	// Dir defaults to $XDG_CONFIG_HOME/systemd/user.
	Dir         string   `json:"dir"`
	Environment []string `json:"environment"`
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Camradar camera discovery agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{ .ExecStart }}
Restart=on-failure
RestartSec=5
{{- range .Environment }}
Environment={{ . }}
{{- end }}

[Install]
WantedBy=default.target
`))

// RenderUnit renders the unit file for exe started with args.
func RenderUnit(cfg AutostartConfig, exe string, args ...string) ([]byte, error) {
	if exe == "" {
		return nil, errNoExecutable
	}

	parts := make([]string, 0, len(args)+1)
	for _, p := range append([]string{exe}, args...) {
		parts = append(parts, quoteArg(p))
	}

	var buf bytes.Buffer

	err := unitTemplate.Execute(&buf, struct {
		ExecStart   string
		Environment []string
	}{
		ExecStart:   strings.Join(parts, " "),
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("render unit: %w", err)
	}

	return buf.Bytes(), nil
}

// InstallAutostart writes the unit and returns its path. Enabling it is left
// to "systemctl --user enable --now <unit>".
func InstallAutostart(cfg AutostartConfig, exe string, args ...string) (string, error) {
	unit, err := RenderUnit(cfg, exe, args...)
	if err != nil {
		return "", err
	}

	dir := cfg.Dir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("autostart: %w", err)
		}

		dir = filepath.Join(base, "systemd", "user")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("autostart: %w", err)
	}

	name := cfg.UnitName
	if name == "" {
		name = defaultUnitName
	}

	path := filepath.Join(dir, name+".service")

	if err := os.WriteFile(path, unit, 0o644); err != nil {
		return "", fmt.Errorf("autostart: %w", err)
	}

	return path, nil
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$%") {
		return s
	}

	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "$", "$$")

	return `"` + s + `"`
}
