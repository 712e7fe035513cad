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

package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/carverauto/camradar/pkg/models"
)

type aliasEntry struct {
	ID     models.DeviceID `json:"id"`
	Source string          `json:"source"`
}

// AliasTable pins every identifier seen for a device (serial, endpoint
// reference, MAC) to the first DeviceID minted for it, so a camera keeps its
// ID when a cycle only reaches part of its identifiers. With a path the
// table survives restarts.
type AliasTable struct {
	mu    sync.Mutex
	path  string
	byKey map[string]aliasEntry
	dirty bool
}

// NewAliasTable loads path when it exists. An empty path keeps the table in
// memory only.
func NewAliasTable(path string) (*AliasTable, error) {
	t := &AliasTable{path: path, byKey: make(map[string]aliasEntry)}

	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}

	if err != nil {
		return nil, fmt.Errorf("identity aliases: %w", err)
	}

	if err := json.Unmarshal(data, &t.byKey); err != nil {
		return nil, fmt.Errorf("identity aliases %s: %w", path, err)
	}

	return t, nil
}

// Resolve returns the DeviceID for h: the ID already pinned to its most
// stable known identifier, else a freshly derived one. Every identifier in h
// not yet pinned is pinned to the result.
func (t *AliasTable) Resolve(h IdentityHints) (models.DeviceID, string, bool) {
	ids := identifiers(h)
	if len(ids) == 0 {
		return "", "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		entry aliasEntry
		found bool
	)

	for _, id := range ids {
		if entry, found = t.byKey[id.key()]; found {
			break
		}
	}

	if !found {
		id, source, ok := DeriveDeviceID(h)
		if !ok {
			return "", "", false
		}

		entry = aliasEntry{ID: id, Source: source}
	}

	for _, id := range ids {
		if _, ok := t.byKey[id.key()]; !ok {
			t.byKey[id.key()] = entry
			t.dirty = true
		}
	}

	return entry.ID, entry.Source, true
}

// Len returns the number of pinned identifiers.
func (t *AliasTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byKey)
}

// Flush writes the table if it changed since the last flush.
func (t *AliasTable) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.path == "" || !t.dirty {
		return nil
	}

	data, err := json.MarshalIndent(t.byKey, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("identity aliases: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("identity aliases: %w", err)
	}

	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("identity aliases: %w", err)
	}

	t.dirty = false

	return nil
}
