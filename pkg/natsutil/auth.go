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

package natsutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

var (
	ErrNotUserSeed     = errors.New("nkey seed is not a user seed")
	ErrConflictingAuth = errors.New("creds_file and nkey_seed_file are mutually exclusive")
)

// AuthConfig selects how the agent authenticates to NATS. Both empty means
// no credentials beyond what the URL carries.
type AuthConfig struct {
	CredsFile    string `json:"creds_file,omitempty"`
	NKeySeedFile string `json:"nkey_seed_file,omitempty"`
}

// Options turns the config into connect options. The seed is parsed up
// front so a bad file fails at startup, not on the first reconnect.
func (a AuthConfig) Options() ([]nats.Option, error) {
	switch {
	case a.CredsFile != "" && a.NKeySeedFile != "":
		return nil, ErrConflictingAuth
	case a.CredsFile != "":
		if _, err := os.Stat(a.CredsFile); err != nil {
			return nil, fmt.Errorf("nats creds: %w", err)
		}

		return []nats.Option{nats.UserCredentials(a.CredsFile)}, nil
	case a.NKeySeedFile != "":
		kp, err := loadUserSeed(a.NKeySeedFile)
		if err != nil {
			return nil, err
		}

		pub, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("nkey public key: %w", err)
		}

		return []nats.Option{nats.Nkey(pub, kp.Sign)}, nil
	default:
		return nil, nil
	}
}

func loadUserSeed(path string) (nkeys.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nkey seed: %w", err)
	}

	seed := bytes.TrimSpace(raw)

	prefix, _, err := nkeys.DecodeSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("nkey seed %s: %w", path, err)
	}

	if prefix != nkeys.PrefixByteUser {
		return nil, fmt.Errorf("%w: %s", ErrNotUserSeed, path)
	}

	return nkeys.FromSeed(seed)
}
