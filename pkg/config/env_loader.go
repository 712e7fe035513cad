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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")

	errUnsupportedKind = errors.New("unsupported field kind")
)

var durationType = reflect.TypeOf(models.Duration(0))

// EnvConfigLoader fills a config struct from environment variables named
// after the json tags, nested structs joined by underscores:
// CAMRADAR_SWEEP_SUBNETS sets Config.Sweep.Subnets. Variables that are not
// set leave the existing (default) value alone.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates a new environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load implements ConfigLoader. <prefix>CONFIG_JSON, when set, replaces
// per-field lookup.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if jsonConfig := os.Getenv(e.prefix + "CONFIG_JSON"); jsonConfig != "" {
		if err := json.Unmarshal([]byte(jsonConfig), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		e.debug().Msg("Loaded configuration from CONFIG_JSON environment variable")

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	e.loadStruct(v, e.prefix)

	return nil
}

func (e *EnvConfigLoader) debug() *zerolog.Event {
	if e.logger == nil {
		return nil
	}

	return e.logger.Debug()
}

func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}

		envName := prefix + strings.ToUpper(name)

		switch {
		case field.Kind() == reflect.Struct:
			e.loadStruct(field, envName+"_")
			continue
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			if !hasPrefixedEnv(envName + "_") {
				continue
			}

			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}

			e.loadStruct(field.Elem(), envName+"_")

			continue
		}

		value, ok := os.LookupEnv(envName)
		if !ok || value == "" {
			continue
		}

		if err := setField(field, value); err != nil {
			if e.logger != nil {
				e.logger.Warn().Err(err).Str("env", envName).Msg("Ignoring environment variable")
			}

			continue
		}

		e.debug().Str("env", envName).Msg("Loaded value from environment variable")
	}
}

// hasPrefixedEnv reports whether any variable starts with prefix, so
// optional sections stay nil unless configured.
func hasPrefixedEnv(prefix string) bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}

	return false
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}

		field.SetInt(int64(d))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}

		field.SetInt(i)
	case reflect.Uint16, reflect.Uint:
		u, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer %q: %w", value, err)
		}

		field.SetUint(u)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float %q: %w", value, err)
		}

		field.SetFloat(f)
	case reflect.Slice:
		return setSlice(field, value)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedKind, field.Kind())
	}

	return nil
}

// setSlice takes comma-separated strings and ints; anything else, such as
// credential lists, must be a JSON array.
func setSlice(field reflect.Value, value string) error {
	if strings.HasPrefix(strings.TrimSpace(value), "[") {
		if err := json.Unmarshal([]byte(value), field.Addr().Interface()); err != nil {
			return fmt.Errorf("invalid JSON list: %w", err)
		}

		return nil
	}

	parts := strings.Split(value, ",")
	out := reflect.MakeSlice(field.Type(), len(parts), len(parts))

	for i, p := range parts {
		if err := setField(out.Index(i), strings.TrimSpace(p)); err != nil {
			return err
		}
	}

	field.Set(out)

	return nil
}
