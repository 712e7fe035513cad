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

package models

import "time"

type SweepMode string

const (
	ModeTCP SweepMode = "tcp"
)

// Target is a single host:port probe scheduled by a scanner.
type Target struct {
	Host     string
	Port     int
	Mode     SweepMode
	Metadata map[string]interface{}
}

// Result is the outcome of probing one Target.
type Result struct {
	Target    Target
	Available bool
	FirstSeen time.Time
	LastSeen  time.Time
	RespTime  time.Duration
	Error     error
}
