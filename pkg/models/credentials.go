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

// Credential is a username/password pair tried against devices.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DefaultCredentials are factory logins commonly left on consumer cameras.
var DefaultCredentials = []Credential{
	{Username: "admin", Password: "admin"},
	{Username: "admin", Password: ""},
	{Username: "admin", Password: "12345"},
	{Username: "admin", Password: "123456"},
}

// Redacted returns a copy safe for logs.
func (c Credential) Redacted() Credential {
	if c.Password != "" {
		c.Password = "***"
	}

	return c
}
