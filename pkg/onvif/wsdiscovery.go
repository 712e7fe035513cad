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

package onvif

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// NewProbe returns a WS-Discovery Probe for NetworkVideoTransmitter devices
// and the message ID it carries.
func NewProbe() ([]byte, string) {
	id := "uuid:" + uuid.NewString()

	msg := fmt.Sprintf(`%s<e:Envelope xmlns:e="http://www.w3.org/2003/05/soap-envelope" `+
		`xmlns:w="http://schemas.xmlsoap.org/ws/2004/08/addressing" `+
		`xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery" `+
		`xmlns:dn="http://www.onvif.org/ver10/network/wsdl">`+
		`<e:Header><w:MessageID>%s</w:MessageID>`+
		`<w:To e:mustUnderstand="true">urn:schemas-xmlsoap-org:ws:2005:04:discovery</w:To>`+
		`<w:Action e:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</w:Action>`+
		`</e:Header><e:Body><d:Probe><d:Types>dn:NetworkVideoTransmitter</d:Types></d:Probe></e:Body></e:Envelope>`,
		xml.Header, id)

	return []byte(msg), id
}

// ProbeMatch is a device announcement from a ProbeMatch or Hello message.
type ProbeMatch struct {
	EndpointRef string
	Types       []string
	Scopes      []string
	XAddrs      []string
	RelatesTo   string
}

type discoveryEntry struct {
	Address string `xml:"EndpointReference>Address"`
	Types   string `xml:"Types"`
	Scopes  string `xml:"Scopes"`
	XAddrs  string `xml:"XAddrs"`
}

func (e discoveryEntry) match(relatesTo string) ProbeMatch {
	return ProbeMatch{
		EndpointRef: strings.TrimSpace(e.Address),
		Types:       strings.Fields(e.Types),
		Scopes:      strings.Fields(e.Scopes),
		XAddrs:      strings.Fields(e.XAddrs),
		RelatesTo:   strings.TrimSpace(relatesTo),
	}
}

// ParseDiscoveryMessage decodes ProbeMatches and Hello messages. Other
// WS-Discovery messages (Probe, Bye) yield no matches.
func ParseDiscoveryMessage(data []byte) ([]ProbeMatch, error) {
	var env struct {
		RelatesTo string           `xml:"Header>RelatesTo"`
		Matches   []discoveryEntry `xml:"Body>ProbeMatches>ProbeMatch"`
		Hello     *discoveryEntry  `xml:"Body>Hello"`
	}

	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode ws-discovery message: %w", err)
	}

	out := make([]ProbeMatch, 0, len(env.Matches)+1)

	for _, m := range env.Matches {
		out = append(out, m.match(env.RelatesTo))
	}

	if env.Hello != nil {
		out = append(out, env.Hello.match(""))
	}

	return out, nil
}

// UUID returns the endpoint reference without its urn:uuid: prefix.
func (m *ProbeMatch) UUID() string {
	ref := strings.ToLower(m.EndpointRef)
	ref = strings.TrimPrefix(ref, "urn:")
	ref = strings.TrimPrefix(ref, "uuid:")

	return ref
}

// Scope returns the value of an onvif://www.onvif.org/<key>/<value> scope.
func (m *ProbeMatch) Scope(key string) string {
	prefix := "onvif://www.onvif.org/" + strings.ToLower(key) + "/"

	for _, s := range m.Scopes {
		if !strings.HasPrefix(strings.ToLower(s), prefix) {
			continue
		}

		v, err := url.PathUnescape(s[len(prefix):])
		if err != nil {
			return s[len(prefix):]
		}

		return v
	}

	return ""
}

// Host returns the hostname of the first usable XAddr.
func (m *ProbeMatch) Host() string {
	for _, x := range m.XAddrs {
		u, err := url.Parse(x)
		if err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}

	return ""
}

// XAddrFor returns the XAddr served from host, or the first one.
func (m *ProbeMatch) XAddrFor(host string) string {
	for _, x := range m.XAddrs {
		if u, err := url.Parse(x); err == nil && u.Hostname() == host {
			return x
		}
	}

	if len(m.XAddrs) > 0 {
		return m.XAddrs[0]
	}

	return ""
}
