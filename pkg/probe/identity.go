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
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/zeebo/blake3"

	"github.com/carverauto/camradar/pkg/models"
)

// IdentityHints are hardware identifiers gathered while probing.
type IdentityHints struct {
	Manufacturer string
	Serial       string
	HardwareID   string
	EndpointRef  string
	MAC          string
}

func (h IdentityHints) merge(o IdentityHints) IdentityHints {
	pick := func(dst *string, src string) {
		if *dst == "" {
			*dst = strings.TrimSpace(src)
		}
	}

	pick(&h.Manufacturer, o.Manufacturer)
	pick(&h.Serial, o.Serial)
	pick(&h.HardwareID, o.HardwareID)
	pick(&h.EndpointRef, o.EndpointRef)
	pick(&h.MAC, o.MAC)

	return h
}

type identifier struct {
	kind  string
	value string
}

func (i identifier) key() string { return i.kind + ":" + i.value }

// identifiers lists every stable identifier present, most stable first.
func identifiers(h IdentityHints) []identifier {
	var out []identifier

	if s := strings.TrimSpace(h.Serial); s != "" {
		out = append(out, identifier{"serial", strings.ToLower(strings.TrimSpace(h.Manufacturer)) + "/" + s})
	}

	if ref := strings.TrimSpace(h.EndpointRef); ref != "" {
		out = append(out, identifier{"endpoint_ref", strings.ToLower(ref)})
	}

	if mac := normalizeMAC(h.MAC); mac != "" {
		out = append(out, identifier{"mac", mac})
	}

	return out
}

// identityKey domain-separates device IDs from other blake3 uses.
var identityKey = blake3.Sum256([]byte("camradar device identity v1"))

// DeriveDeviceID hashes the strongest identifier into a cam: prefixed ID.
// The network address never contributes.
func DeriveDeviceID(h IdentityHints) (models.DeviceID, string, bool) {
	ids := identifiers(h)
	if len(ids) == 0 {
		return "", "", false
	}

	kind, value := ids[0].kind, ids[0].value

	hasher, err := blake3.NewKeyed(identityKey[:])
	if err != nil {
		return "", "", false
	}

	_, _ = fmt.Fprintf(hasher, "%s:%s", kind, value)
	sum := hasher.Sum(nil)

	return models.DeviceID("cam:" + hex.EncodeToString(sum[:4]) + "-" +
		hex.EncodeToString(sum[4:6]) + "-" +
		hex.EncodeToString(sum[6:8]) + "-" +
		hex.EncodeToString(sum[8:10]) + "-" +
		hex.EncodeToString(sum[10:16])), kind, true
}

// normalizeMAC uppercases and strips separators; all-zero MACs are dropped.
func normalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	mac = strings.ReplaceAll(mac, ".", "")

	if len(mac) != 12 || mac == "000000000000" {
		return ""
	}

	return mac
}

// MACResolver maps an address to the hardware address behind it.
type MACResolver interface {
	LookupMAC(ctx context.Context, addr netip.Addr) (string, error)
}

// ARPTable reads the Linux neighbour cache. A TCP connect during the sweep
// is enough to populate it for hosts on the same segment.
type ARPTable struct {
	Path string
}

func (a *ARPTable) LookupMAC(_ context.Context, addr netip.Addr) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	want := addr.String()
	sc := bufio.NewScanner(f)

	for sc.Scan() {
		// IP address  HW type  Flags  HW address  Mask  Device
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != want {
			continue
		}

		if mac := normalizeMAC(fields[3]); mac != "" {
			return fields[3], nil
		}
	}

	return "", sc.Err()
}

const oidIfPhysAddressFirst = ".1.3.6.1.2.1.2.2.1.6.1"
const oidSysDescr = ".1.3.6.1.2.1.1.1.0"

// SNMPResolver reads ifPhysAddress.1 from the device itself.
type SNMPResolver struct {
	Community string
	Port      uint16
	Timeout   time.Duration
}

func (s *SNMPResolver) client(addr netip.Addr) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    addr.String(),
		Port:      s.Port,
		Community: s.Community,
		Version:   gosnmp.Version2c,
		Timeout:   s.Timeout,
		Retries:   1,
	}
}

func (s *SNMPResolver) LookupMAC(ctx context.Context, addr netip.Addr) (string, error) {
	client := s.client(addr)
	client.Context = ctx

	if err := client.Connect(); err != nil {
		return "", fmt.Errorf("snmp connect: %w", err)
	}
	defer func() { _ = client.Conn.Close() }()

	result, err := client.Get([]string{oidIfPhysAddressFirst, oidSysDescr})
	if err != nil {
		return "", fmt.Errorf("snmp get: %w", err)
	}

	if result.Error != gosnmp.NoError {
		return "", fmt.Errorf("snmp error: %s", result.Error)
	}

	for _, v := range result.Variables {
		if v.Name != oidIfPhysAddressFirst || v.Type != gosnmp.OctetString {
			continue
		}

		if b, ok := v.Value.([]byte); ok && len(b) == 6 {
			return net.HardwareAddr(b).String(), nil
		}
	}

	return "", nil
}

// chainResolver returns the first non-empty answer.
type chainResolver []MACResolver

func (c chainResolver) LookupMAC(ctx context.Context, addr netip.Addr) (string, error) {
	var firstErr error

	for _, r := range c {
		mac, err := r.LookupMAC(ctx, addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if mac != "" {
			return mac, nil
		}
	}

	return "", firstErr
}
