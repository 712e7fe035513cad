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

package scan

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/carverauto/camradar/pkg/models"
)

// maxAutoPrefixBits narrows very wide interface networks (e.g. a /16 on a
// corporate LAN) to the /22 surrounding the host address.
const maxAutoPrefixBits = 22

// ExpandCIDR expands a CIDR notation into a slice of IP addresses.
// Skips network and broadcast addresses for non-/32 networks.
func ExpandCIDR(cidr string) ([]string, error) {
	baseIP, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []string

	ones, _ := ipnet.Mask.Size()

	for currentIP := baseIP.Mask(ipnet.Mask); ipnet.Contains(currentIP); incIP(currentIP) {
		if currentIP.To4() != nil && ones < 31 {
			if currentIP.Equal(ipnet.IP) || isBroadcast(currentIP, ipnet) {
				continue
			}
		}

		ips = append(ips, currentIP.String())
	}

	return ips, nil
}

// incIP increments an IP address in place.
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// isBroadcast checks if an IP is the broadcast address of a network.
func isBroadcast(ip net.IP, ipnet *net.IPNet) bool {
	broadcast := make(net.IP, len(ip))
	for i := range ip {
		broadcast[i] = ipnet.IP[i] | ^ipnet.Mask[i]
	}

	return ip.Equal(broadcast)
}

// TargetFromIP creates a models.Target from an IP string and mode, with optional port.
func TargetFromIP(ip string, mode models.SweepMode, port ...int) models.Target {
	t := models.Target{
		Host: ip,
		Mode: mode,
	}

	if len(port) > 0 {
		t.Port = port[0]
	}

	return t
}

// InterfaceAddrs lists interface addresses; replaced in tests.
var InterfaceAddrs = net.InterfaceAddrs

// LocalSubnets derives the IPv4 subnets attached to this host, skipping
// loopback and link-local ranges. Networks wider than /22 are clamped to
// the /22 containing the host address.
func LocalSubnets() ([]netip.Prefix, error) {
	addrs, err := InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}

	seen := make(map[netip.Prefix]struct{})

	var out []netip.Prefix

	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		p, ok := prefixFromIPNet(ipnet)
		if !ok {
			continue
		}

		if _, dup := seen[p]; dup {
			continue
		}

		seen[p] = struct{}{}
		out = append(out, p)
	}

	if len(out) == 0 {
		return nil, ErrNoSuitableInterface
	}

	return out, nil
}

func prefixFromIPNet(ipnet *net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(ipnet.IP.To4())
	if !ok || addr.IsLoopback() || addr.IsLinkLocalUnicast() || !addr.Is4() {
		return netip.Prefix{}, false
	}

	bits, _ := ipnet.Mask.Size()
	if bits < maxAutoPrefixBits {
		bits = maxAutoPrefixBits
	}

	if bits >= 31 {
		return netip.Prefix{}, false
	}

	return netip.PrefixFrom(addr, bits).Masked(), true
}

// HostsInPrefix lists usable IPv4 hosts in p, excluding network and broadcast.
func HostsInPrefix(p netip.Prefix) ([]netip.Addr, error) {
	if !p.Addr().Is4() {
		return nil, ErrInvalidPrefix
	}

	p = p.Masked()

	ips, err := ExpandCIDR(p.String())
	if err != nil {
		return nil, err
	}

	out := make([]netip.Addr, 0, len(ips))

	for _, s := range ips {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, nil
}
