// Copyright 2025 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dnssync

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

func aaaa(t *testing.T, name, ip string) dns.RR {
	t.Helper()
	parsed := net.ParseIP(ip)
	require.NotNil(t, parsed)
	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    recordTTL,
		},
		AAAA: parsed,
	}
}

func TestCollect(t *testing.T) {
	s := NewSyncer(Config{Zone: "nodes.example.net", Server: "ns1.example.net"}, nil)
	rrs := []dns.RR{
		&dns.SOA{Hdr: dns.RR_Header{Name: "nodes.example.net.", Rrtype: dns.TypeSOA}, Serial: 42},
		aaaa(t, "ffs-88e640203040.nodes.example.net", "fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"),
		// Outside the mesh ULA.
		aaaa(t, "ffs-88e640203050.nodes.example.net", "2001:db8::1"),
		// Duplicate owner name.
		aaaa(t, "ffs-88e640203040.nodes.example.net", "fd21:b4dc:4b03:0:8ae6:40ff:fe20:3040"),
		// Not a node record.
		aaaa(t, "gw05.nodes.example.net", "fd21:b4dc:4b07::5"),
	}
	entries := s.collect(rrs)
	require.Len(t, entries, 1)
	assert.Equal(t, netip.MustParseAddr("fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"),
		entries["ffs-88e640203040"])
	require.Len(t, s.Alerts(), 2)
	assert.Contains(t, s.Alerts()[0], "invalid address")
	assert.Contains(t, s.Alerts()[1], "duplicate address")
}

func TestPlan(t *testing.T) {
	entries := map[string]netip.Addr{
		"ffs-88e640203040": netip.MustParseAddr("fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"),
		"ffs-88e640203050": netip.MustParseAddr("fd21:b4dc:4b01:0:8ae6:40ff:fe20:3050"),
	}
	nodes := []*node.Node{
		// Up to date, no change.
		{
			MAC:  addr.MustParseMAC("88:e6:40:20:30:40"),
			IPv6: netip.MustParseAddr("fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"),
		},
		// Moved to another segment, replace.
		{
			MAC:  addr.MustParseMAC("88:e6:40:20:30:50"),
			IPv6: netip.MustParseAddr("fd21:b4dc:4b03:0:8ae6:40ff:fe20:3050"),
		},
		// Not in the zone yet, add.
		{
			MAC:  addr.MustParseMAC("88:e6:40:20:30:60"),
			IPv6: netip.MustParseAddr("fd21:b4dc:4b03:0:8ae6:40ff:fe20:3060"),
		},
		// No mesh address, skipped.
		{MAC: addr.MustParseMAC("88:e6:40:20:30:70")},
		// Address outside the mesh ULA, skipped.
		{
			MAC:  addr.MustParseMAC("88:e6:40:20:30:80"),
			IPv6: netip.MustParseAddr("2001:db8::80"),
		},
	}
	changes := plan(entries, nodes)
	require.Len(t, changes, 2)
	assert.Equal(t, "ffs-88e640203050", changes[0].Name)
	assert.True(t, changes[0].Replace)
	assert.Equal(t, "ffs-88e640203060", changes[1].Name)
	assert.False(t, changes[1].Replace)
}

func TestConfigValidate(t *testing.T) {
	testCases := map[string]struct {
		cfg       Config
		assertErr assert.ErrorAssertionFunc
	}{
		"disabled": {
			cfg:       Config{},
			assertErr: assert.NoError,
		},
		"complete": {
			cfg: Config{
				Zone:       "nodes.example.net",
				Server:     "ns1.example.net",
				TSIGName:   "monitor",
				TSIGSecret: "c2VjcmV0",
			},
			assertErr: assert.NoError,
		},
		"zone without server": {
			cfg:       Config{Zone: "nodes.example.net"},
			assertErr: assert.Error,
		},
		"tsig name without secret": {
			cfg: Config{
				Zone:     "nodes.example.net",
				Server:   "ns1.example.net",
				TSIGName: "monitor",
			},
			assertErr: assert.Error,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			tc.assertErr(t, tc.cfg.Validate())
		})
	}
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, "ns1.example.net:53",
		(&Config{Server: "ns1.example.net"}).serverAddr())
	assert.Equal(t, "ns1.example.net:5353",
		(&Config{Server: "ns1.example.net:5353"}).serverAddr())
}
