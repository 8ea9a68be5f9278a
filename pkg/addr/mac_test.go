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

package addr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

func TestParseMAC(t *testing.T) {
	testCases := map[string]struct {
		input     string
		want      string
		assertErr assert.ErrorAssertionFunc
	}{
		"valid": {
			input:     "c4:6e:1f:aa:bb:cc",
			want:      "c4:6e:1f:aa:bb:cc",
			assertErr: assert.NoError,
		},
		"upper case normalized": {
			input:     "C4:6E:1F:AA:BB:CC",
			want:      "c4:6e:1f:aa:bb:cc",
			assertErr: assert.NoError,
		},
		"too short": {
			input:     "c4:6e:1f:aa:bb",
			assertErr: assert.Error,
		},
		"bad separator": {
			input:     "c4-6e-1f-aa-bb-cc",
			assertErr: assert.Error,
		},
		"bad digit": {
			input:     "c4:6e:1f:aa:bb:cg",
			assertErr: assert.Error,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			m, err := addr.ParseMAC(tc.input)
			tc.assertErr(t, err)
			if err == nil {
				assert.Equal(t, tc.want, m.String())
			}
		})
	}
}

func TestParseNodeID(t *testing.T) {
	m, err := addr.ParseNodeID("c46e1faabbcc")
	require.NoError(t, err)
	assert.Equal(t, addr.MustParseMAC("c4:6e:1f:aa:bb:cc"), m)
	assert.Equal(t, "c46e1faabbcc", m.NodeID())

	_, err = addr.ParseNodeID("c46e1faabbc")
	assert.Error(t, err)
	_, err = addr.ParseNodeID("c46e1faabbcg")
	assert.Error(t, err)
}

func TestIsGateway(t *testing.T) {
	testCases := map[string]struct {
		mac  string
		want bool
	}{
		"first generation":     {"02:00:0a:38:07:09", true},
		"second generation":    {"02:00:35:12:01:02", true},
		"second generation g9": {"02:00:39:64:01:01", true},
		"not a gateway prefix": {"02:00:30:12:01:02", false},
		"plain node":           {"c4:6e:1f:aa:bb:cc", false},
		"wrong second octet":   {"02:01:0a:38:07:09", false},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, addr.MustParseMAC(tc.mac).IsGateway())
		})
	}
}

func TestGatewaySegment(t *testing.T) {
	testCases := map[string]struct {
		mac    string
		want   addr.Segment
		wantOK bool
	}{
		"first generation fifth octet": {
			mac: "02:00:0a:38:07:09", want: 7, wantOK: true,
		},
		"first generation two digits": {
			mac: "02:00:0a:38:10:09", want: 10, wantOK: true,
		},
		"second generation fourth octet": {
			mac: "02:00:35:12:01:02", want: 12, wantOK: true,
		},
		"second generation segment zero": {
			mac: "02:00:31:00:01:02", want: 0, wantOK: true,
		},
		"non decimal digits": {
			mac: "02:00:0a:38:0f:09", wantOK: false,
		},
		"not a gateway": {
			mac: "c4:6e:1f:aa:bb:cc", wantOK: false,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			seg, ok := addr.MustParseMAC(tc.mac).GatewaySegment()
			require.Equal(t, tc.wantOK, ok)
			if ok {
				assert.Equal(t, tc.want, seg)
			}
		})
	}
}

func TestSyntheticMACs(t *testing.T) {
	// Reference values computed with the gluon derivation (md5 over the
	// textual primary address).
	testCases := map[string]struct {
		primary string
		want    []string
	}{
		"reference set": {
			primary: "c4:6e:1f:aa:bb:cc",
			want: []string{
				"d6:7a:9c:a5:0b:60", "d6:7a:9c:a5:0b:61",
				"d6:7a:9c:a5:0b:62", "d6:7a:9c:a5:0b:63",
				"d6:7a:9c:a5:0b:64", "d6:7a:9c:a5:0b:65",
				"d6:7a:9c:a5:0b:66", "d6:7a:9c:a5:0b:67",
			},
		},
		"locally administered bit forced": {
			primary: "88:e6:40:20:30:40",
			want: []string{
				"66:76:71:3a:1a:88", "66:76:71:3a:1a:89",
				"66:76:71:3a:1a:8a", "66:76:71:3a:1a:8b",
				"66:76:71:3a:1a:8c", "66:76:71:3a:1a:8d",
				"66:76:71:3a:1a:8e", "66:76:71:3a:1a:8f",
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got := addr.SyntheticMACs(addr.MustParseMAC(tc.primary))
			require.Len(t, got, 8)
			for i, want := range tc.want {
				assert.Equal(t, want, got[i].String(), "interface id %d", i)
			}
			// The derivation is deterministic.
			assert.Equal(t, got, addr.SyntheticMACs(addr.MustParseMAC(tc.primary)))
		})
	}
}

func TestSyntheticMACsShape(t *testing.T) {
	got := addr.SyntheticMACs(addr.MustParseMAC("00:11:22:33:44:55"))
	for i, m := range got {
		assert.Equal(t, byte(0x02), m[0]&0x02, "locally administered bit")
		assert.Equal(t, byte(0x00), m[0]&0x01, "multicast bit")
		assert.Equal(t, byte(i), m[5]&0x07, "interface id in low bits")
	}
}

func TestLegacyMACs(t *testing.T) {
	got := addr.LegacyMACs(addr.MustParseMAC("c4:6e:1f:01:02:03"))
	require.Len(t, got, 12)
	assert.Equal(t, "c6:6f:1f:01:02:03", got[0].String())
	assert.Equal(t, "c6:6f:20:01:02:03", got[1].String())
	assert.Equal(t, "c6:70:1f:01:02:03", got[2].String())
	assert.Equal(t, "c6:70:21:01:02:03", got[4].String())
	// Octet arithmetic wraps around.
	wrapped := addr.LegacyMACs(addr.MustParseMAC("c4:ff:ff:01:02:03"))
	assert.Equal(t, "c6:00:ff:01:02:03", wrapped[0].String())
}
