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

// Package addr contains the address types of the mesh: hardware addresses,
// segment numbers and the derivation rules that connect them.
package addr

import (
	"encoding/hex"
	"fmt"

	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// MAC is a hardware address. It is a value type and can be used as a map key.
//
// The canonical textual form is lower-case and colon-separated, e.g.
// "c4:6e:1f:aa:bb:cc". This is the form all feeds and reports use.
type MAC [6]byte

// ParseMAC parses a hardware address in colon-separated form. Upper-case
// input is accepted and normalized.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	if len(s) != 17 {
		return MAC{}, serrors.New("invalid hardware address", "input", s)
	}
	for i := 0; i < 6; i++ {
		if i > 0 && s[i*3-1] != ':' {
			return MAC{}, serrors.New("invalid hardware address", "input", s)
		}
		b, err := hex.DecodeString(s[i*3 : i*3+2])
		if err != nil {
			return MAC{}, serrors.New("invalid hardware address", "input", s)
		}
		m[i] = b[0]
	}
	return m, nil
}

// ParseNodeID parses the 12 hex digit node id form (a hardware address with
// the colons stripped), as used in key file names and DNS labels.
func ParseNodeID(s string) (MAC, error) {
	if len(s) != 12 {
		return MAC{}, serrors.New("invalid node id", "input", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return MAC{}, serrors.New("invalid node id", "input", s)
	}
	var m MAC
	copy(m[:], b)
	return m, nil
}

// MustParseMAC calls ParseMAC and panics on error. It is intended for use in
// tests with hard-coded strings.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// NodeID returns the 12 hex digit form without colons.
func (m MAC) NodeID() string {
	return hex.EncodeToString(m[:])
}

// IsZero reports whether the address is the zero value.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// MarshalText implements encoding.TextMarshaler.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(text []byte) error {
	parsed, err := ParseMAC(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// IsGateway reports whether the address belongs to a gateway. Gateways carry
// administratively assigned addresses of the form 02:00:0a:xx:xx:xx (first
// generation) or 02:00:3G:xx:xx:xx with G in 1..9 (second generation).
func (m MAC) IsGateway() bool {
	if m[0] != 0x02 || m[1] != 0x00 {
		return false
	}
	if m[2] == 0x0a {
		return true
	}
	return m[2]>>4 == 0x3 && m[2]&0x0f >= 1 && m[2]&0x0f <= 9
}

// GatewaySegment returns the segment encoded in a gateway address. First
// generation addresses carry the segment in the 5th octet, second generation
// addresses in the 4th octet. In both cases the octet's hex digits are read
// as a decimal number, e.g. 0x10 means segment 10.
func (m MAC) GatewaySegment() (Segment, bool) {
	if !m.IsGateway() {
		return 0, false
	}
	octet := m[3]
	if m[2] == 0x0a {
		octet = m[4]
	}
	n, ok := decimalOctet(octet)
	if !ok {
		return 0, false
	}
	return Segment(n), true
}

// decimalOctet reads the two hex digits of b as decimal digits.
func decimalOctet(b byte) (int, bool) {
	hi, lo := int(b>>4), int(b&0x0f)
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return hi*10 + lo, true
}
