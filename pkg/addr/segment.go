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

package addr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"

	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// Segment is one of the independent broadcast/VPN domains nodes are
// partitioned into. Segment 0 is the legacy unsegmented network.
type Segment uint8

// MaxSegment is the highest segment number in use.
const MaxSegment = 64

// ParseSegment parses a segment from its decimal form or from a key
// directory name ("07", "7" or "vpn07").
func ParseSegment(s string) (Segment, error) {
	s = strings.TrimPrefix(s, "vpn")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 99 {
		return 0, serrors.New("invalid segment", "input", s)
	}
	return Segment(n), nil
}

func (s Segment) String() string {
	return fmt.Sprintf("%02d", uint8(s))
}

// KeyDir returns the key directory name of the segment, e.g. "vpn07".
func (s Segment) KeyDir() string {
	return "vpn" + s.String()
}

// meshULA covers the site-local prefixes fd21:b4dc:4b00::/64 through
// fd21:b4dc:4bff::/64 that carry the per-segment node addresses.
var meshULA = func() *netipx.IPSet {
	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("fd21:b4dc:4b00::/40"))
	s, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return s
}()

// InMeshULA reports whether ip is part of the mesh's site-local address
// space.
func InMeshULA(ip netip.Addr) bool {
	return meshULA.Contains(ip)
}

// SegmentFromIPv6 extracts the segment from a node's site-local address.
// The third hextet is 4bSS where the two digits SS spell the segment in
// decimal; the historic value 4b1e denotes the legacy network and maps to
// segment 0. The fourth hextet must be zero.
//
// The second return value is false if the address is not a well-formed
// mesh node address.
func SegmentFromIPv6(s string) (Segment, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is6() {
		return 0, false
	}
	if !InMeshULA(ip) {
		return 0, false
	}
	raw := ip.As16()
	if raw[6] != 0 || raw[7] != 0 {
		return 0, false
	}
	if raw[5] == 0x1e {
		return 0, true
	}
	n, ok := decimalOctet(raw[5])
	if !ok || n > 99 {
		return 0, false
	}
	return Segment(n), true
}
