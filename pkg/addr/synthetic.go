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
	"crypto/md5"
)

// SyntheticMACs returns the eight virtual interface addresses a node derives
// from its primary address. The derivation matches the gluon firmware
// (package/gluon-core generate_mac): md5 over the canonical textual form of
// the primary address, first octet with the locally administered bit set and
// the multicast bit cleared, octets two to five straight from the digest,
// and the virtual interface id 0..7 in the low three bits of the last octet.
//
// Interface ids: 0/8 client0, 1/9 mesh0, 2/a ibss0, 3/b wan_radio0 and the
// batman-adv primary address, 4/c client1, 5/d mesh1, 6/e ibss1,
// 7/f wan_radio1 and the mesh VPN.
func SyntheticMACs(primary MAC) [8]MAC {
	digest := md5.Sum([]byte(primary.String()))
	base := MAC{
		(digest[0] | 0x02) & 0xfe,
		digest[1],
		digest[2],
		digest[3],
		digest[4],
		digest[5] & 0xf8,
	}
	var macs [8]MAC
	for i := 0; i < 8; i++ {
		m := base
		m[5] += byte(i)
		macs[i] = m
	}
	return macs
}

// LegacyMACs returns the virtual interface addresses derived by firmware
// older than 2016.2: the locally administered bit set on the first octet,
// the second octet shifted by 1..5 and the third octet by a per-shift range
// of interface indexes. The remaining octets are unchanged.
func LegacyMACs(primary MAC) []MAC {
	ranges := []struct{ shift, count int }{
		{1, 1}, {2, 2}, {3, 2}, {4, 0}, {5, 2},
	}
	var macs []MAC
	for _, r := range ranges {
		for i := 0; i <= r.count; i++ {
			m := primary
			m[0] |= 0x02
			m[1] = byte(int(m[1]) + r.shift)
			m[2] = byte(int(m[2]) + i)
			macs = append(macs, m)
		}
	}
	return macs
}
