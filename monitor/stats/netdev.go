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

package stats

import (
	"regexp"
	"strconv"

	"github.com/prometheus/procfs"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// batIfPattern matches the per-segment batman-adv interfaces of the host.
var batIfPattern = regexp.MustCompile(`^bat([0-9]{2})$`)

// LinkCounters are the kernel byte and packet counters of one segment's
// batman interface.
type LinkCounters struct {
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
}

// CollectNetDev reads the per-segment batman interface counters from
// /proc/net/dev.
func CollectNetDev(fs procfs.FS) (map[addr.Segment]LinkCounters, error) {
	netDev, err := fs.NetDev()
	if err != nil {
		return nil, serrors.Wrap("reading interface counters", err)
	}
	counters := make(map[addr.Segment]LinkCounters)
	for name, line := range netDev {
		m := batIfPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		seg, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		counters[addr.Segment(seg)] = LinkCounters{
			RxBytes:   line.RxBytes,
			TxBytes:   line.TxBytes,
			RxPackets: line.RxPackets,
			TxPackets: line.TxPackets,
		}
	}
	return counters, nil
}
