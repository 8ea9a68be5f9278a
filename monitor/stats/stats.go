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

// Package stats computes per-segment load figures from the fused node set.
// The load of a node is its client count plus one, so an empty node still
// weighs in; only online nodes count.
package stats

import (
	"sort"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

// SegmentLoad is the load of one segment in one pass.
type SegmentLoad struct {
	Segment addr.Segment
	// Nodes and Clients count the online population.
	Nodes   int
	Clients int
	// Uplinks counts the members with an own VPN tunnel.
	Uplinks int
	// Load is the balancing weight, clients plus one per node.
	Load int
}

// Summary is the load breakdown of one pass.
type Summary struct {
	// Segments is ordered by segment number.
	Segments []SegmentLoad
	// Regions and ZipAreas carry the load keyed by the node annotations.
	Regions  map[string]int
	ZipAreas map[string]int
}

// Collect tallies the online nodes by their observed segment.
func Collect(nodes []*node.Node) Summary {
	bySegment := make(map[addr.Segment]*SegmentLoad)
	sum := Summary{
		Regions:  make(map[string]int),
		ZipAreas: make(map[string]int),
	}
	for _, n := range nodes {
		if !n.Status.IsOnline() {
			continue
		}
		load := n.Clients + 1
		if seg, ok := n.ObservedSegment.Get(); ok {
			sl := bySegment[seg]
			if sl == nil {
				sl = &SegmentLoad{Segment: seg}
				bySegment[seg] = sl
			}
			sl.Nodes++
			sl.Clients += n.Clients
			sl.Load += load
			if n.Status == node.StatusVPN {
				sl.Uplinks++
			}
		}
		if n.Region != "" {
			sum.Regions[n.Region] += load
		}
		if n.ZIP != "" {
			sum.ZipAreas[n.ZIP] += load
		}
	}
	sum.Segments = make([]SegmentLoad, 0, len(bySegment))
	for _, sl := range bySegment {
		sum.Segments = append(sum.Segments, *sl)
	}
	sort.Slice(sum.Segments, func(i, j int) bool {
		return sum.Segments[i].Segment < sum.Segments[j].Segment
	})
	return sum
}

// Roll folds a fresh load value into the running average. Rising load is
// tracked quickly, falling load decays slowly, so short feed outages do not
// erase a segment's weight.
func Roll(prev, current int) int {
	if current > prev {
		return (prev*3 + current + 2) / 4
	}
	return (prev*431 + current + 216) / 432
}
