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

// Package node holds the canonical node records and the store that fuses
// them from the individual observation sources.
package node

import (
	"net/netip"
	"time"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

// Status is the liveness state of a node. The values are the single byte
// codes the text reports use.
type Status byte

const (
	// StatusUnknown marks nodes without any recent observation, or nodes
	// that lost an address collision.
	StatusUnknown Status = '?'
	// StatusOffline marks nodes last seen longer than the offline horizon
	// ago.
	StatusOffline Status = '#'
	// StatusOnline marks nodes that are alive in a mesh but have no VPN
	// uplink of their own.
	StatusOnline Status = ' '
	// StatusVPN marks nodes with an established VPN uplink.
	StatusVPN Status = 'V'
)

// IsOnline reports whether the status counts as alive.
func (s Status) IsOnline() bool {
	return s == StatusOnline || s == StatusVPN
}

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	case StatusVPN:
		return "vpn"
	}
	return "invalid"
}

// Source identifies the observation source a record came from. Higher
// values carry more authority when facts conflict within one pass.
type Source uint8

const (
	SourceNone Source = iota
	// SourcePersisted is the node snapshot of a previous pass.
	SourcePersisted
	// SourceKernel is a batman-adv kernel table sighting.
	SourceKernel
	// SourceFeed is the live telemetry feed.
	SourceFeed
)

func (s Source) String() string {
	switch s {
	case SourcePersisted:
		return "persisted"
	case SourceKernel:
		return "kernel"
	case SourceFeed:
		return "feed"
	}
	return "none"
}

// Position is a geographic coordinate as reported by the node.
type Position struct {
	Latitude  float64
	Longitude float64
	// Valid distinguishes a real coordinate from no position at all.
	Valid bool
}

// OptSegment is an optional segment value. The zero value is "absent":
// nothing was ever observed. "Unresolved" records that observations were
// made but did not determine a segment; unlike absent it blocks falling
// back to a default segment.
type OptSegment struct {
	segment addr.Segment
	state   uint8
}

const (
	segAbsent uint8 = iota
	segUnresolved
	segSet
)

// SegmentOf returns a set optional.
func SegmentOf(s addr.Segment) OptSegment {
	return OptSegment{segment: s, state: segSet}
}

// UnresolvedSegment returns the unresolved marker.
func UnresolvedSegment() OptSegment {
	return OptSegment{state: segUnresolved}
}

// Get returns the segment and whether it is set.
func (o OptSegment) Get() (addr.Segment, bool) {
	return o.segment, o.state == segSet
}

// IsSet reports whether a segment value is present.
func (o OptSegment) IsSet() bool { return o.state == segSet }

// IsAbsent reports whether no observation exists at all.
func (o OptSegment) IsAbsent() bool { return o.state == segAbsent }

// IsUnresolved reports whether observations exist but are indeterminate.
func (o OptSegment) IsUnresolved() bool { return o.state == segUnresolved }

func (o OptSegment) String() string {
	switch o.state {
	case segSet:
		return o.segment.String()
	case segUnresolved:
		return "??"
	}
	return "--"
}

// Node is the canonical record of one mesh node, keyed by its primary
// hardware address. A record is pass-local apart from the fields the
// snapshot store persists.
type Node struct {
	MAC      addr.MAC
	Name     string
	Hardware string
	// Firmware is the raw firmware release string, e.g. "1.3+2017-12-03".
	Firmware string
	Gluon    GluonType
	Status   Status
	LastSeen time.Time
	Uptime   time.Duration
	Clients  int

	Position Position
	ZIP      string
	Region   string
	Contact  string

	// ObservedSegment is the segment the node currently lives in, from
	// gateway sightings, its mesh address or kernel tables.
	ObservedSegment OptSegment
	// HomeSegment is the segment the node should live in, from geography
	// or a fixed operator assignment.
	HomeSegment OptSegment
	SegmentMode SegmentMode

	// KeyDir and KeyFile locate the node's VPN key in the peer
	// repository; empty for nodes without a key of their own.
	KeyDir  string
	KeyFile string
	// FastdKey is the node's public VPN key in hex.
	FastdKey string

	// UplinkGateway is the gateway the node reported as its default
	// gateway, if any.
	UplinkGateway addr.MAC
	IPv6          netip.Addr

	// Addresses are all hardware addresses known to belong to this node,
	// including the derived interface addresses that were actually
	// observed. The primary address is not part of the list.
	Addresses []addr.MAC
	// Neighbours are the primary addresses of directly radio-adjacent
	// nodes. Gateways are never neighbours.
	Neighbours []addr.MAC

	// CloudID is the mesh cloud the node was assigned to in this pass,
	// 0 while unclustered.
	CloudID int

	// Provenance is the most authoritative source that contributed to
	// the record during this pass.
	Provenance Source
}

// KeySegment returns the segment of the node's key directory.
func (n *Node) KeySegment() (addr.Segment, bool) {
	if n.KeyDir == "" {
		return 0, false
	}
	s, err := addr.ParseSegment(n.KeyDir)
	if err != nil {
		return 0, false
	}
	return s, true
}

// AddAddress records a further hardware address for the node.
func (n *Node) AddAddress(mac addr.MAC) {
	if mac == n.MAC {
		return
	}
	for _, a := range n.Addresses {
		if a == mac {
			return
		}
	}
	n.Addresses = append(n.Addresses, mac)
}

// RemoveAddress drops a hardware address from the node, typically after it
// lost the address to another node.
func (n *Node) RemoveAddress(mac addr.MAC) {
	for i, a := range n.Addresses {
		if a == mac {
			n.Addresses = append(n.Addresses[:i], n.Addresses[i+1:]...)
			return
		}
	}
}

// AddNeighbour records a radio adjacency. Duplicates and gateway addresses
// are ignored.
func (n *Node) AddNeighbour(mac addr.MAC) {
	if mac.IsGateway() {
		return
	}
	for _, a := range n.Neighbours {
		if a == mac {
			return
		}
	}
	n.Neighbours = append(n.Neighbours, mac)
}

// UpgradeGluon raises the capability tier. Within a pass the tier never
// goes down, regardless of which source reported last.
func (n *Node) UpgradeGluon(t GluonType) {
	if t > n.Gluon {
		n.Gluon = t
	}
}
