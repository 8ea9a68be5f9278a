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

// Package cloud partitions the node set into mesh clouds, the connected
// components of the radio adjacency graph.
package cloud

import (
	"sort"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
)

// noGluon marks a cloud without any uplink member.
const noGluon = node.GluonType(0xff)

// Cloud is one connected component of radio adjacent nodes.
type Cloud struct {
	ID int
	// Members in visit order. Stable for a given node set because the
	// builder iterates nodes in address order.
	Members []*node.Node
	// Clients is the summed client count of all members.
	Clients int

	minGluon node.GluonType
}

// Size returns the number of member nodes.
func (c *Cloud) Size() int {
	return len(c.Members)
}

// MinGluonType returns the lowest firmware tier among the cloud's uplink
// members. The second return value is false when no member has an uplink.
func (c *Cloud) MinGluonType() (node.GluonType, bool) {
	if c.minGluon == noGluon {
		return node.GluonUnknown, false
	}
	return c.minGluon, true
}

// Segments returns the distinct observed segments of the members in
// ascending order. More than one entry means the cloud bridges segments.
func (c *Cloud) Segments() []addr.Segment {
	seen := make(map[addr.Segment]struct{})
	for _, m := range c.Members {
		if seg, ok := m.ObservedSegment.Get(); ok {
			seen[seg] = struct{}{}
		}
	}
	segments := make([]addr.Segment, 0, len(seen))
	for seg := range seen {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments
}

func (c *Cloud) add(n *node.Node) {
	n.CloudID = c.ID
	c.Members = append(c.Members, n)
	c.Clients += n.Clients
	if n.Status == node.StatusVPN && n.Gluon < c.minGluon {
		c.minGluon = n.Gluon
	}
}

// absorb merges another cloud into this one. The absorbed cloud's members
// are relabelled.
func (c *Cloud) absorb(o *Cloud) {
	for _, m := range o.Members {
		m.CloudID = c.ID
	}
	c.Members = append(c.Members, o.Members...)
	c.Clients += o.Clients
	if o.minGluon < c.minGluon {
		c.minGluon = o.minGluon
	}
}

type builder struct {
	store  *node.Store
	logger log.Logger
	clouds map[int]*Cloud
	nextID int
}

// Build partitions the store's nodes into mesh clouds. Nodes are seeded in
// address order; the resulting partition does not depend on that order,
// since clouds touching each other merge. Single member clouds dissolve,
// their node stays unclustered.
func Build(store *node.Store, logger log.Logger) []*Cloud {
	return BuildSeeded(store, store.Nodes(), logger)
}

// BuildSeeded is Build with an explicit seed order. Any order yields the
// same partition, only the cloud IDs differ.
func BuildSeeded(store *node.Store, seeds []*node.Node, logger log.Logger) []*Cloud {
	b := &builder{
		store:  store,
		logger: logger,
		clouds: make(map[int]*Cloud),
	}
	store.ResetClouds()
	for _, n := range seeds {
		if n.CloudID != 0 || n.Status == node.StatusUnknown {
			continue
		}
		if len(n.Neighbours) == 0 {
			continue
		}
		b.grow(n)
	}

	clouds := make([]*Cloud, 0, len(b.clouds))
	for _, c := range b.clouds {
		if c.Size() < 2 {
			for _, m := range c.Members {
				m.CloudID = 0
			}
			continue
		}
		clouds = append(clouds, c)
	}
	sort.Slice(clouds, func(i, j int) bool { return clouds[i].ID < clouds[j].ID })
	return clouds
}

// grow floods outward from the seed with an explicit worklist. The
// neighbour graph can be large and cyclic, recursion is out.
func (b *builder) grow(seed *node.Node) {
	b.nextID++
	c := &Cloud{ID: b.nextID, minGluon: noGluon}
	b.clouds[c.ID] = c
	c.add(seed)

	stack := []*node.Node{seed}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, nb := range n.Neighbours {
			member, ok := b.store.ResolveNode(nb)
			if !ok {
				log.SafeInfo(b.logger, "Unknown neighbour",
					"node", n.MAC, "name", n.Name,
					"segment", n.ObservedSegment, "neighbour", nb)
				continue
			}
			if member.Status == node.StatusUnknown {
				continue
			}
			switch member.CloudID {
			case 0:
				c.add(member)
				stack = append(stack, member)
			case c.ID:
				log.SafeDebug(b.logger, "Duplicate mesh edge",
					"cloud", c.ID, "node", n.MAC, "neighbour", member.MAC)
			default:
				other := b.clouds[member.CloudID]
				log.SafeDebug(b.logger, "Merging clouds",
					"into", c.ID, "absorbed", other.ID, "via", member.MAC)
				delete(b.clouds, other.ID)
				c.absorb(other)
			}
		}
	}
}
