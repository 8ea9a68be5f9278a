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

package cloud_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/cloud"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *node.Store {
	return node.NewStore(node.Config{Now: func() time.Time { return testNow }}, nil)
}

func addMeshNode(t *testing.T, s *node.Store, mac string, clients int, neighbours ...string) {
	t.Helper()
	rec := node.SourceRecord{
		Source:   node.SourceFeed,
		MAC:      addr.MustParseMAC(mac),
		Name:     "ffs-" + mac[len(mac)-5:],
		Firmware: "1.3+2017-12-03",
		LastSeen: testNow.Add(-5 * time.Minute),
		Clients:  clients,
	}
	for _, nb := range neighbours {
		rec.Neighbours = append(rec.Neighbours, addr.MustParseMAC(nb))
	}
	require.NoError(t, s.Ingest(rec))
}

// partition renders clouds as a comparable set of member sets.
func partition(clouds []*cloud.Cloud) [][]string {
	p := make([][]string, 0, len(clouds))
	for _, c := range clouds {
		members := make([]string, 0, c.Size())
		for _, m := range c.Members {
			members = append(members, m.MAC.String())
		}
		sort.Strings(members)
		p = append(p, members)
	}
	sort.Slice(p, func(i, j int) bool { return p[i][0] < p[j][0] })
	return p
}

func TestBuildPartition(t *testing.T) {
	s := newTestStore()
	addMeshNode(t, s, "02:aa:00:00:00:01", 2, "02:aa:00:00:00:02")
	addMeshNode(t, s, "02:aa:00:00:00:02", 3, "02:aa:00:00:00:01", "02:aa:00:00:00:03")
	addMeshNode(t, s, "02:aa:00:00:00:03", 4)
	addMeshNode(t, s, "02:bb:00:00:00:01", 0, "02:bb:00:00:00:02")
	addMeshNode(t, s, "02:bb:00:00:00:02", 5)
	// Only neighbour never resolves, the resulting cloud is trivial.
	addMeshNode(t, s, "02:cc:00:00:00:01", 1, "02:dd:ee:ff:00:99")

	clouds := cloud.Build(s, nil)
	require.Len(t, clouds, 2)
	assert.Equal(t, [][]string{
		{"02:aa:00:00:00:01", "02:aa:00:00:00:02", "02:aa:00:00:00:03"},
		{"02:bb:00:00:00:01", "02:bb:00:00:00:02"},
	}, partition(clouds))

	for _, c := range clouds {
		for _, m := range c.Members {
			assert.Equal(t, c.ID, m.CloudID)
		}
	}
	assert.Equal(t, 9, clouds[0].Clients)
	assert.Equal(t, 5, clouds[1].Clients)

	single, ok := s.Get(addr.MustParseMAC("02:cc:00:00:00:01"))
	require.True(t, ok)
	assert.Zero(t, single.CloudID)
}

func TestBuildSkipsUnknownNodes(t *testing.T) {
	s := newTestStore()
	// Last seen beyond the inactive horizon, the node exists but counts
	// as unknown.
	require.NoError(t, s.Ingest(node.SourceRecord{
		Source:   node.SourceFeed,
		MAC:      addr.MustParseMAC("02:aa:00:00:00:09"),
		Name:     "ffs-gone", Firmware: "1.3",
		LastSeen: testNow.Add(-11 * 24 * time.Hour),
	}))
	addMeshNode(t, s, "02:aa:00:00:00:01", 0, "02:aa:00:00:00:02", "02:aa:00:00:00:09")
	addMeshNode(t, s, "02:aa:00:00:00:02", 0)

	clouds := cloud.Build(s, nil)
	require.Len(t, clouds, 1)
	assert.Equal(t, [][]string{
		{"02:aa:00:00:00:01", "02:aa:00:00:00:02"},
	}, partition(clouds))
}

func TestBuildMergesOnContact(t *testing.T) {
	s := newTestStore()
	// Two one-way edges meet in the middle: the component only becomes
	// visible by merging the clouds grown from each side.
	addMeshNode(t, s, "02:aa:00:00:00:01", 1, "02:aa:00:00:00:02")
	addMeshNode(t, s, "02:aa:00:00:00:02", 2)
	addMeshNode(t, s, "02:aa:00:00:00:03", 4, "02:aa:00:00:00:02")

	clouds := cloud.Build(s, nil)
	require.Len(t, clouds, 1)
	assert.Equal(t, 3, clouds[0].Size())
	assert.Equal(t, 7, clouds[0].Clients)
}

func TestBuildSeedOrderIndependence(t *testing.T) {
	s := newTestStore()
	addMeshNode(t, s, "02:aa:00:00:00:01", 0, "02:aa:00:00:00:02")
	addMeshNode(t, s, "02:aa:00:00:00:02", 0)
	addMeshNode(t, s, "02:aa:00:00:00:03", 0, "02:aa:00:00:00:02")
	addMeshNode(t, s, "02:aa:00:00:00:04", 0, "02:aa:00:00:00:03")
	addMeshNode(t, s, "02:bb:00:00:00:01", 0, "02:bb:00:00:00:02")
	addMeshNode(t, s, "02:bb:00:00:00:02", 0, "02:bb:00:00:00:01")

	want := partition(cloud.Build(s, nil))
	require.Len(t, want, 2)

	seeds := s.Nodes()
	permutations := [][]*node.Node{
		reverse(seeds),
		rotate(seeds, 2),
		rotate(reverse(seeds), 3),
	}
	for i, perm := range permutations {
		got := partition(cloud.BuildSeeded(s, perm, nil))
		assert.Equal(t, want, got, "permutation %d", i)
	}
}

func TestMinGluonType(t *testing.T) {
	s := newTestStore()
	addMeshNode(t, s, "02:aa:00:00:00:01", 0, "02:aa:00:00:00:02")
	addMeshNode(t, s, "02:aa:00:00:00:02", 0)
	// Give one member a live uplink; only uplink members determine the
	// cloud's firmware floor.
	uplink := addr.MustParseMAC("02:aa:00:00:00:01")
	require.NoError(t, s.MergeFastdInfo(node.KeyRecord{
		KeyDir: "vpn05", KeyFile: "ffs-02aa00000001", MAC: uplink,
		VpnMAC:   addr.SyntheticMACs(uplink)[0],
		LastConn: testNow.Add(-time.Minute),
	}))

	clouds := cloud.Build(s, nil)
	require.Len(t, clouds, 1)
	tier, ok := clouds[0].MinGluonType()
	require.True(t, ok)
	assert.Equal(t, node.GluonMTU1340, tier)
	assert.Equal(t, []addr.Segment{5}, clouds[0].Segments())
}

func reverse(nodes []*node.Node) []*node.Node {
	out := make([]*node.Node, len(nodes))
	for i, n := range nodes {
		out[len(nodes)-1-i] = n
	}
	return out
}

func rotate(nodes []*node.Node, by int) []*node.Node {
	out := make([]*node.Node, 0, len(nodes))
	out = append(out, nodes[by:]...)
	return append(out, nodes[:by]...)
}
