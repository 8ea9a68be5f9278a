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

package node_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *node.Store {
	return node.NewStore(node.Config{Now: func() time.Time { return testNow }}, nil)
}

func feedRecord(mac addr.MAC, lastSeen time.Time) node.SourceRecord {
	return node.SourceRecord{
		Source:   node.SourceFeed,
		MAC:      mac,
		Name:     "ffs-Test-" + mac.NodeID()[8:],
		Firmware: "1.3+2017-12-03",
		LastSeen: lastSeen,
	}
}

func TestIngestRejects(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")

	testCases := map[string]struct {
		rec node.SourceRecord
		err error
	}{
		"no primary address": {
			rec: node.SourceRecord{Source: node.SourceFeed},
			err: node.ErrNoPrimary,
		},
		"gateway address": {
			rec: node.SourceRecord{
				Source: node.SourceFeed,
				MAC:    addr.MustParseMAC("02:00:0a:01:16:02"),
				Name:   "gw01n02", Firmware: "x",
			},
			err: node.ErrGatewayAddress,
		},
		"feed without hostname": {
			rec: node.SourceRecord{
				Source: node.SourceFeed, MAC: nodeMAC, Firmware: "1.3",
			},
			err: node.ErrIncomplete,
		},
		"feed without firmware": {
			rec: node.SourceRecord{
				Source: node.SourceFeed, MAC: nodeMAC, Name: "ffs-Test",
			},
			err: node.ErrIncomplete,
		},
		"kernel sighting of unknown node": {
			rec: node.SourceRecord{Source: node.SourceKernel, MAC: nodeMAC},
			err: node.ErrUnknownNode,
		},
		"legacy snapshot without addresses": {
			rec: node.SourceRecord{
				Source: node.SourcePersisted, MAC: nodeMAC,
				Gluon: node.GluonLegacy, LastSeen: testNow,
			},
			err: node.ErrNotSeedable,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			s := newTestStore()
			err := s.Ingest(tc.rec)
			assert.ErrorIs(t, err, tc.err)
			assert.Zero(t, s.Len())
		})
	}
}

func TestIngestFeed(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	neighbour := addr.MustParseMAC("60:e3:27:50:60:70")
	gateway := addr.MustParseMAC("02:00:0a:01:16:02")

	s := newTestStore()
	rec := feedRecord(nodeMAC, testNow.Add(-5*time.Minute))
	rec.Hardware = "TP-Link TL-WR841N v9"
	rec.Clients = 7
	rec.Uptime = 36 * time.Hour
	rec.Position = node.Position{Latitude: 48.77, Longitude: 9.18, Valid: true}
	rec.ZIP = "70173"
	rec.Neighbours = []addr.MAC{neighbour, gateway}
	rec.IPv6 = netip.MustParseAddr("fd21:b4dc:4b05:0:8ae6:40ff:fe20:3040")
	require.NoError(t, s.Ingest(rec))

	n, ok := s.Get(nodeMAC)
	require.True(t, ok)
	assert.Equal(t, node.StatusOnline, n.Status)
	assert.Equal(t, node.GluonMTU1340, n.Gluon)
	assert.Equal(t, 7, n.Clients)
	assert.Equal(t, "TP-Link TL-WR841N v9", n.Hardware)
	assert.Equal(t, "70173", n.ZIP)
	assert.Equal(t, node.SegmentOf(5), n.ObservedSegment)
	// Gateways never become neighbours.
	assert.Equal(t, []addr.MAC{neighbour}, n.Neighbours)

	// A second, older record must not overwrite the fused state.
	stale := feedRecord(nodeMAC, testNow.Add(-20*time.Minute))
	stale.Clients = 1
	require.NoError(t, s.Ingest(stale))
	assert.Equal(t, 7, n.Clients)
	assert.Equal(t, 1, s.Len())
}

func TestIngestFeedStatusHorizons(t *testing.T) {
	testCases := map[string]struct {
		lastSeen time.Time
		want     node.Status
	}{
		"recently seen": {
			lastSeen: testNow.Add(-5 * time.Minute),
			want:     node.StatusOnline,
		},
		"beyond the offline horizon": {
			lastSeen: testNow.Add(-2 * time.Hour),
			want:     node.StatusOffline,
		},
		"beyond the inactive horizon": {
			lastSeen: testNow.Add(-11 * 24 * time.Hour),
			want:     node.StatusUnknown,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")
			s := newTestStore()
			require.NoError(t, s.Ingest(feedRecord(nodeMAC, tc.lastSeen)))
			n, ok := s.Get(nodeMAC)
			require.True(t, ok)
			assert.Equal(t, tc.want, n.Status)
		})
	}
}

func TestIngestFeedVPN(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	gateway := addr.MustParseMAC("02:00:0a:01:16:02")

	s := newTestStore()
	rec := feedRecord(nodeMAC, testNow.Add(-2*time.Minute))
	rec.Gateway = gateway
	rec.VPNEstablished = true
	require.NoError(t, s.Ingest(rec))

	n, ok := s.Get(nodeMAC)
	require.True(t, ok)
	assert.Equal(t, node.StatusVPN, n.Status)
	assert.Equal(t, gateway, n.UplinkGateway)
	assert.Equal(t, node.SegmentOf(16), n.ObservedSegment)
}

func TestIngestFeedAddressTakeover(t *testing.T) {
	oldMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	newMAC := addr.MustParseMAC("60:e3:27:50:60:70")
	oldSet := addr.SyntheticMACs(oldMAC)

	s := newTestStore()
	oldRec := feedRecord(oldMAC, testNow.Add(-10*time.Minute))
	oldRec.Addresses = []addr.MAC{oldSet[2]}
	require.NoError(t, s.Ingest(oldRec))

	// A fresher node shows up with one of the old node's interface
	// addresses. It takes that single address, nothing else.
	newRec := feedRecord(newMAC, testNow.Add(-1*time.Minute))
	newRec.Addresses = []addr.MAC{oldSet[2]}
	require.NoError(t, s.Ingest(newRec))

	winner, ok := s.ResolveNode(oldSet[2])
	require.True(t, ok)
	assert.Equal(t, newMAC, winner.MAC)

	loser, ok := s.Get(oldMAC)
	require.True(t, ok)
	assert.Equal(t, node.StatusOnline, loser.Status)
	assert.NotContains(t, loser.Addresses, oldSet[2])
	assert.Contains(t, loser.Addresses, oldSet[1])
	assert.Len(t, s.Alerts(), 1)
}

func TestIngestFeedPrimaryTakeover(t *testing.T) {
	oldMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	newMAC := addr.MustParseMAC("60:e3:27:50:60:70")
	neighbour := addr.MustParseMAC("f4:06:8d:11:22:33")
	oldSet := addr.SyntheticMACs(oldMAC)

	s := newTestStore()
	oldRec := feedRecord(oldMAC, testNow.Add(-10*time.Minute))
	oldRec.Addresses = []addr.MAC{oldSet[1]}
	oldRec.Neighbours = []addr.MAC{neighbour}
	require.NoError(t, s.Ingest(oldRec))

	// The fresher node claims the old node's primary address. The old
	// record forfeits its identity and all its addresses follow.
	newRec := feedRecord(newMAC, testNow.Add(-1*time.Minute))
	newRec.Addresses = []addr.MAC{oldMAC}
	require.NoError(t, s.Ingest(newRec))

	demoted, ok := s.Get(oldMAC)
	require.True(t, ok)
	assert.Equal(t, node.StatusUnknown, demoted.Status)
	assert.Empty(t, demoted.Neighbours)

	for _, mac := range []addr.MAC{oldMAC, oldSet[1], oldSet[7]} {
		winner, ok := s.ResolveNode(mac)
		require.True(t, ok, "address %s", mac)
		assert.Equal(t, newMAC, winner.MAC)
	}
}

func TestIngestKernel(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	set := addr.SyntheticMACs(nodeMAC)

	t.Run("kernel fills missing segment", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Ingest(feedRecord(nodeMAC, testNow.Add(-2*time.Hour))))

		err := s.Ingest(node.SourceRecord{
			Source:    node.SourceKernel,
			MAC:       nodeMAC,
			Addresses: []addr.MAC{set[4]},
			Segment:   node.SegmentOf(12),
			LastSeen:  testNow.Add(-time.Minute),
		})
		require.NoError(t, err)

		n, ok := s.Get(nodeMAC)
		require.True(t, ok)
		assert.Equal(t, node.SegmentOf(12), n.ObservedSegment)
		assert.Equal(t, node.StatusOnline, n.Status)
		assert.Equal(t, testNow.Add(-time.Minute), n.LastSeen)

		bound, ok := s.ResolveNode(set[4])
		require.True(t, ok)
		assert.Equal(t, nodeMAC, bound.MAC)
	})

	t.Run("feed segment wins over kernel", func(t *testing.T) {
		s := newTestStore()
		rec := feedRecord(nodeMAC, testNow.Add(-5*time.Minute))
		rec.IPv6 = netip.MustParseAddr("fd21:b4dc:4b05:0:8ae6:40ff:fe20:3040")
		require.NoError(t, s.Ingest(rec))

		err := s.Ingest(node.SourceRecord{
			Source:   node.SourceKernel,
			MAC:      nodeMAC,
			Segment:  node.SegmentOf(12),
			LastSeen: testNow,
		})
		require.NoError(t, err)

		n, ok := s.Get(nodeMAC)
		require.True(t, ok)
		assert.Equal(t, node.SegmentOf(5), n.ObservedSegment)
	})
}

func TestIngestPersisted(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	set := addr.SyntheticMACs(nodeMAC)

	testCases := map[string]struct {
		rec        node.SourceRecord
		wantStatus node.Status
	}{
		"recent snapshot keeps status": {
			rec: node.SourceRecord{
				Source: node.SourcePersisted, MAC: nodeMAC,
				Gluon: node.GluonDNSSegAssign, Status: node.StatusVPN,
				LastSeen: testNow.Add(-10 * time.Minute),
			},
			wantStatus: node.StatusVPN,
		},
		"aged snapshot goes offline": {
			rec: node.SourceRecord{
				Source: node.SourcePersisted, MAC: nodeMAC,
				Gluon: node.GluonDNSSegAssign, Status: node.StatusVPN,
				LastSeen: testNow.Add(-2 * 24 * time.Hour),
			},
			wantStatus: node.StatusOffline,
		},
		"ancient snapshot goes unknown": {
			rec: node.SourceRecord{
				Source: node.SourcePersisted, MAC: nodeMAC,
				Gluon: node.GluonDNSSegAssign, Status: node.StatusOnline,
				LastSeen: testNow.Add(-20 * 24 * time.Hour),
			},
			wantStatus: node.StatusUnknown,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			s := newTestStore()
			require.NoError(t, s.Ingest(tc.rec))
			n, ok := s.Get(nodeMAC)
			require.True(t, ok)
			assert.Equal(t, tc.wantStatus, n.Status)
			assert.Equal(t, node.SourcePersisted, n.Provenance)

			// Without stored addresses the derived set is regenerated.
			bound, ok := s.ResolveNode(set[3])
			require.True(t, ok)
			assert.Equal(t, nodeMAC, bound.MAC)
		})
	}

	t.Run("snapshot carries the stored region", func(t *testing.T) {
		s := newTestStore()
		err := s.Ingest(node.SourceRecord{
			Source: node.SourcePersisted, MAC: nodeMAC,
			Gluon: node.GluonDNSSegAssign, Status: node.StatusOnline,
			LastSeen: testNow.Add(-10 * time.Minute),
			Region:   "Kreis Esslingen",
		})
		require.NoError(t, err)
		n, ok := s.Get(nodeMAC)
		require.True(t, ok)
		assert.Equal(t, "Kreis Esslingen", n.Region)
	})

	t.Run("snapshot never overwrites live data", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Ingest(feedRecord(nodeMAC, testNow.Add(-time.Minute))))
		err := s.Ingest(node.SourceRecord{
			Source: node.SourcePersisted, MAC: nodeMAC, Name: "stale-name",
			Gluon: node.GluonDNSSegAssign, LastSeen: testNow.Add(-time.Hour),
		})
		require.NoError(t, err)
		n, ok := s.Get(nodeMAC)
		require.True(t, ok)
		assert.NotEqual(t, "stale-name", n.Name)
	})
}

func TestMergeFastdInfo(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")
	vpnMAC := addr.MustParseMAC("02:12:34:56:78:9a")

	t.Run("key only node is created unknown", func(t *testing.T) {
		s := newTestStore()
		err := s.MergeFastdInfo(node.KeyRecord{
			KeyDir:  "vpn06",
			KeyFile: "ffs-88e640203040",
			MAC:     nodeMAC,
			Name:    "ffs-Test-3040",
			Key:     "0123abcd",
		})
		require.NoError(t, err)

		n, ok := s.Get(nodeMAC)
		require.True(t, ok)
		assert.Equal(t, node.StatusUnknown, n.Status)
		assert.Equal(t, node.GluonLegacy, n.Gluon)
		assert.Equal(t, node.SegmentOf(6), n.ObservedSegment)
		assert.Equal(t, "vpn06", n.KeyDir)
		assert.Equal(t, "ffs-88e640203040", n.KeyFile)
	})

	t.Run("connected key promotes and classifies", func(t *testing.T) {
		testCases := map[string]struct {
			keyDir string
			want   node.GluonType
		}{
			"dns assigned segment": {"vpn12", node.GluonDNSSegAssign},
			"listed segment":       {"vpn03", node.GluonSegmentList},
		}
		for name, tc := range testCases {
			t.Run(name, func(t *testing.T) {
				s := newTestStore()
				err := s.MergeFastdInfo(node.KeyRecord{
					KeyDir: tc.keyDir, KeyFile: "ffs-88e640203040",
					MAC: nodeMAC, VpnMAC: vpnMAC,
					LastConn: testNow.Add(-time.Minute),
				})
				require.NoError(t, err)

				n, ok := s.Get(nodeMAC)
				require.True(t, ok)
				assert.Equal(t, node.StatusVPN, n.Status)
				assert.Equal(t, tc.want, n.Gluon)
				assert.Equal(t, testNow.Add(-time.Minute), n.LastSeen)

				tunnel, ok := s.ResolveNode(vpnMAC)
				require.True(t, ok)
				assert.Equal(t, nodeMAC, tunnel.MAC)
			})
		}
	})

	t.Run("existing node gains key data", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Ingest(feedRecord(nodeMAC, testNow.Add(-time.Minute))))
		err := s.MergeFastdInfo(node.KeyRecord{
			KeyDir: "vpn06", KeyFile: "ffs-88e640203040", MAC: nodeMAC,
			Key:  "0123abcd",
			Mode: node.SegmentMode{Kind: node.ModeFixed, Fixed: 6},
		})
		require.NoError(t, err)

		n, ok := s.Get(nodeMAC)
		require.True(t, ok)
		assert.Equal(t, node.StatusOnline, n.Status)
		assert.Equal(t, node.GluonMTU1340, n.Gluon)
		assert.Equal(t, "0123abcd", n.FastdKey)
		assert.Equal(t, node.ModeFixed, n.SegmentMode.Kind)
	})

	t.Run("bad key directory", func(t *testing.T) {
		s := newTestStore()
		err := s.MergeFastdInfo(node.KeyRecord{KeyDir: "peers", MAC: nodeMAC})
		assert.Error(t, err)
	})
}

func TestReconcile(t *testing.T) {
	nodeMAC := addr.MustParseMAC("88:e6:40:20:30:40")

	t.Run("uplink without key is downgraded", func(t *testing.T) {
		s := newTestStore()
		rec := feedRecord(nodeMAC, testNow.Add(-time.Minute))
		rec.VPNEstablished = true
		require.NoError(t, s.Ingest(rec))

		warnings := s.Reconcile()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "uplink without key")
		n, _ := s.Get(nodeMAC)
		assert.Equal(t, node.StatusOnline, n.Status)
	})

	t.Run("key directory mismatch is reported", func(t *testing.T) {
		s := newTestStore()
		rec := feedRecord(nodeMAC, testNow.Add(-time.Minute))
		rec.IPv6 = netip.MustParseAddr("fd21:b4dc:4b05:0:8ae6:40ff:fe20:3040")
		require.NoError(t, s.Ingest(rec))
		require.NoError(t, s.MergeFastdInfo(node.KeyRecord{
			KeyDir: "vpn12", KeyFile: "ffs-88e640203040", MAC: nodeMAC,
		}))

		warnings := s.Reconcile()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "key directory mismatch")
	})

	t.Run("consistent node is silent", func(t *testing.T) {
		s := newTestStore()
		rec := feedRecord(nodeMAC, testNow.Add(-time.Minute))
		rec.IPv6 = netip.MustParseAddr("fd21:b4dc:4b05:0:8ae6:40ff:fe20:3040")
		require.NoError(t, s.Ingest(rec))
		require.NoError(t, s.MergeFastdInfo(node.KeyRecord{
			KeyDir: "vpn05", KeyFile: "ffs-88e640203040", MAC: nodeMAC,
		}))
		assert.Empty(t, s.Reconcile())
	})
}

func TestFeedTrusted(t *testing.T) {
	cfg := node.Config{}
	cfg.InitDefaults()
	assert.True(t, cfg.FeedTrusted(1001, 30*time.Second))
	assert.False(t, cfg.FeedTrusted(900, 30*time.Second))
	assert.False(t, cfg.FeedTrusted(1001, 2*time.Minute))
}

func TestNodesSorted(t *testing.T) {
	s := newTestStore()
	for _, mac := range []string{
		"88:e6:40:20:30:40", "10:fe:ed:00:00:01", "60:e3:27:50:60:70",
	} {
		require.NoError(t, s.Ingest(feedRecord(addr.MustParseMAC(mac), testNow)))
	}
	nodes := s.Nodes()
	require.Len(t, nodes, 3)
	for i := 1; i < len(nodes); i++ {
		assert.Less(t, nodes[i-1].MAC.String(), nodes[i].MAC.String())
	}
}
