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

package storage_test

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/monitor/storage"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

func newBackend(t *testing.T) *storage.Backend {
	t.Helper()
	b, err := storage.New(filepath.Join(t.TempDir(), "snapshot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	takenAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	nodes := []*node.Node{
		{
			MAC:      addr.MustParseMAC("88:e6:40:20:30:40"),
			Name:     "ffs-Heslach-Sued",
			Hardware: "Ubiquiti UniFi AC Mesh",
			Firmware: "1.3+2017-12-03",
			Gluon:    node.GluonMTU1340,
			Status:   node.StatusVPN,
			LastSeen: takenAt.Add(-time.Minute),
			Uptime:   24 * time.Hour,
			Clients:  11,
			Position: node.Position{Latitude: 48.76, Longitude: 9.17, Valid: true},
			ZIP:      "70199",
			Region:   "Stuttgart",
			Contact:  "heslach@example.org",

			ObservedSegment: node.SegmentOf(addr.Segment(7)),
			HomeSegment:     node.SegmentOf(addr.Segment(7)),
			KeyDir:          "vpn07",
			KeyFile:         "ffs-88e640203040",
			IPv6:            netip.MustParseAddr("fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"),
			Addresses: []addr.MAC{
				addr.MustParseMAC("8a:e6:40:20:30:40"),
				addr.MustParseMAC("8a:e6:40:20:30:41"),
			},
		},
		{
			MAC:      addr.MustParseMAC("88:e6:40:20:30:50"),
			Name:     "ffs-Vaihingen",
			Gluon:    node.GluonDNSSegAssign,
			Status:   node.StatusOffline,
			LastSeen: takenAt.Add(-2 * time.Hour),
		},
	}
	require.NoError(t, b.SaveSnapshot(ctx, takenAt, nodes))

	recs, storedAt, err := b.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, takenAt.Unix(), storedAt.Unix())
	require.Len(t, recs, 2)

	byMAC := map[addr.MAC]node.SourceRecord{}
	for _, rec := range recs {
		assert.Equal(t, node.SourcePersisted, rec.Source)
		byMAC[rec.MAC] = rec
	}
	full := byMAC[addr.MustParseMAC("88:e6:40:20:30:40")]
	assert.Equal(t, "ffs-Heslach-Sued", full.Name)
	assert.Equal(t, node.GluonMTU1340, full.Gluon)
	assert.Equal(t, node.StatusVPN, full.Status)
	assert.Equal(t, takenAt.Add(-time.Minute).Unix(), full.LastSeen.Unix())
	assert.Equal(t, 24*time.Hour, full.Uptime)
	assert.Equal(t, 11, full.Clients)
	assert.True(t, full.Position.Valid)
	assert.Equal(t, 48.76, full.Position.Latitude)
	assert.Equal(t, "70199", full.ZIP)
	assert.Equal(t, "Stuttgart", full.Region)
	assert.Equal(t, node.SegmentOf(addr.Segment(7)), full.Segment)
	assert.Equal(t,
		netip.MustParseAddr("fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"), full.IPv6)
	assert.Len(t, full.Addresses, 2)

	sparse := byMAC[addr.MustParseMAC("88:e6:40:20:30:50")]
	assert.False(t, sparse.Position.Valid)
	assert.False(t, sparse.Segment.IsSet())
	assert.False(t, sparse.IPv6.IsValid())
	assert.Empty(t, sparse.Addresses)

	// A second snapshot replaces the first.
	require.NoError(t, b.SaveSnapshot(ctx, takenAt.Add(time.Hour), nodes[:1]))
	recs, storedAt, err = b.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, takenAt.Add(time.Hour).Unix(), storedAt.Unix())
	assert.Len(t, recs, 1)
}

func TestLoadSnapshotEmpty(t *testing.T) {
	b := newBackend(t)
	recs, takenAt, err := b.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.True(t, takenAt.IsZero())
}

func TestRecordLoads(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := []stats.SegmentLoad{
		{Segment: addr.Segment(3), Nodes: 1, Clients: 5, Uplinks: 1, Load: 6},
		{Segment: addr.Segment(7), Nodes: 2, Clients: 14, Uplinks: 1, Load: 16},
	}
	require.NoError(t, b.RecordLoads(ctx, t0, first))

	second := []stats.SegmentLoad{
		{Segment: addr.Segment(3), Nodes: 1, Clients: 1, Uplinks: 1, Load: 2},
		{Segment: addr.Segment(7), Nodes: 3, Clients: 37, Uplinks: 2, Load: 40},
	}
	require.NoError(t, b.RecordLoads(ctx, t0.Add(time.Hour), second))

	loads, err := b.LatestLoads(ctx)
	require.NoError(t, err)
	require.Len(t, loads, 2)

	// Falling load decays slowly, rising load follows quickly.
	assert.Equal(t, addr.Segment(3), loads[0].Segment)
	assert.Equal(t, 2, loads[0].Load)
	assert.Equal(t, stats.Roll(6, 2), loads[0].Rolled)
	assert.Equal(t, addr.Segment(7), loads[1].Segment)
	assert.Equal(t, stats.Roll(16, 40), loads[1].Rolled)
	assert.Equal(t, t0.Add(time.Hour).Unix(), loads[1].TakenAt.Unix())

	// Pruning drops only the old samples.
	pruned, err := b.PruneLoads(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	loads, err = b.LatestLoads(ctx)
	require.NoError(t, err)
	assert.Len(t, loads, 2)
}
