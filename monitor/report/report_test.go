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

package report_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/cloud"
	"github.com/freifunk-stuttgart/meshmon/monitor/identity"
	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/report"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func assertGolden(t *testing.T, goldenFile, actual string) {
	t.Helper()
	want, err := os.ReadFile(filepath.Join("testdata", goldenFile))
	require.NoError(t, err)
	if string(want) != actual {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(string(want), actual, false)
		t.Fatalf("output differs from %s:\n%s", goldenFile, dmp.DiffPrettyText(diffs))
	}
}

func testMember(mac, name string, status node.Status, clients int,
	observed int, home node.OptSegment, keyDir, keyFile, region string,
	cloudID int) *node.Node {

	return &node.Node{
		MAC:             addr.MustParseMAC(mac),
		Name:            name,
		Status:          status,
		Clients:         clients,
		ObservedSegment: node.SegmentOf(addr.Segment(observed)),
		HomeSegment:     home,
		KeyDir:          keyDir,
		KeyFile:         keyFile,
		Region:          region,
		CloudID:         cloudID,
	}
}

func TestMeshCloudList(t *testing.T) {
	alpha := testMember("02:aa:00:00:00:01", "alpha", node.StatusOnline, 5,
		7, node.SegmentOf(7), "vpn07", "ffs-02aa00000001", "Stuttgart", 1)
	bravo := testMember("02:aa:00:00:00:02", "bravo", node.StatusVPN, 2,
		7, node.SegmentOf(7), "vpn07", "ffs-02aa00000002", "Stuttgart", 1)
	charlie := testMember("02:bb:00:00:00:01", "charlie", node.StatusVPN, 0,
		3, node.SegmentOf(3), "vpn03", "ffs-02bb00000001", "Kreis Esslingen", 2)
	// Key in vpn03 but observed in segment 5, flagged as misplaced.
	delta := testMember("02:bb:00:00:00:02", "delta", node.StatusOnline, 1,
		5, node.OptSegment{}, "vpn03", "ffs-02bb00000002", "", 2)
	echo := testMember("02:cc:00:00:00:01", "echo", node.StatusVPN, 3,
		4, node.OptSegment{}, "vpn04", "ffs-02cc00000001", "", 0)
	foxtrot := testMember("02:dd:00:00:00:01", "foxtrot", node.StatusOffline, 0,
		5, node.OptSegment{}, "", "", "", 0)

	// Member order within a cloud must not matter, the writer sorts.
	clouds := []*cloud.Cloud{
		{ID: 1, Members: []*node.Node{bravo, alpha}},
		{ID: 2, Members: []*node.Node{charlie, delta}},
	}
	nodes := []*node.Node{alpha, bravo, charlie, delta, echo, foxtrot}
	summary := stats.Summary{
		Segments: []stats.SegmentLoad{
			{Segment: 3, Nodes: 1, Clients: 0, Uplinks: 1},
			{Segment: 4, Nodes: 1, Clients: 3, Uplinks: 1},
			{Segment: 5, Nodes: 1, Clients: 1, Uplinks: 0},
			{Segment: 7, Nodes: 2, Clients: 7, Uplinks: 1},
		},
	}

	var buf bytes.Buffer
	err := report.MeshCloudList(&buf, nodes, clouds, summary, testNow)
	require.NoError(t, err)
	assertGolden(t, "meshclouds.golden", buf.String())
}

func TestMacTable(t *testing.T) {
	entries := []identity.Entry{
		{
			Address: addr.MustParseMAC("66:aa:00:00:00:01"),
			Primary: addr.MustParseMAC("02:aa:00:00:00:01"),
		},
		{
			Address: addr.MustParseMAC("02:aa:00:00:00:02"),
			Primary: addr.MustParseMAC("02:aa:00:00:00:02"),
		},
		{
			Address: addr.MustParseMAC("02:aa:00:00:00:01"),
			Primary: addr.MustParseMAC("02:aa:00:00:00:01"),
		},
	}

	var buf bytes.Buffer
	err := report.MacTable(&buf, entries)
	require.NoError(t, err)
	assertGolden(t, "mactable.golden", buf.String())
}

func pendingMoves() []moves.Directive {
	return []moves.Directive{
		{
			MAC:     addr.MustParseMAC("02:aa:00:00:00:01"),
			KeyDir:  "vpn07",
			KeyFile: "ffs-02aa00000001",
			Target:  addr.Segment(4),
		},
		{
			MAC:     addr.MustParseMAC("02:bb:00:00:00:02"),
			KeyDir:  "vpn03",
			KeyFile: "ffs-02bb00000002",
			Target:  addr.Segment(5),
		},
	}
}

func TestMoveList(t *testing.T) {
	var buf bytes.Buffer
	err := report.MoveList(&buf, pendingMoves())
	require.NoError(t, err)
	assertGolden(t, "moves.golden", buf.String())
}

func TestWriterMoveFile(t *testing.T) {
	moveFile := filepath.Join(t.TempDir(), "moves.sh")
	w := &report.Writer{Config: report.Config{MoveFile: moveFile}}
	store := node.NewStore(node.Config{}, nil)

	// Analyze-only passes must not produce an applicable list.
	err := w.WriteAll(store, nil, stats.Summary{}, pendingMoves(), true, testNow)
	require.NoError(t, err)
	assert.NoFileExists(t, moveFile)
	assert.Equal(t, []string{
		"!! There might be Nodes to be moved but cannot due to inconsistent Data!",
	}, w.Alerts())

	err = w.WriteAll(store, nil, stats.Summary{}, pendingMoves(), false, testNow)
	require.NoError(t, err)
	content, err := os.ReadFile(moveFile)
	require.NoError(t, err)
	assertGolden(t, "moves.golden", string(content))
	alerts := w.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, "++ There are Nodes to be moved:", alerts[0])
	assert.Equal(t, "   git mv vpn07/peers/ffs-02aa00000001 vpn04/peers/", alerts[1])

	// Nothing pending removes the stale list.
	err = w.WriteAll(store, nil, stats.Summary{}, nil, false, testNow)
	require.NoError(t, err)
	assert.NoFileExists(t, moveFile)
	assert.Empty(t, w.Alerts())
}
