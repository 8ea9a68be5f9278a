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

package moves_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

func testNode(mac string) *node.Node {
	m := addr.MustParseMAC(mac)
	return &node.Node{
		MAC:     m,
		Name:    "ffs-" + m.NodeID(),
		KeyDir:  "vpn04",
		KeyFile: "ffs-" + m.NodeID(),
	}
}

func TestScheduleFirstWins(t *testing.T) {
	s := moves.NewScheduler(nil, nil)
	n := testNode("02:aa:00:00:00:01")

	s.Schedule(n, 4, "cloud consensus")
	require.Equal(t, 1, s.Len())

	// A conflicting second decision is dropped and reported.
	s.Schedule(n, 7, "segment assignment")
	require.Equal(t, 1, s.Len())
	require.Len(t, s.Alerts(), 1)
	assert.Contains(t, s.Alerts()[0], "multiple move")

	// Re-scheduling the same target is silent.
	s.Schedule(n, 4, "mesh shortcut")
	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.Alerts(), 1)

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.EqualValues(t, 4, pending[0].Target)
	assert.Equal(t, "cloud consensus", pending[0].Reason)
	assert.Equal(t, "vpn04", pending[0].KeyDir)
}

func TestDrainAnalyzeOnly(t *testing.T) {
	blocked := true
	s := moves.NewScheduler(func() bool { return blocked }, nil)
	s.Schedule(testNode("02:aa:00:00:00:01"), 7, "cloud consensus")

	_, err := s.Drain()
	assert.ErrorIs(t, err, moves.ErrAnalyzeOnly)
	// Reports still see the held back directives.
	assert.Len(t, s.Pending(), 1)
	assert.Equal(t, 1, s.Len())

	blocked = false
	directives, err := s.Drain()
	require.NoError(t, err)
	require.Len(t, directives, 1)
	assert.Equal(t, 0, s.Len())
}

func TestPendingSorted(t *testing.T) {
	s := moves.NewScheduler(nil, nil)
	for _, mac := range []string{
		"0a:00:00:00:00:03",
		"02:00:00:00:00:01",
		"04:00:00:00:00:02",
	} {
		s.Schedule(testNode(mac), 5, "cloud consensus")
	}

	pending := s.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, addr.MustParseMAC("02:00:00:00:00:01"), pending[0].MAC)
	assert.Equal(t, addr.MustParseMAC("04:00:00:00:00:02"), pending[1].MAC)
	assert.Equal(t, addr.MustParseMAC("0a:00:00:00:00:03"), pending[2].MAC)
}
