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

package location_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/location"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

// square renders a closed polygon geometry covering the given box.
func square(lonMin, latMin, lonMax, latMax float64) string {
	return fmt.Sprintf(`{"type": "Polygon", "coordinates": [[
		[%[1]f, %[2]f], [%[3]f, %[2]f], [%[3]f, %[4]f], [%[1]f, %[4]f], [%[1]f, %[2]f]
	]]}`, lonMin, latMin, lonMax, latMax)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// loadTestResolver builds a two-region world: ZIP area 70199 in vpn07
// (backed by region "Stuttgart"), plain region "Kreis_Esslingen" in vpn03.
func loadTestResolver(t *testing.T) *location.Resolver {
	t.Helper()
	db := t.TempDir()
	repo := t.TempDir()

	writeFile(t, filepath.Join(repo, "vpn07", "zip-areas", "70199_Stuttgart-Sued.json"),
		square(9.0, 48.7, 9.2, 48.8))
	// Padding areas to clear the plausibility floor; never matched.
	for i := 0; i < 10; i++ {
		writeFile(t,
			filepath.Join(repo, "vpn05", "zip-areas",
				fmt.Sprintf("7000%d_Padding.json", i)),
			square(8.0+float64(i)/100, 48.0, 8.001+float64(i)/100, 48.001))
	}
	writeFile(t, filepath.Join(repo, "vpn07", "regions", "Stuttgart.json"),
		square(9.0, 48.7, 9.2, 48.8))
	writeFile(t, filepath.Join(repo, "vpn03", "regions", "Kreis_Esslingen.json"),
		square(9.3, 48.6, 9.5, 48.75))

	writeFile(t, filepath.Join(db, "ZipLocations.json"),
		`{"70199": [9.15, 48.75], "73728": [9.31, 48.74]}`)
	// Quoted and bare metadata values both occur in the wild.
	writeFile(t, filepath.Join(db, "ZipGrid.json"), `{
		"Meta": {
			"lon_min": "9.0", "lon_max": "9.6",
			"lat_min": 48.5, "lat_max": 49.0,
			"lon_fields": 6, "lat_fields": "5"
		},
		"Fields": {"13": ["70199"]}
	}`)
	writeFile(t, filepath.Join(db, "Region2ZIP.json"), `{"Stuttgart": [70199]}`)

	r, err := location.Load(db, repo, nil)
	require.NoError(t, err)
	return r
}

func TestFromPosition(t *testing.T) {
	r := loadTestResolver(t)

	testCases := map[string]struct {
		lat, lon float64
		want     location.Place
		ok       bool
	}{
		"inside zip area": {
			lat: 48.75, lon: 9.15,
			want: location.Place{
				ZIP:     "70199",
				Region:  "70199_Stuttgart-Sued",
				Segment: addr.Segment(7),
			},
			ok: true,
		},
		"swapped coordinates": {
			lat: 9.15, lon: 48.75,
			want: location.Place{
				ZIP:     "70199",
				Region:  "70199_Stuttgart-Sued",
				Segment: addr.Segment(7),
			},
			ok: true,
		},
		"missing decimal separator": {
			lat: 48750, lon: 915,
			want: location.Place{
				ZIP:     "70199",
				Region:  "70199_Stuttgart-Sued",
				Segment: addr.Segment(7),
			},
			ok: true,
		},
		"inside plain region": {
			lat: 48.7, lon: 9.4,
			want: location.Place{Region: "Kreis_Esslingen", Segment: addr.Segment(3)},
			ok:   true,
		},
		"far away": {
			lat: 52.5, lon: 13.4,
			ok:  false,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			place, ok := r.FromPosition(tc.lat, tc.lon)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, place)
		})
	}
}

func TestFromZIP(t *testing.T) {
	r := loadTestResolver(t)

	place, ok := r.FromZIP("70199")
	require.True(t, ok)
	assert.Equal(t, addr.Segment(7), place.Segment)
	assert.Equal(t, "70199_Stuttgart-Sued", place.Region)

	// No own area polygon, resolved through its coordinate.
	place, ok = r.FromZIP("73728")
	require.True(t, ok)
	assert.Equal(t, addr.Segment(3), place.Segment)
	assert.Equal(t, "Kreis_Esslingen", place.Region)
	assert.Equal(t, "73728", place.ZIP)

	_, ok = r.FromZIP("99999")
	assert.False(t, ok)
	_, ok = r.FromZIP("abcde")
	assert.False(t, ok)
}

func TestAnnotate(t *testing.T) {
	r := loadTestResolver(t)

	byGPS := &node.Node{
		MAC:      addr.MustParseMAC("88:e6:40:20:30:40"),
		Status:   node.StatusVPN,
		Gluon:    node.GluonDNSSegAssign,
		Position: node.Position{Latitude: 48.75, Longitude: 9.15, Valid: true},
	}
	byZIP := &node.Node{
		MAC:    addr.MustParseMAC("88:e6:40:20:30:50"),
		Status: node.StatusOnline,
		Gluon:  node.GluonSegmentList,
		ZIP:    "73728",
	}
	conflicting := &node.Node{
		MAC:      addr.MustParseMAC("88:e6:40:20:30:60"),
		Status:   node.StatusVPN,
		Gluon:    node.GluonDNSSegAssign,
		Position: node.Position{Latitude: 48.75, Longitude: 9.15, Valid: true},
		ZIP:      "73728",
	}
	unknown := &node.Node{
		MAC:      addr.MustParseMAC("88:e6:40:20:30:70"),
		Status:   node.StatusUnknown,
		Gluon:    node.GluonDNSSegAssign,
		Position: node.Position{Latitude: 48.75, Longitude: 9.15, Valid: true},
	}
	legacy := &node.Node{
		MAC:      addr.MustParseMAC("88:e6:40:20:30:80"),
		Status:   node.StatusOnline,
		Gluon:    node.GluonLegacy,
		Position: node.Position{Latitude: 48.75, Longitude: 9.15, Valid: true},
	}

	alerts := r.Annotate([]*node.Node{byGPS, byZIP, conflicting, unknown, legacy})

	assert.Equal(t, node.SegmentOf(addr.Segment(7)), byGPS.HomeSegment)
	assert.Equal(t, "70199", byGPS.ZIP)
	assert.Equal(t, "70199_Stuttgart-Sued", byGPS.Region)

	assert.Equal(t, node.SegmentOf(addr.Segment(3)), byZIP.HomeSegment)
	assert.Equal(t, "73728", byZIP.ZIP)
	assert.Equal(t, "Kreis_Esslingen", byZIP.Region)

	// Coordinates win over the configured postal code.
	assert.Equal(t, node.SegmentOf(addr.Segment(7)), conflicting.HomeSegment)
	assert.Equal(t, "70199", conflicting.ZIP)

	assert.True(t, unknown.HomeSegment.IsAbsent())
	assert.True(t, legacy.HomeSegment.IsAbsent())

	joined := strings.Join(alerts, "\n")
	assert.Contains(t, joined, "segment mismatch GPS <> ZIP")
	assert.Contains(t, joined, "ZIP mismatch GPS <> config")
}
