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

package telemetry_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/telemetry"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func feedEntry(mac, hostname, lastSeen string, extra string) string {
	id := addr.MustParseMAC(mac).NodeID()
	return fmt.Sprintf(`"%s": {
		"nodeinfo": {
			"node_id": "%s",
			"hostname": "%s",
			"hardware": {"model": "TP-Link TL-WR841N/ND v9"},
			"network": {"mac": "%s"%s},
			"software": {"firmware": {"release": "1.3+2017-12-03"}}
		},
		"statistics": {"node_id": "%s", "uptime": 86400.5, "clients": {"total": 3}},
		"lastseen": "%s"
	}`, id, id, hostname, mac, extra, id, lastSeen)
}

func TestParseFeed(t *testing.T) {
	raw := `{
		"88e640203040": {
			"nodeinfo": {
				"node_id": "88e640203040",
				"hostname": "ffs-Heslach-Sued",
				"hardware": {"model": "Ubiquiti UniFi AC Mesh"},
				"network": {
					"mac": "88:e6:40:20:30:40",
					"addresses": [
						"fe80::8ae6:40ff:fe20:3040",
						"fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"
					],
					"mesh": {"bat0": {"interfaces": {
						"wireless": ["8a:e6:40:20:30:41"],
						"tunnel": ["8a:e6:40:20:30:40"]
					}}}
				},
				"software": {"firmware": {"release": "1.3+2017-12-03"}},
				"location": {"latitude": 48.76, "longitude": 9.17, "zip": 70199},
				"owner": {"contact": "heslach@example.org"}
			},
			"statistics": {
				"node_id": "88e640203040",
				"uptime": 86400.5,
				"clients": {"total": 11},
				"gateway": "02:00:0a:01:07:03",
				"mesh_vpn": {"groups": {"backbone": {"peers": {
					"gw01n01": null,
					"gw05n02": {"established": 1234.5}
				}}}}
			},
			"neighbours": {
				"batadv": {"8a:e6:40:20:30:41": {"neighbours": {
					"02:aa:bb:cc:dd:ee": {"tq": 255},
					"02:00:0a:01:07:03": {"tq": 200}
				}}}
			},
			"lastseen": "2025-06-01T11:55:00.000000Z"
		},
		` + feedEntry("02:bb:00:00:00:01", "ffs-stale", "2025-06-01T09:00:00.000000Z", "") + `,
		"020038000001": {
			"nodeinfo": {
				"node_id": "020038000001",
				"hostname": "gw08n01",
				"network": {"mac": "02:00:38:00:00:01"},
				"software": {"firmware": {"release": "1.3"}}
			},
			"statistics": {"node_id": "020038000001"},
			"lastseen": "2025-06-01T11:59:00.000000Z"
		},
		"deadbeef0000": {
			"nodeinfo": {
				"node_id": "mismatched00",
				"hostname": "ffs-broken",
				"network": {"mac": "de:ad:be:ef:00:00"},
				"software": {"firmware": {"release": "1.3"}}
			},
			"statistics": {"node_id": "deadbeef0000"},
			"lastseen": "2025-06-01T11:59:00.000000Z"
		},
		"02cc00000001": {
			"nodeinfo": {
				"node_id": "02cc00000001",
				"hostname": "ffs-no-release",
				"network": {"mac": "02:cc:00:00:00:01"},
				"software": {"firmware": {"release": null}}
			},
			"statistics": {"node_id": "02cc00000001"},
			"lastseen": "2025-06-01T11:59:00.000000Z"
		}
	}`

	feed, err := telemetry.ParseFeed([]byte(raw), testNow)
	require.NoError(t, err)

	// The gateway, the id mismatch and the release-less record are gone.
	require.Len(t, feed.Records, 2)
	assert.Equal(t, 1, feed.Online)
	assert.Equal(t, 5*time.Minute, feed.Age(testNow))

	rec := feed.Records[1]
	assert.Equal(t, addr.MustParseMAC("88:e6:40:20:30:40"), rec.MAC)
	assert.Equal(t, node.SourceFeed, rec.Source)
	assert.Equal(t, "ffs-Heslach-Sued", rec.Name)
	assert.Equal(t, "Ubiquiti UniFi AC Mesh", rec.Hardware)
	assert.Equal(t, "1.3+2017-12-03", rec.Firmware)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC), rec.LastSeen)
	assert.Equal(t, 11, rec.Clients)
	assert.InDelta(t, 86400.5, rec.Uptime.Seconds(), 0.01)
	assert.Equal(t, node.Position{Latitude: 48.76, Longitude: 9.17, Valid: true},
		rec.Position)
	assert.Equal(t, "70199", rec.ZIP)
	assert.Equal(t, "heslach@example.org", rec.Contact)
	assert.Equal(t, []addr.MAC{
		addr.MustParseMAC("8a:e6:40:20:30:40"),
		addr.MustParseMAC("8a:e6:40:20:30:41"),
	}, rec.Addresses)
	assert.Equal(t, netip.MustParseAddr("fd21:b4dc:4b07:0:8ae6:40ff:fe20:3040"),
		rec.IPv6)
	assert.Equal(t, addr.MustParseMAC("02:00:0a:01:07:03"), rec.Gateway)
	assert.True(t, rec.VPNEstablished)
	// The gateway never shows up as a neighbour.
	assert.Equal(t, []addr.MAC{addr.MustParseMAC("02:aa:bb:cc:dd:ee")},
		rec.Neighbours)

	stale := feed.Records[0]
	assert.Equal(t, addr.MustParseMAC("02:bb:00:00:00:01"), stale.MAC)
	assert.False(t, stale.VPNEstablished)
}

func TestParseFeedInvalid(t *testing.T) {
	_, err := telemetry.ParseFeed([]byte("not json"), testNow)
	assert.Error(t, err)
}

func TestClientFetch(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts == 1 {
				// First attempt fails, the client retries.
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "monitor", user)
			assert.Equal(t, "hunter2", pass)
			now := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
			fmt.Fprint(w, `{`+feedEntry(
				"02:aa:00:00:00:01", "ffs-fresh", now, "")+`}`)
		}))
	defer srv.Close()

	c := telemetry.NewClient(telemetry.Config{
		URL:        srv.URL,
		Username:   "monitor",
		Password:   "hunter2",
		Retries:    3,
		RetryDelay: 10 * time.Millisecond,
	}, nil)
	feed, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Len(t, feed.Records, 1)
	assert.Equal(t, "ffs-fresh", feed.Records[0].Name)
	assert.Equal(t, 1, feed.Online)
}

func TestClientFetchExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "broken", http.StatusInternalServerError)
		}))
	defer srv.Close()

	c := telemetry.NewClient(telemetry.Config{
		URL: srv.URL, Retries: 2, RetryDelay: 10 * time.Millisecond,
	}, nil)
	_, err := c.Fetch(context.Background())
	assert.Error(t, err)
}
