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

package mgmtapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-stuttgart/meshmon/monitor/mgmtapi"
	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
)

var testKey = bytes.Repeat([]byte("meshmon-"), 4)

func testState() mgmtapi.State {
	n := &node.Node{
		MAC:             addr.MustParseMAC("88:e6:40:20:30:40"),
		Name:            "ffs-node",
		Status:          node.StatusVPN,
		Clients:         7,
		ObservedSegment: node.SegmentOf(7),
		KeyDir:          "vpn07",
		KeyFile:         "ffs-88e640203040",
	}
	return mgmtapi.State{
		TakenAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Nodes:   []*node.Node{n},
		Pending: []moves.Directive{{
			MAC:     n.MAC,
			KeyDir:  "vpn07",
			KeyFile: "ffs-88e640203040",
			Target:  addr.Segment(4),
			Reason:  "home segment",
		}},
		Alerts: []string{"!! test alert"},
		Load: stats.Summary{
			Segments: []stats.SegmentLoad{
				{Segment: 7, Nodes: 1, Clients: 7, Uplinks: 1, Load: 8},
			},
		},
	}
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestReadEndpoints(t *testing.T) {
	server := &mgmtapi.Server{State: testState}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	var nodes []map[string]any
	resp := getJSON(t, ts.URL+"/api/v1/nodes", &nodes)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, nodes, 1)
	assert.Equal(t, "88:e6:40:20:30:40", nodes[0]["mac"])
	assert.Equal(t, "vpn", nodes[0]["status"])
	assert.Equal(t, float64(7), nodes[0]["observed_segment"])
	_, hasHome := nodes[0]["home_segment"]
	assert.False(t, hasHome)

	var pending []map[string]any
	getJSON(t, ts.URL+"/api/v1/moves", &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, float64(4), pending[0]["target"])

	var alerts []string
	getJSON(t, ts.URL+"/api/v1/alerts", &alerts)
	assert.Equal(t, []string{"!! test alert"}, alerts)

	var segs []map[string]any
	getJSON(t, ts.URL+"/api/v1/stats", &segs)
	require.Len(t, segs, 1)
	assert.Equal(t, float64(8), segs[0]["load"])
	_, hasRelay := segs[0]["relay_healthy"]
	assert.False(t, hasRelay)

	var health map[string]any
	resp = getJSON(t, ts.URL+"/api/v1/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
}

func TestHealthBeforeFirstPass(t *testing.T) {
	server := &mgmtapi.Server{State: func() mgmtapi.State { return mgmtapi.State{} }}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	var health map[string]any
	resp := getJSON(t, ts.URL+"/api/v1/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "starting", health["status"])
}

func TestTriggerPassAuthorized(t *testing.T) {
	triggered := 0
	server := &mgmtapi.Server{
		State:       testState,
		TriggerPass: func() error { triggered++; return nil },
		Verifier:    &mgmtapi.HTTPVerifier{Key: testKey},
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// Without a token the endpoint must refuse.
	resp, err := http.Post(ts.URL+"/api/v1/passes", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, triggered)

	client := mgmtapi.NewHTTPClient(context.Background(),
		&mgmtapi.JWTTokenSource{Subject: "meshctl", Key: testKey})
	resp, err = client.Post(ts.URL+"/api/v1/passes", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, triggered)
}

func TestApplyMovesAnalyzeOnly(t *testing.T) {
	server := &mgmtapi.Server{
		State:      testState,
		ApplyMoves: func() (int, error) { return 0, moves.ErrAnalyzeOnly },
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/moves/apply", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApplyMoves(t *testing.T) {
	server := &mgmtapi.Server{
		State:      testState,
		ApplyMoves: func() (int, error) { return 3, nil },
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/moves/apply", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body["applied"])
}

func TestTokenSourceRejectsShortKey(t *testing.T) {
	src := &mgmtapi.JWTTokenSource{Key: []byte("short")}
	_, err := src.Token()
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := mgmtapi.Config{}
	assert.NoError(t, cfg.Validate())

	cfg.AuthKey = "zz"
	assert.Error(t, cfg.Validate())

	cfg.AuthKey = "00"
	assert.Error(t, cfg.Validate())

	cfg.AuthKey = "6d6573686d6f6e2d6d6573686d6f6e2d6d6573686d6f6e2d6d6573686d6f6e2d"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, testKey, cfg.Key())
}
