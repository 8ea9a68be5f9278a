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

// Package telemetry loads the aggregated community node feed and probes
// individual nodes over respondd.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	// DefaultTimeout bounds one feed request.
	DefaultTimeout = 15 * time.Second
	// DefaultRetries bounds fetch attempts per pass.
	DefaultRetries = 5
	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 2 * time.Second
)

// Source yields the community feed. Implemented by Client; the pass driver
// depends on this so tests can substitute canned feeds.
type Source interface {
	Fetch(ctx context.Context) (*Feed, error)
}

// Feed is one parsed snapshot of the aggregated respondd data.
type Feed struct {
	// Records are the valid node records, ordered by primary address.
	// Gateways and malformed entries are dropped during parsing.
	Records []node.SourceRecord
	// Online counts the records fresh enough to still be online.
	Online int
	// Newest is the most recent LastSeen over the whole feed.
	Newest time.Time
}

// Age returns how far the feed lags behind now.
func (f *Feed) Age(now time.Time) time.Duration {
	if f.Newest.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(f.Newest)
}

// Config holds the feed endpoint parameters.
type Config struct {
	// URL of the aggregated feed (hopglass/yanic raw.json).
	URL string
	// Username/Password enable HTTP basic auth when set.
	Username   string
	Password   string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Client fetches the feed over HTTP(S).
type Client struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

// NewClient returns a feed client. The logger may be nil.
func NewClient(cfg Config, logger log.Logger) *Client {
	cfg.InitDefaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Fetch loads and parses the feed. Transient failures are retried with a
// short delay before giving up with the last error.
func (c *Client) Fetch(ctx context.Context) (*Feed, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, serrors.Wrap("fetching feed", ctx.Err(),
					"url", c.cfg.URL)
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		feed, err := c.fetch(ctx)
		if err != nil {
			lastErr = err
			log.SafeDebug(c.logger, "Feed fetch failed",
				"attempt", attempt+1, "err", err)
			continue
		}
		log.SafeDebug(c.logger, "Feed fetched",
			"records", len(feed.Records), "online", feed.Online)
		return feed, nil
	}
	return nil, lastErr
}

func (c *Client) fetch(ctx context.Context) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, serrors.Wrap("building feed request", err, "url", c.cfg.URL)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, serrors.Wrap("fetching feed", err, "url", c.cfg.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serrors.New("fetching feed",
			"url", c.cfg.URL, "status", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serrors.Wrap("reading feed", err, "url", c.cfg.URL)
	}
	return ParseFeed(raw, time.Now())
}

// rawEntry is the wire layout of one feed entry, keyed by node id.
type rawEntry struct {
	Nodeinfo   *rawNodeinfo   `json:"nodeinfo"`
	Statistics *rawStatistics `json:"statistics"`
	Neighbours *rawNeighbours `json:"neighbours"`
	LastSeen   string         `json:"lastseen"`
}

type rawNodeinfo struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	Hardware struct {
		Model string `json:"model"`
	} `json:"hardware"`
	Network  *rawNetwork  `json:"network"`
	Software *rawSoftware `json:"software"`
	Location *rawLocation `json:"location"`
	Owner    struct {
		Contact string `json:"contact"`
	} `json:"owner"`
}

type rawNetwork struct {
	MAC       string   `json:"mac"`
	Addresses []string `json:"addresses"`
	Mesh      map[string]struct {
		Interfaces map[string][]string `json:"interfaces"`
	} `json:"mesh"`
	// MeshInterfaces is the pre-2016 firmware layout.
	MeshInterfaces []string `json:"mesh_interfaces"`
}

type rawSoftware struct {
	Firmware struct {
		Release string `json:"release"`
	} `json:"firmware"`
}

type rawLocation struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	ZIP       zipCode  `json:"zip"`
}

// zipCode appears both quoted and bare in the wild.
type zipCode string

func (z *zipCode) UnmarshalJSON(b []byte) error {
	*z = zipCode(bytes.Trim(b, `"`))
	return nil
}

type rawStatistics struct {
	NodeID  string  `json:"node_id"`
	Uptime  float64 `json:"uptime"`
	Gateway string  `json:"gateway"`
	Clients *struct {
		Total int `json:"total"`
	} `json:"clients"`
	MeshVPN *struct {
		Groups map[string]struct {
			Peers map[string]*struct {
				Established *float64 `json:"established"`
			} `json:"peers"`
		} `json:"groups"`
	} `json:"mesh_vpn"`
}

type rawNeighbours struct {
	Batadv map[string]rawNeighbourSet `json:"batadv"`
	WiFi   map[string]rawNeighbourSet `json:"wifi"`
}

type rawNeighbourSet struct {
	Neighbours map[string]json.RawMessage `json:"neighbours"`
}

// ParseFeed decodes an aggregated feed snapshot. Gateways, malformed
// entries and entries whose node id does not match their primary address
// are dropped.
func ParseFeed(raw []byte, now time.Time) (*Feed, error) {
	var entries map[string]rawEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, serrors.Wrap("decoding feed", err)
	}
	feed := &Feed{}
	for key, entry := range entries {
		rec, ok := convertEntry(key, entry)
		if !ok {
			continue
		}
		if rec.LastSeen.After(feed.Newest) {
			feed.Newest = rec.LastSeen
		}
		if now.Sub(rec.LastSeen) < node.DefaultMaxOffline {
			feed.Online++
		}
		feed.Records = append(feed.Records, rec)
	}
	sort.Slice(feed.Records, func(i, j int) bool {
		return feed.Records[i].MAC.String() < feed.Records[j].MAC.String()
	})
	return feed, nil
}

func convertEntry(key string, e rawEntry) (node.SourceRecord, bool) {
	if e.Nodeinfo == nil || e.Statistics == nil || e.LastSeen == "" {
		return node.SourceRecord{}, false
	}
	if e.Nodeinfo.NodeID != key || e.Statistics.NodeID != key {
		return node.SourceRecord{}, false
	}
	if e.Nodeinfo.Network == nil {
		return node.SourceRecord{}, false
	}
	mac, err := addr.ParseMAC(strings.TrimSpace(e.Nodeinfo.Network.MAC))
	if err != nil {
		return node.SourceRecord{}, false
	}
	if len(key) < 12 || mac.NodeID() != strings.ToLower(key)[:12] {
		return node.SourceRecord{}, false
	}
	if mac.IsGateway() {
		return node.SourceRecord{}, false
	}
	if e.Nodeinfo.Hostname == "" || e.Nodeinfo.Software == nil ||
		e.Nodeinfo.Software.Firmware.Release == "" {
		return node.SourceRecord{}, false
	}
	lastSeen, err := time.Parse(time.RFC3339Nano, e.LastSeen)
	if err != nil {
		return node.SourceRecord{}, false
	}

	rec := node.SourceRecord{
		Source:   node.SourceFeed,
		MAC:      mac,
		Name:     e.Nodeinfo.Hostname,
		Hardware: e.Nodeinfo.Hardware.Model,
		Firmware: e.Nodeinfo.Software.Firmware.Release,
		LastSeen: lastSeen.UTC(),
		Uptime:   time.Duration(e.Statistics.Uptime * float64(time.Second)),
		Contact:  e.Nodeinfo.Owner.Contact,
	}
	if c := e.Statistics.Clients; c != nil {
		rec.Clients = c.Total
	}
	if loc := e.Nodeinfo.Location; loc != nil {
		if loc.Latitude != nil && loc.Longitude != nil {
			rec.Position = node.Position{
				Latitude:  *loc.Latitude,
				Longitude: *loc.Longitude,
				Valid:     true,
			}
		}
		rec.ZIP = string(loc.ZIP)
		if len(rec.ZIP) > 5 {
			rec.ZIP = rec.ZIP[:5]
		}
	}

	for _, bat := range e.Nodeinfo.Network.Mesh {
		for _, macs := range bat.Interfaces {
			rec.Addresses = appendMACs(rec.Addresses, macs)
		}
	}
	if len(rec.Addresses) == 0 {
		rec.Addresses = appendMACs(nil, e.Nodeinfo.Network.MeshInterfaces)
	}

	for _, s := range e.Nodeinfo.Network.Addresses {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if addr.InMeshULA(ip) {
			rec.IPv6 = ip
		}
	}
	if gw, err := addr.ParseMAC(e.Statistics.Gateway); err == nil {
		rec.Gateway = gw
	}
	if vpn := e.Statistics.MeshVPN; vpn != nil {
		for _, peer := range vpn.Groups["backbone"].Peers {
			if peer != nil && peer.Established != nil {
				rec.VPNEstablished = true
			}
		}
	}
	if e.Neighbours != nil {
		for _, set := range e.Neighbours.Batadv {
			rec.Neighbours = appendNeighbours(rec.Neighbours, set)
		}
		for _, set := range e.Neighbours.WiFi {
			rec.Neighbours = appendNeighbours(rec.Neighbours, set)
		}
	}
	// Interface and neighbour sets arrive as maps; order them.
	sortMACs(rec.Addresses)
	sortMACs(rec.Neighbours)
	return rec, true
}

func sortMACs(macs []addr.MAC) {
	sort.Slice(macs, func(i, j int) bool {
		return macs[i].String() < macs[j].String()
	})
}

func appendMACs(macs []addr.MAC, raw []string) []addr.MAC {
	for _, s := range raw {
		m, err := addr.ParseMAC(s)
		if err != nil {
			continue
		}
		macs = append(macs, m)
	}
	return macs
}

func appendNeighbours(macs []addr.MAC, set rawNeighbourSet) []addr.MAC {
	for s := range set.Neighbours {
		m, err := addr.ParseMAC(s)
		if err != nil || m.IsGateway() {
			continue
		}
		macs = append(macs, m)
	}
	return macs
}
