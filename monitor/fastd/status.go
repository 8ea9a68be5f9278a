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

package fastd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"zgo.at/zcache/v2"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	// DefaultStatusTimeout bounds one status page fetch.
	DefaultStatusTimeout = 10 * time.Second
	// DefaultStatusTTL is how long a fetched status page is reused.
	DefaultStatusTTL = 5 * time.Minute
	// maxStatusAge is the oldest Last-Modified a status page may carry
	// before it is considered dead.
	maxStatusAge = 15 * time.Minute

	maxConcurrentFetches = 4
)

// StatusConfig holds the gateway status endpoints.
type StatusConfig struct {
	// URLs are the per-gateway status endpoints. The segment is appended
	// as "vpnNN", e.g. "https://gw01.example.net/data/" yields
	// "https://gw01.example.net/data/vpn07.json".
	URLs    []string
	Timeout time.Duration
	// TTL is how long fetched pages are served from cache.
	TTL time.Duration
}

// InitDefaults implements config.Defaulter.
func (c *StatusConfig) InitDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultStatusTimeout
	}
	if c.TTL == 0 {
		c.TTL = DefaultStatusTTL
	}
}

// StatusClient fetches fastd status pages from the gateways. Pages are
// cached across passes.
type StatusClient struct {
	cfg    StatusConfig
	client *http.Client
	cache  *zcache.Cache[string, *statusPage]
	logger log.Logger
}

// NewStatusClient returns a client for the configured gateways.
func NewStatusClient(cfg StatusConfig, logger log.Logger) *StatusClient {
	cfg.InitDefaults()
	return &StatusClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  zcache.New[string, *statusPage](cfg.TTL, 2*cfg.TTL),
		logger: logger,
	}
}

// statusPage is the wire layout of one fastd status page.
type statusPage struct {
	Interface string                `json:"interface"`
	Peers     map[string]statusPeer `json:"peers"`
}

type statusPeer struct {
	Name       string `json:"name"`
	Connection *struct {
		// Established is the connection age in milliseconds.
		Established  float64  `json:"established"`
		MACAddresses []string `json:"mac_addresses"`
	} `json:"connection"`
}

// BindTunnels fetches the status pages of all gateways for all registry
// segments and binds the live tunnel addresses to the registry's keys.
// Unreachable gateways are skipped; only keys present in the registry get
// bound, everything else is reported.
func (c *StatusClient) BindTunnels(ctx context.Context, reg *Registry) {
	now := time.Now()
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, base := range c.cfg.URLs {
		for _, seg := range reg.Segments() {
			url := statusURL(base, seg)
			g.Go(func() error {
				defer log.HandlePanic()
				page, err := c.fetch(ctx, url, seg)
				if err != nil {
					log.SafeDebug(c.logger, "Status page unavailable",
						"url", url, "err", err)
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				c.bindPage(reg, page, now)
				return nil
			})
		}
	}
	g.Wait()
}

func statusURL(base string, seg addr.Segment) string {
	return strings.TrimSuffix(base, "/") + "/" + seg.KeyDir() + ".json"
}

func (c *StatusClient) fetch(ctx context.Context, url string,
	seg addr.Segment) (*statusPage, error) {

	if page, ok := c.cache.Get(url); ok {
		return page, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, serrors.Wrap("building status request", err, "url", url)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, serrors.Wrap("fetching status", err, "url", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serrors.New("fetching status", "url", url, "status", resp.Status)
	}
	if mod, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		if age := time.Since(mod); age > maxStatusAge {
			return nil, serrors.New("status page too old", "url", url, "age", age)
		}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serrors.Wrap("reading status", err, "url", url)
	}
	var page statusPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, serrors.Wrap("decoding status", err, "url", url)
	}
	if page.Interface != "" && page.Interface != seg.KeyDir() {
		return nil, serrors.New("status page for wrong interface",
			"url", url, "interface", page.Interface, "segment", seg)
	}
	c.cache.Set(url, &page)
	return &page, nil
}

// bindPage attaches the tunnel addresses of one status page to the
// registry.
func (c *StatusClient) bindPage(reg *Registry, page *statusPage, now time.Time) {
	for peerKey, peer := range page.Peers {
		if peer.Name == "" || peer.Connection == nil {
			continue
		}
		key, ok := reg.keys[peer.Name]
		if !ok {
			if keyFilePattern.MatchString(peer.Name) {
				reg.alertf("connected key not in registry: %s", peer.Name)
			}
			continue
		}
		if key.Key != peerKey {
			reg.alertf("fastd key mismatch: %s connects with a key the registry does not carry",
				peer.Name)
			continue
		}
		for _, s := range peer.Connection.MACAddresses {
			mac, err := addr.ParseMAC(s)
			if err != nil || mac.IsGateway() {
				continue
			}
			key.VpnMAC = mac
			key.Established = now.Add(
				-time.Duration(peer.Connection.Established * float64(time.Millisecond)))
		}
	}
}
