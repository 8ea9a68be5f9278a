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

// Package dnssync keeps the nodes zone in step with the fused node set:
// every node with a known mesh address gets an AAAA record
// "ffs-<nodeid>.<zone>" pointing at it, maintained via TSIG-signed dynamic
// updates.
package dnssync

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"zgo.at/zcache/v2"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	// recordTTL is the TTL of the AAAA records written by the syncer.
	recordTTL = 120

	// DefaultTimeout bounds one DNS exchange.
	DefaultTimeout = 10 * time.Second
	// DefaultSerialTTL is how long a fetched zone is trusted before the
	// SOA serial is checked again.
	DefaultSerialTTL = 30 * time.Minute
)

// Config holds the nodes zone account.
type Config struct {
	// Zone is the nodes zone, e.g. "nodes.freifunk-stuttgart.de".
	Zone string `toml:"zone,omitempty"`
	// Server is the primary name server, host or host:port.
	Server string `toml:"server,omitempty"`
	// TSIGName and TSIGSecret authenticate transfers and updates.
	TSIGName   string `toml:"tsig_name,omitempty"`
	TSIGSecret string `toml:"tsig_secret,omitempty"`
	// TSIGAlgorithm defaults to hmac-sha512.
	TSIGAlgorithm string        `toml:"tsig_algorithm,omitempty"`
	Timeout       time.Duration `toml:"timeout,omitempty"`
	SerialTTL     time.Duration `toml:"serial_ttl,omitempty"`
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {
	if c.TSIGAlgorithm == "" {
		c.TSIGAlgorithm = strings.TrimSuffix(dns.HmacSHA512, ".")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SerialTTL == 0 {
		c.SerialTTL = DefaultSerialTTL
	}
}

// Validate implements config.Validator. An empty zone disables the syncer.
func (c *Config) Validate() error {
	if c.Zone == "" {
		return nil
	}
	if c.Server == "" {
		return serrors.New("dns zone configured without a server")
	}
	if (c.TSIGName == "") != (c.TSIGSecret == "") {
		return serrors.New("tsig_name and tsig_secret must be set together")
	}
	return nil
}

// Enabled reports whether a zone is configured.
func (c *Config) Enabled() bool {
	return c.Zone != ""
}

func (c *Config) serverAddr() string {
	if _, _, err := net.SplitHostPort(c.Server); err == nil {
		return c.Server
	}
	return net.JoinHostPort(c.Server, "53")
}

// change is one pending record mutation.
type change struct {
	// Name is the bare owner label, "ffs-" plus the node id.
	Name string
	IPv6 netip.Addr
	// Replace deletes the existing AAAA rrset first.
	Replace bool
}

type zoneState struct {
	serial  uint32
	entries map[string]netip.Addr
}

// Syncer reconciles the nodes zone against the node store.
type Syncer struct {
	cfg    Config
	client *dns.Client
	// cache keeps the last transferred zone; a matching SOA serial
	// skips the transfer.
	cache  *zcache.Cache[string, *zoneState]
	logger log.Logger
	alerts []string
}

// NewSyncer returns a syncer for the configured zone account.
func NewSyncer(cfg Config, logger log.Logger) *Syncer {
	cfg.InitDefaults()
	client := &dns.Client{Net: "tcp", Timeout: cfg.Timeout}
	if cfg.TSIGName != "" {
		client.TsigSecret = map[string]string{
			dns.Fqdn(cfg.TSIGName): cfg.TSIGSecret,
		}
	}
	return &Syncer{
		cfg:    cfg,
		client: client,
		cache:  zcache.New[string, *zoneState](cfg.SerialTTL, 2*cfg.SerialTTL),
		logger: logger,
	}
}

// Sync transfers the zone, diffs it against the nodes and sends one dynamic
// update covering every missing or stale record. Nodes without a mesh
// address are skipped; zone entries without a matching node are left alone.
func (s *Syncer) Sync(ctx context.Context, nodes []*node.Node) error {
	s.alerts = nil
	entries, err := s.zoneEntries(ctx)
	if err != nil {
		return err
	}
	changes := plan(entries, nodes)
	if len(changes) == 0 {
		log.SafeDebug(s.logger, "Nodes zone in sync", "zone", s.cfg.Zone)
		return nil
	}
	if err := s.update(ctx, changes); err != nil {
		return err
	}
	// The zone changed under the cache.
	s.cache.Delete(s.cfg.Zone)
	log.SafeInfo(s.logger, "Nodes zone updated",
		"zone", s.cfg.Zone, "changes", len(changes))
	return nil
}

// Alerts returns the inconsistencies found during the last Sync.
func (s *Syncer) Alerts() []string {
	return s.alerts
}

func (s *Syncer) zoneEntries(ctx context.Context) (map[string]netip.Addr, error) {
	cached, ok := s.cache.Get(s.cfg.Zone)
	if ok {
		serial, err := s.querySerial(ctx)
		if err == nil && serial == cached.serial {
			return cached.entries, nil
		}
	}
	serial, rrs, err := s.transfer(ctx)
	if err != nil {
		return nil, err
	}
	entries := s.collect(rrs)
	s.cache.Set(s.cfg.Zone, &zoneState{serial: serial, entries: entries})
	return entries, nil
}

func (s *Syncer) querySerial(ctx context.Context) (uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(s.cfg.Zone), dns.TypeSOA)
	r, _, err := s.client.ExchangeContext(ctx, m, s.cfg.serverAddr())
	if err != nil {
		return 0, serrors.Wrap("querying SOA", err, "zone", s.cfg.Zone)
	}
	for _, rr := range r.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, serrors.New("no SOA in answer", "zone", s.cfg.Zone)
}

// transfer runs a full zone transfer and returns the serial and all records.
func (s *Syncer) transfer(ctx context.Context) (uint32, []dns.RR, error) {
	t := &dns.Transfer{
		DialTimeout:  s.cfg.Timeout,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
		TsigSecret:   s.client.TsigSecret,
	}
	m := new(dns.Msg)
	m.SetAxfr(dns.Fqdn(s.cfg.Zone))
	if s.cfg.TSIGName != "" {
		m.SetTsig(dns.Fqdn(s.cfg.TSIGName), dns.Fqdn(s.cfg.TSIGAlgorithm),
			300, time.Now().Unix())
	}
	envelopes, err := t.In(m, s.cfg.serverAddr())
	if err != nil {
		return 0, nil, serrors.Wrap("starting zone transfer", err, "zone", s.cfg.Zone)
	}
	var serial uint32
	var rrs []dns.RR
	for env := range envelopes {
		if env.Error != nil {
			return 0, nil, serrors.Wrap("zone transfer", env.Error, "zone", s.cfg.Zone)
		}
		for _, rr := range env.RR {
			if soa, ok := rr.(*dns.SOA); ok && serial == 0 {
				serial = soa.Serial
			}
			rrs = append(rrs, rr)
		}
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
	}
	return serial, rrs, nil
}

// collect extracts the node AAAA entries of the zone. A node name with
// several addresses or an address outside the mesh ULA is reported, the
// first valid address wins.
func (s *Syncer) collect(rrs []dns.RR) map[string]netip.Addr {
	entries := make(map[string]netip.Addr)
	for _, rr := range rrs {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(
			aaaa.Hdr.Name, "."+dns.Fqdn(s.cfg.Zone)))
		if _, err := addr.ParseNodeID(strings.TrimPrefix(name, "ffs-")); err != nil ||
			!strings.HasPrefix(name, "ffs-") {
			continue
		}
		ip, ok := netip.AddrFromSlice(aaaa.AAAA)
		if !ok {
			continue
		}
		if !addr.InMeshULA(ip) {
			s.alertf("invalid address in nodes zone: %s = %s", name, ip)
			continue
		}
		if prev, ok := entries[name]; ok {
			s.alertf("duplicate address in nodes zone: %s = %s + %s",
				name, prev, ip)
			continue
		}
		entries[name] = ip
	}
	return entries
}

// plan computes the record changes needed to cover the nodes.
func plan(entries map[string]netip.Addr, nodes []*node.Node) []change {
	var changes []change
	for _, n := range nodes {
		if !n.IPv6.IsValid() || !addr.InMeshULA(n.IPv6) {
			continue
		}
		name := "ffs-" + n.MAC.NodeID()
		existing, ok := entries[name]
		switch {
		case !ok:
			changes = append(changes, change{Name: name, IPv6: n.IPv6})
		case existing != n.IPv6:
			changes = append(changes, change{Name: name, IPv6: n.IPv6, Replace: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Name < changes[j].Name
	})
	return changes
}

func (s *Syncer) update(ctx context.Context, changes []change) error {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(s.cfg.Zone))
	for _, ch := range changes {
		rr := &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   dns.Fqdn(ch.Name + "." + s.cfg.Zone),
				Rrtype: dns.TypeAAAA,
				Class:  dns.ClassINET,
				Ttl:    recordTTL,
			},
			AAAA: ch.IPv6.AsSlice(),
		}
		if ch.Replace {
			m.RemoveRRset([]dns.RR{rr})
		}
		m.Insert([]dns.RR{rr})
	}
	if s.cfg.TSIGName != "" {
		m.SetTsig(dns.Fqdn(s.cfg.TSIGName), dns.Fqdn(s.cfg.TSIGAlgorithm),
			300, time.Now().Unix())
	}
	r, _, err := s.client.ExchangeContext(ctx, m, s.cfg.serverAddr())
	if err != nil {
		return serrors.Wrap("sending zone update", err, "zone", s.cfg.Zone)
	}
	if r.Rcode != dns.RcodeSuccess {
		return serrors.New("zone update refused",
			"zone", s.cfg.Zone, "rcode", dns.RcodeToString[r.Rcode])
	}
	return nil
}

func (s *Syncer) alertf(format string, args ...any) {
	alert := fmt.Sprintf(format, args...)
	s.alerts = append(s.alerts, alert)
	log.SafeInfo(s.logger, "Nodes zone alert", "alert", alert)
}
