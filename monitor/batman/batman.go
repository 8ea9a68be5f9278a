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

// Package batman reads the kernel's batman-adv state through batctl: the
// per-segment translation tables for node sightings, the originator tables
// for live mesh addresses, and traceroutes for uplink verification.
package batman

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/sync/errgroup"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	// DefaultBatctl is where distributions install batctl.
	DefaultBatctl = "/usr/sbin/batctl"
	// DefaultTimeout bounds one table dump or traceroute.
	DefaultTimeout = 10 * time.Second
	// DefaultProbeCacheSize bounds the traceroute result cache.
	DefaultProbeCacheSize = 1024

	maxConcurrentDumps = 8
)

// Config holds the kernel scan parameters.
type Config struct {
	// Batctl is the path of the batctl binary.
	Batctl string
	// Segments to scan. The probe order for uplink verification follows
	// this list.
	Segments []addr.Segment
	Timeout  time.Duration
	// ProbeCacheSize bounds the cached traceroute verdicts.
	ProbeCacheSize int
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {
	if c.Batctl == "" {
		c.Batctl = DefaultBatctl
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProbeCacheSize == 0 {
		c.ProbeCacheSize = DefaultProbeCacheSize
	}
}

// Sighting is one node seen in a segment's translation table: the node
// announced its primary address through one of its own mesh addresses.
type Sighting struct {
	MAC     addr.MAC
	Mesh    addr.MAC
	Segment addr.Segment
}

// Originator is one live mesh address in a segment's originator table.
type Originator struct {
	MAC addr.MAC
	// Quality is the batman link quality, 0..255.
	Quality int
}

// Scanner shells out to batctl. Safe for concurrent use; the traceroute
// cache carries over between passes.
type Scanner struct {
	cfg    Config
	runner Runner
	logger log.Logger
	cache  *arc.ARCCache[addr.MAC, addr.Segment]
}

// NewScanner returns a scanner over the given runner. The logger may be
// nil.
func NewScanner(cfg Config, runner Runner, logger log.Logger) (*Scanner, error) {
	cfg.InitDefaults()
	cache, err := arc.NewARC[addr.MAC, addr.Segment](cfg.ProbeCacheSize)
	if err != nil {
		return nil, serrors.Wrap("creating probe cache", err)
	}
	return &Scanner{cfg: cfg, runner: runner, logger: logger, cache: cache}, nil
}

func meshIF(seg addr.Segment) string {
	return fmt.Sprintf("bat%02d", uint8(seg))
}

// ScanSegments dumps the translation tables of all configured segments
// concurrently and converts the node sightings into kernel records.
// Segments whose dump fails yield nothing, they never block the pass.
func (s *Scanner) ScanSegments(ctx context.Context) []node.SourceRecord {
	var mu sync.Mutex
	var records []node.SourceRecord

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDumps)
	for _, seg := range s.cfg.Segments {
		g.Go(func() error {
			defer log.HandlePanic()
			sightings, clients, err := s.TranslationTable(ctx, seg)
			if err != nil {
				log.SafeInfo(s.logger, "Translation table unavailable",
					"segment", seg, "err", err)
				return nil
			}
			log.SafeDebug(s.logger, "Translation table scanned",
				"segment", seg, "nodes", len(sightings), "clients", clients)
			now := time.Now()
			mu.Lock()
			defer mu.Unlock()
			for _, sighting := range sightings {
				records = append(records, node.SourceRecord{
					Source:    node.SourceKernel,
					MAC:       sighting.MAC,
					LastSeen:  now,
					Segment:   node.SegmentOf(sighting.Segment),
					Addresses: []addr.MAC{sighting.Mesh},
				})
			}
			return nil
		})
	}
	g.Wait()
	return records
}

// TranslationTable dumps one segment's global translation table. Entries
// announced by an address that is not derived from the client address
// belong to client devices and only bump the count.
func (s *Scanner) TranslationTable(ctx context.Context,
	seg addr.Segment) ([]Sighting, int, error) {

	out, err := s.dump(ctx, "-m", meshIF(seg), "tg")
	if err != nil {
		return nil, 0, err
	}
	var sightings []Sighting
	clients := 0
	for _, line := range strings.Split(string(out), "\n") {
		client, mesh, ok := parseTranslationLine(line)
		if !ok {
			continue
		}
		if client.IsGateway() || mesh.IsGateway() {
			continue
		}
		if !derivedFrom(client, mesh) {
			clients++
			continue
		}
		sightings = append(sightings, Sighting{MAC: client, Mesh: mesh, Segment: seg})
	}
	return sightings, clients, nil
}

// Originators returns the live mesh addresses of one segment.
func (s *Scanner) Originators(ctx context.Context,
	seg addr.Segment) ([]Originator, error) {

	out, err := s.dump(ctx, "-m", meshIF(seg), "o")
	if err != nil {
		return nil, err
	}
	var origs []Originator
	for _, line := range strings.Split(string(out), "\n") {
		if orig, ok := parseOriginatorLine(line); ok && !orig.MAC.IsGateway() {
			origs = append(origs, orig)
		}
	}
	return origs, nil
}

// ProbeSegment verifies which segment a node currently meshes in by
// tracerouting it over each configured segment interface. A single-hop
// answer pins the node to that segment. Verdicts are cached.
func (s *Scanner) ProbeSegment(ctx context.Context, mac addr.MAC) (addr.Segment, bool) {
	if seg, ok := s.cache.Get(mac); ok {
		return seg, true
	}
	for _, seg := range s.cfg.Segments {
		out, err := s.dump(ctx, "-m", meshIF(seg), "tr", mac.String())
		if err != nil {
			continue
		}
		if singleHop(string(out)) {
			s.cache.Add(mac, seg)
			log.SafeDebug(s.logger, "Uplink verified",
				"mac", mac, "segment", seg)
			return seg, true
		}
	}
	return 0, false
}

func (s *Scanner) dump(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.runner.Output(ctx, s.cfg.Batctl, args...)
}

// parseTranslationLine extracts the client and originator addresses from
// one translation table line. Both the kernel debug layout ("via <orig>")
// and the plain batctl output are accepted; entries on tagged VLANs are
// skipped.
func parseTranslationLine(line string) (client, orig addr.MAC, ok bool) {
	fields := strings.Fields(stripParens(line))
	i := 0
	for ; i < len(fields); i++ {
		if m, err := addr.ParseMAC(fields[i]); err == nil {
			client = m
			break
		}
	}
	if i >= len(fields)-1 || fields[i+1] != "-1" {
		return addr.MAC{}, addr.MAC{}, false
	}
	for _, f := range fields[i+2:] {
		if m, err := addr.ParseMAC(f); err == nil {
			return client, m, true
		}
	}
	return addr.MAC{}, addr.MAC{}, false
}

func parseOriginatorLine(line string) (Originator, bool) {
	fields := strings.Fields(stripParens(line))
	for i, f := range fields {
		m, err := addr.ParseMAC(f)
		if err != nil {
			continue
		}
		orig := Originator{MAC: m}
		if i+2 < len(fields) {
			if q, err := strconv.Atoi(fields[i+2]); err == nil {
				orig.Quality = q
			}
		}
		return orig, true
	}
	return Originator{}, false
}

// singleHop reports whether a traceroute answered from the target's own
// mesh address in one hop, i.e. the node is directly present on the probed
// segment interface.
func singleHop(out string) bool {
	var mesh addr.MAC
	haveMesh := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(stripParens(line))
		if len(fields) < 4 {
			continue
		}
		if fields[0] == "traceroute" {
			if m, err := addr.ParseMAC(fields[3]); err == nil {
				mesh, haveMesh = m, true
			}
			continue
		}
		if !haveMesh {
			continue
		}
		if m, err := addr.ParseMAC(fields[1]); err == nil && !m.IsGateway() {
			return m == mesh
		}
	}
	return false
}

func stripParens(s string) string {
	return strings.NewReplacer("(", " ", ")", " ").Replace(s)
}

func derivedFrom(primary, mesh addr.MAC) bool {
	for _, m := range addr.SyntheticMACs(primary) {
		if m == mesh {
			return true
		}
	}
	for _, m := range addr.LegacyMACs(primary) {
		if m == mesh {
			return true
		}
	}
	return false
}
