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

package telemetry

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	// ResponddPort is the UDP port gluon's respondd answers on.
	ResponddPort = 1001
	// ResponddGroup is the site scoped multicast group all nodes join.
	ResponddGroup = "ff05::2:1001"

	// DefaultProbeTimeout bounds one unicast probe round trip.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultSweepWindow is how long a multicast sweep gathers answers.
	DefaultSweepWindow = 10 * time.Second
	// DefaultHopLimit keeps sweeps inside the site.
	DefaultHopLimit = 64

	responddRequest = "GET nodeinfo statistics neighbours"
	maxResponddSize = 65535
)

// ProbeConfig holds the respondd probe parameters.
type ProbeConfig struct {
	// Interface is the mesh interface multicast sweeps leave through,
	// e.g. the batman interface of a segment. Unicast probes follow the
	// routing table and ignore it unless the target is link local.
	Interface string
	HopLimit  int
	Timeout   time.Duration
	// SweepWindow is how long a sweep keeps collecting answers.
	SweepWindow time.Duration
}

// InitDefaults implements config.Defaulter.
func (c *ProbeConfig) InitDefaults() {
	if c.HopLimit == 0 {
		c.HopLimit = DefaultHopLimit
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.SweepWindow == 0 {
		c.SweepWindow = DefaultSweepWindow
	}
}

// Prober re-probes nodes over respondd when the aggregated feed lags.
type Prober struct {
	cfg    ProbeConfig
	logger log.Logger
}

// NewProber returns a respondd prober. The logger may be nil.
func NewProber(cfg ProbeConfig, logger log.Logger) *Prober {
	cfg.InitDefaults()
	return &Prober{cfg: cfg, logger: logger}
}

// Probe requests nodeinfo, statistics and neighbours from a single node.
func (p *Prober) Probe(ctx context.Context, ip netip.Addr) (node.SourceRecord, error) {
	conn, err := net.ListenUDP("udp6", nil)
	if err != nil {
		return node.SourceRecord{}, serrors.Wrap("opening probe socket", err)
	}
	defer conn.Close()
	conn.SetDeadline(p.deadline(ctx, p.cfg.Timeout))

	dst := &net.UDPAddr{IP: ip.AsSlice(), Port: ResponddPort}
	if ip.IsLinkLocalUnicast() {
		dst.Zone = p.cfg.Interface
	}
	if _, err := conn.WriteTo([]byte(responddRequest), dst); err != nil {
		return node.SourceRecord{}, serrors.Wrap("sending probe", err, "node", ip)
	}
	buf := make([]byte, maxResponddSize)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return node.SourceRecord{}, serrors.Wrap("awaiting probe answer", err,
			"node", ip)
	}
	return DecodeResponse(buf[:n], time.Now())
}

// Sweep multicasts one request into the configured interface and collects
// whatever answers within the sweep window. A timeout is the normal end of
// the sweep, not an error.
func (p *Prober) Sweep(ctx context.Context) ([]node.SourceRecord, error) {
	conn, err := net.ListenUDP("udp6", nil)
	if err != nil {
		return nil, serrors.Wrap("opening sweep socket", err)
	}
	defer conn.Close()

	pc := ipv6.NewPacketConn(conn)
	if p.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(p.cfg.Interface)
		if err != nil {
			return nil, serrors.Wrap("resolving sweep interface", err,
				"interface", p.cfg.Interface)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return nil, serrors.Wrap("selecting sweep interface", err,
				"interface", p.cfg.Interface)
		}
	}
	if err := pc.SetMulticastHopLimit(p.cfg.HopLimit); err != nil {
		return nil, serrors.Wrap("setting sweep hop limit", err,
			"hop_limit", p.cfg.HopLimit)
	}
	conn.SetDeadline(p.deadline(ctx, p.cfg.SweepWindow))

	group := netip.MustParseAddr(ResponddGroup)
	dst := &net.UDPAddr{IP: group.AsSlice(), Port: ResponddPort}
	if _, err := conn.WriteTo([]byte(responddRequest), dst); err != nil {
		return nil, serrors.Wrap("sending sweep request", err)
	}

	var records []node.SourceRecord
	buf := make([]byte, maxResponddSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !serrors.IsTimeout(err) {
				return records, serrors.Wrap("reading sweep answers", err)
			}
			return records, nil
		}
		rec, err := DecodeResponse(buf[:n], time.Now())
		if err != nil {
			log.SafeDebug(p.logger, "Discarding sweep answer",
				"src", src, "err", err)
			continue
		}
		records = append(records, rec)
	}
}

func (p *Prober) deadline(ctx context.Context, d time.Duration) time.Time {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

// DecodeResponse decodes one respondd answer. Answers to multi-section
// requests arrive raw-deflate compressed, plain JSON is accepted too.
func DecodeResponse(raw []byte, now time.Time) (node.SourceRecord, error) {
	if len(raw) == 0 {
		return node.SourceRecord{}, serrors.New("empty probe answer")
	}
	if raw[0] != '{' {
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		plain, err := io.ReadAll(r)
		if err != nil {
			return node.SourceRecord{}, serrors.Wrap("inflating probe answer", err)
		}
		raw = plain
	}
	var entry rawEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return node.SourceRecord{}, serrors.Wrap("decoding probe answer", err)
	}
	if entry.Nodeinfo == nil {
		return node.SourceRecord{}, serrors.New("probe answer without nodeinfo")
	}
	entry.LastSeen = now.UTC().Format(time.RFC3339Nano)
	rec, ok := convertEntry(entry.Nodeinfo.NodeID, entry)
	if !ok {
		return node.SourceRecord{}, serrors.New("malformed probe answer",
			"node_id", entry.Nodeinfo.NodeID)
	}
	return rec, nil
}
