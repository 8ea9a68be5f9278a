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

// Package dhcp probes the DHCP relays of the mesh segments. A probe sends a
// DHCPDISCOVER towards the segment's relay and considers the segment healthy
// when a matching OFFER arrives in time.
package dhcp

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	serverPort = 67
	clientPort = 68

	// broadcastFlag asks the server to broadcast the reply, the probing
	// host does not own the offered address.
	broadcastFlag = 0x8000
)

// Config describes the probe targets.
type Config struct {
	// Relays maps each segment to the address of its DHCP relay.
	Relays map[addr.Segment]netip.Addr `toml:"relays,omitempty"`
	// HardwareAddr is the client address placed in the DISCOVER.
	HardwareAddr addr.MAC `toml:"hardware_addr,omitempty"`
	// Timeout bounds one send/receive round.
	Timeout time.Duration `toml:"timeout,omitempty"`
	// Retries is the number of rounds before a relay counts as dead.
	Retries int `toml:"retries,omitempty"`
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {
	if c.Timeout == 0 {
		c.Timeout = time.Second
	}
	if c.Retries == 0 {
		c.Retries = 10
	}
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	for seg, relay := range c.Relays {
		if !relay.Is4() {
			return serrors.New("relay must be an IPv4 address",
				"segment", seg, "relay", relay)
		}
	}
	return nil
}

// Enabled reports whether any relay is configured.
func (c *Config) Enabled() bool {
	return len(c.Relays) > 0
}

// Result is the outcome of probing one relay.
type Result struct {
	Segment addr.Segment
	Relay   netip.Addr
	// Healthy is set when the relay offered an address.
	Healthy bool
	// Offered is the address from the OFFER, unset when unhealthy.
	Offered netip.Addr
	// RelayAgent is the giaddr of the OFFER. A healthy reply carries the
	// probed relay here; anything else is alerted but still healthy.
	RelayAgent netip.Addr
}

// Dialer opens the probe socket towards one relay. Production uses
// UDPDialer; tests substitute a pipe.
type Dialer func(ctx context.Context, relay netip.Addr) (net.Conn, error)

// UDPDialer opens a UDP socket bound to the DHCP client port.
func UDPDialer(ctx context.Context, relay netip.Addr) (net.Conn, error) {
	d := net.Dialer{
		LocalAddr: &net.UDPAddr{Port: clientPort},
	}
	target := netip.AddrPortFrom(relay, serverPort)
	return d.DialContext(ctx, "udp4", target.String())
}

// Prober checks the configured relays one by one.
type Prober struct {
	cfg    Config
	dial   Dialer
	logger log.Logger
	rand   func() uint32
	alerts []string
}

// NewProber returns a prober using the given dialer, or UDPDialer when nil.
func NewProber(cfg Config, dial Dialer, logger log.Logger) *Prober {
	cfg.InitDefaults()
	if dial == nil {
		dial = UDPDialer
	}
	return &Prober{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		rand:   rand.Uint32,
	}
}

// Alerts returns the alerts raised since the last call, oldest first.
func (p *Prober) Alerts() []string {
	a := p.alerts
	p.alerts = nil
	return a
}

// ProbeAll probes every configured relay in segment order.
func (p *Prober) ProbeAll(ctx context.Context) []Result {
	segments := make([]addr.Segment, 0, len(p.cfg.Relays))
	for seg := range p.cfg.Relays {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })

	results := make([]Result, 0, len(segments))
	for _, seg := range segments {
		res := p.Probe(ctx, seg)
		if !res.Healthy {
			p.alertf("!! DHCP-Relay of Segment %02d is not responding: %s",
				uint8(seg), res.Relay)
		}
		results = append(results, res)
	}
	return results
}

// Probe checks the relay of a single segment.
func (p *Prober) Probe(ctx context.Context, seg addr.Segment) Result {
	relay, ok := p.cfg.Relays[seg]
	res := Result{Segment: seg, Relay: relay}
	if !ok {
		return res
	}
	for try := 0; try < p.cfg.Retries; try++ {
		if ctx.Err() != nil {
			return res
		}
		offer, err := p.round(ctx, relay)
		if err != nil {
			log.SafeDebug(p.logger, "DHCP probe round failed",
				"segment", seg, "relay", relay, "err", err)
			continue
		}
		res.Healthy = true
		res.Offered = offer.offered
		res.RelayAgent = offer.relayAgent
		if offer.relayAgent != relay {
			p.alertf("!! Reply from wrong Gateway: IP = %s / GW = %s",
				offer.offered, offer.relayAgent)
		}
		return res
	}
	return res
}

type offer struct {
	offered    netip.Addr
	relayAgent netip.Addr
}

func (p *Prober) round(ctx context.Context, relay netip.Addr) (offer, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	conn, err := p.dial(rctx, relay)
	if err != nil {
		return offer{}, serrors.Wrap("dialing relay", err, "relay", relay)
	}
	defer conn.Close()
	if deadline, ok := rctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return offer{}, serrors.Wrap("setting deadline", err)
		}
	}

	xid := p.rand()
	discover, err := buildDiscover(xid, p.cfg.HardwareAddr)
	if err != nil {
		return offer{}, err
	}
	if _, err := conn.Write(discover); err != nil {
		return offer{}, serrors.Wrap("sending DISCOVER", err, "relay", relay)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return offer{}, serrors.Wrap("reading reply", err, "relay", relay)
		}
		o, ok := parseOffer(buf[:n], xid)
		if ok {
			return o, nil
		}
	}
}

func (p *Prober) alertf(format string, args ...any) {
	alert := fmt.Sprintf(format, args...)
	p.alerts = append(p.alerts, alert)
	log.SafeInfo(p.logger, "DHCP probe alert", "alert", alert)
}

// buildDiscover serializes a DHCPDISCOVER with the given transaction id.
func buildDiscover(xid uint32, hw addr.MAC) ([]byte, error) {
	discover := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          xid,
		Flags:        broadcastFlag,
		ClientHWAddr: net.HardwareAddr(hw[:]),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType,
				[]byte{byte(layers.DHCPMsgTypeDiscover)}),
		},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, discover); err != nil {
		return nil, serrors.Wrap("serializing DISCOVER", err)
	}
	return buf.Bytes(), nil
}

// parseOffer decodes a BOOTREPLY and reports whether it is the OFFER
// matching the transaction id.
func parseOffer(b []byte, xid uint32) (offer, bool) {
	var reply layers.DHCPv4
	if err := reply.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return offer{}, false
	}
	if reply.Operation != layers.DHCPOpReply || reply.Xid != xid {
		return offer{}, false
	}
	if msgType(&reply) != layers.DHCPMsgTypeOffer {
		return offer{}, false
	}
	offered, ok := netip.AddrFromSlice(reply.YourClientIP.To4())
	if !ok {
		return offer{}, false
	}
	relayAgent, _ := netip.AddrFromSlice(reply.RelayAgentIP.To4())
	return offer{offered: offered, relayAgent: relayAgent}, true
}

func msgType(d *layers.DHCPv4) layers.DHCPMsgType {
	for _, opt := range d.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) == 1 {
			return layers.DHCPMsgType(opt.Data[0])
		}
	}
	return layers.DHCPMsgTypeUnspecified
}
