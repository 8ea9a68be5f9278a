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

package node

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/identity"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// Default staleness horizons and feed trust thresholds.
const (
	DefaultMaxInactive  = 10 * 24 * time.Hour
	DefaultMaxOffline   = 30 * time.Minute
	DefaultMaxStatusAge = 15 * time.Minute
	DefaultTrustNodes   = 1000
	DefaultTrustAge     = time.Minute
)

// Ingest rejection errors.
var (
	// ErrNoPrimary marks a record without a primary hardware address.
	ErrNoPrimary = serrors.New("record without primary address")
	// ErrIncomplete marks a feed record missing hostname or firmware.
	ErrIncomplete = serrors.New("record missing required fields")
	// ErrUnknownNode marks a kernel sighting of a node no other source
	// knows.
	ErrUnknownNode = serrors.New("sighting of unknown node")
	// ErrGatewayAddress marks a record keyed by a gateway address.
	ErrGatewayAddress = serrors.New("record carries a gateway address")
	// ErrNotSeedable marks a persisted record not worth re-seeding.
	ErrNotSeedable = serrors.New("persisted record not seedable")
)

// Config sets the staleness horizons of a store. The zero value is usable,
// missing fields fall back to the defaults above.
type Config struct {
	// MaxInactive is the horizon after which a node is dropped from
	// analysis entirely.
	MaxInactive time.Duration
	// MaxOffline is the horizon after which a node no longer counts as
	// online.
	MaxOffline time.Duration
	// MaxStatusAge is the maximum acceptable age of a whole feed.
	MaxStatusAge time.Duration
	// TrustNodes and TrustAge gate whether a feed is complete enough to
	// base mutations on: more than TrustNodes nodes and the newest record
	// younger than TrustAge.
	TrustNodes int
	TrustAge   time.Duration
	// Now is injectable for tests.
	Now func() time.Time
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {
	if c.MaxInactive == 0 {
		c.MaxInactive = DefaultMaxInactive
	}
	if c.MaxOffline == 0 {
		c.MaxOffline = DefaultMaxOffline
	}
	if c.MaxStatusAge == 0 {
		c.MaxStatusAge = DefaultMaxStatusAge
	}
	if c.TrustNodes == 0 {
		c.TrustNodes = DefaultTrustNodes
	}
	if c.TrustAge == 0 {
		c.TrustAge = DefaultTrustAge
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// FeedTrusted reports whether a feed covering count nodes, with the newest
// record age old, is complete enough to base mutations on.
func (c Config) FeedTrusted(count int, age time.Duration) bool {
	return count > c.TrustNodes && age < c.TrustAge
}

// SourceRecord is one source's view of one node, handed to the store for
// fusion. Zero valued fields are absent and skipped.
type SourceRecord struct {
	Source   Source
	MAC      addr.MAC
	Name     string
	Hardware string
	Firmware string
	LastSeen time.Time
	Uptime   time.Duration
	Clients  int
	Position Position
	ZIP      string
	Contact  string

	// Region is only honoured for persisted records; live nodes are
	// annotated from geography each pass.
	Region string

	// Addresses are secondary hardware addresses observed on the node.
	Addresses []addr.MAC
	// Neighbours are observed radio adjacencies, by any known address of
	// the neighbour.
	Neighbours []addr.MAC

	IPv6 netip.Addr
	// Gateway is the gateway the node reported using.
	Gateway addr.MAC
	// VPNEstablished is set when the node reports an own VPN tunnel.
	VPNEstablished bool
	// Segment is direct segment evidence, e.g. the kernel table the node
	// was sighted in.
	Segment OptSegment

	// Status and Gluon are only honoured for persisted records; live
	// sources derive them.
	Status Status
	Gluon  GluonType
}

// KeyRecord is the key registry's view of one key file, merged into the
// store after all observation sources.
type KeyRecord struct {
	KeyDir  string
	KeyFile string
	MAC     addr.MAC
	Name    string
	Key     string
	Mode    SegmentMode
	// VpnMAC is the tunnel address of the current connection, zero when
	// the key is not connected anywhere.
	VpnMAC   addr.MAC
	LastConn time.Time
}

// Store is the canonical node set of one pass. It owns the records and the
// identity index; there is exactly one writer per pass.
type Store struct {
	cfg    Config
	nodes  map[addr.MAC]*Node
	index  *identity.Index
	alerts []string
	logger log.Logger
}

// NewStore returns an empty store.
func NewStore(cfg Config, logger log.Logger) *Store {
	cfg.InitDefaults()
	s := &Store{
		cfg:    cfg,
		nodes:  make(map[addr.MAC]*Node),
		logger: logger,
	}
	s.index = identity.NewIndex(s, logger)
	return s
}

// Index returns the identity index of this pass.
func (s *Store) Index() *identity.Index {
	return s.index
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Len returns the number of node records.
func (s *Store) Len() int {
	return len(s.nodes)
}

// Get returns the record with the given primary address.
func (s *Store) Get(primary addr.MAC) (*Node, bool) {
	n, ok := s.nodes[primary]
	return n, ok
}

// ResolveNode returns the record owning the given address, resolving
// secondary addresses through the identity index.
func (s *Store) ResolveNode(mac addr.MAC) (*Node, bool) {
	primary, ok := s.index.Resolve(mac)
	if !ok {
		return nil, false
	}
	n, ok := s.nodes[primary]
	return n, ok
}

// Nodes returns all records ordered by primary address.
func (s *Store) Nodes() []*Node {
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].MAC.String() < nodes[j].MAC.String()
	})
	return nodes
}

// LastSeen implements identity.Directory.
func (s *Store) LastSeen(primary addr.MAC) (time.Time, bool) {
	n, ok := s.nodes[primary]
	if !ok {
		return time.Time{}, false
	}
	return n.LastSeen, true
}

// Demote implements identity.Directory: the node forfeited its primary
// address and is excluded from this pass.
func (s *Store) Demote(primary addr.MAC) {
	n, ok := s.nodes[primary]
	if !ok {
		return
	}
	n.Status = StatusUnknown
	n.Neighbours = nil
}

// Ingest fuses one source record into the store. Rejected records return
// an error and leave the store unchanged; rejection is never fatal to the
// pass.
func (s *Store) Ingest(rec SourceRecord) error {
	if rec.MAC.IsZero() {
		return ErrNoPrimary
	}
	if rec.MAC.IsGateway() {
		return serrors.JoinNoStack(ErrGatewayAddress, nil, "mac", rec.MAC)
	}
	switch rec.Source {
	case SourceFeed:
		if rec.Name == "" || rec.Firmware == "" {
			return serrors.JoinNoStack(ErrIncomplete, nil, "mac", rec.MAC)
		}
		return s.ingestFeed(rec)
	case SourceKernel:
		return s.ingestKernel(rec)
	case SourcePersisted:
		return s.ingestPersisted(rec)
	}
	return serrors.New("unknown source", "source", rec.Source)
}

func (s *Store) ingestPersisted(rec SourceRecord) error {
	if _, ok := s.nodes[rec.MAC]; ok {
		// Snapshots only seed, they never overwrite.
		return nil
	}
	if rec.Gluon < GluonDNSSegAssign && len(rec.Addresses) == 0 {
		return serrors.JoinNoStack(ErrNotSeedable, nil, "mac", rec.MAC)
	}
	n := &Node{
		MAC:        rec.MAC,
		Name:       rec.Name,
		Status:     rec.Status,
		LastSeen:   rec.LastSeen,
		Position:   rec.Position,
		ZIP:        rec.ZIP,
		Region:     rec.Region,
		Contact:    rec.Contact,
		Gluon:      rec.Gluon,
		IPv6:       rec.IPv6,
		Provenance: SourcePersisted,
	}
	if seg, ok := rec.Segment.Get(); ok {
		n.ObservedSegment = SegmentOf(seg)
	}
	switch age := s.cfg.Now().Sub(rec.LastSeen); {
	case age > s.cfg.MaxInactive:
		n.Status = StatusUnknown
	case age > s.cfg.MaxOffline:
		n.Status = StatusOffline
	}
	s.nodes[rec.MAC] = n
	if c, conflict := s.index.Bind(rec.MAC, rec.MAC); conflict && c.Demoted {
		return nil
	}
	addrs := rec.Addresses
	if len(addrs) == 0 {
		derived := addr.SyntheticMACs(rec.MAC)
		addrs = derived[:]
	}
	for _, a := range addrs {
		if s.bindObserved(n, a) {
			break
		}
	}
	return nil
}

func (s *Store) ingestFeed(rec SourceRecord) error {
	n, ok := s.nodes[rec.MAC]
	if !ok {
		n = &Node{MAC: rec.MAC, Name: rec.Name, Status: StatusOffline}
		s.nodes[rec.MAC] = n
		if c, conflict := s.index.Bind(rec.MAC, rec.MAC); conflict && c.Demoted {
			// The primary address already belongs to a fresher node.
			return nil
		}
		log.SafeDebug(s.logger, "New node from feed",
			"mac", rec.MAC, "name", rec.Name)
	}
	if n.Provenance < SourceFeed {
		n.Provenance = SourceFeed
	}

	if rec.LastSeen.After(n.LastSeen) {
		n.LastSeen = rec.LastSeen
		n.Clients = rec.Clients
		if rec.Name != "" && rec.Name != n.Name {
			log.SafeDebug(s.logger, "Hostname changed",
				"mac", rec.MAC, "old", n.Name, "new", rec.Name)
			n.Name = rec.Name
		}
		if rec.Hardware != "" {
			n.Hardware = rec.Hardware
		}
		if rec.Uptime > 0 {
			n.Uptime = rec.Uptime
		}
		if rec.Position.Valid {
			n.Position = rec.Position
		}
		if rec.ZIP != "" {
			n.ZIP = rec.ZIP
		}
		if rec.Contact != "" {
			n.Contact = rec.Contact
		}
		for _, a := range rec.Addresses {
			if s.bindObserved(n, a) {
				// The node lost its primary address while binding, the
				// rest of the record describes the winning node.
				return nil
			}
		}
		switch age := s.cfg.Now().Sub(rec.LastSeen); {
		case age < s.cfg.MaxOffline:
			if !n.Status.IsOnline() {
				n.Status = StatusOnline
			}
			for _, nb := range rec.Neighbours {
				n.AddNeighbour(nb)
			}
			if rec.IPv6.IsValid() {
				n.IPv6 = rec.IPv6
				if seg, ok := addr.SegmentFromIPv6(rec.IPv6.String()); ok {
					n.ObservedSegment = SegmentOf(seg)
				}
			}
			if !rec.Gateway.IsZero() {
				n.UplinkGateway = rec.Gateway
				if seg, ok := rec.Gateway.GatewaySegment(); ok {
					n.ObservedSegment = SegmentOf(seg)
				}
			}
			if rec.VPNEstablished {
				n.Status = StatusVPN
			}
		case age > s.cfg.MaxInactive:
			n.Status = StatusUnknown
		}
	}

	if rec.Firmware != "" {
		n.Firmware = rec.Firmware
		n.UpgradeGluon(GluonFromRelease(rec.Firmware))
	}
	return nil
}

func (s *Store) ingestKernel(rec SourceRecord) error {
	n, ok := s.nodes[rec.MAC]
	if !ok {
		return serrors.JoinNoStack(ErrUnknownNode, nil, "mac", rec.MAC)
	}
	feedSeen := n.Provenance >= SourceFeed
	if n.Provenance < SourceKernel {
		n.Provenance = SourceKernel
	}
	for _, a := range rec.Addresses {
		if s.bindObserved(n, a) {
			return nil
		}
	}
	// A feed provided segment wins over the kernel sighting.
	if seg, ok := rec.Segment.Get(); ok {
		if !n.ObservedSegment.IsSet() || !feedSeen {
			n.ObservedSegment = SegmentOf(seg)
		}
	}
	if rec.LastSeen.After(n.LastSeen) {
		n.LastSeen = rec.LastSeen
	}
	if !n.Status.IsOnline() {
		n.Status = StatusOnline
		log.SafeDebug(s.logger, "Node online via kernel table", "mac", rec.MAC)
	}
	return nil
}

// bindObserved binds an observed secondary address and its derivation set
// to the node and keeps the per-node address lists in sync. It reports
// whether n itself was demoted while resolving a collision.
func (s *Store) bindObserved(n *Node, observed addr.MAC) (demoted bool) {
	if observed.IsZero() || observed.IsGateway() {
		return false
	}
	conflicts := s.index.BindObserved(n.MAC, observed)
	for _, c := range conflicts {
		if loser, ok := s.nodes[c.Loser]; ok {
			loser.RemoveAddress(c.Address)
		}
		if c.Demoted && c.Loser == n.MAC {
			demoted = true
		}
	}
	for _, mac := range identity.DeriveSet(n.MAC, observed) {
		if owner, ok := s.index.Resolve(mac); ok && owner == n.MAC {
			n.AddAddress(mac)
		}
	}
	return demoted
}

// MergeFastdInfo merges one key registry record. Nodes seen only in the
// key registry are created as unknown legacy nodes; a live tunnel binds
// the VPN address and promotes the node to an uplink.
func (s *Store) MergeFastdInfo(rec KeyRecord) error {
	if rec.MAC.IsZero() {
		return ErrNoPrimary
	}
	keySeg, err := addr.ParseSegment(rec.KeyDir)
	if err != nil {
		return serrors.Wrap("parsing key directory", err, "dir", rec.KeyDir)
	}

	n, ok := s.nodes[rec.MAC]
	if !ok {
		n = &Node{
			MAC:             rec.MAC,
			Name:            rec.Name,
			Status:          StatusUnknown,
			Gluon:           GluonLegacy,
			ObservedSegment: SegmentOf(keySeg),
			Provenance:      SourceNone,
		}
		s.nodes[rec.MAC] = n
		s.index.Bind(rec.MAC, rec.MAC)
		if !rec.VpnMAC.IsZero() {
			// A connected key without any feed record: classify by the
			// segment range the key lives in.
			switch {
			case keySeg > 8:
				n.Gluon = GluonDNSSegAssign
			case keySeg > 0:
				n.Gluon = GluonSegmentList
			}
			log.SafeInfo(s.logger, "New node known only by VPN key",
				"mac", rec.MAC, "keydir", rec.KeyDir, "name", rec.Name)
		}
	}
	n.SegmentMode = rec.Mode
	n.KeyDir = rec.KeyDir
	n.KeyFile = rec.KeyFile
	n.FastdKey = rec.Key

	if !rec.VpnMAC.IsZero() {
		if n.Status != StatusVPN {
			log.SafeDebug(s.logger, "Node has live VPN tunnel",
				"mac", rec.MAC, "keydir", rec.KeyDir, "vpn", rec.VpnMAC)
		}
		n.ObservedSegment = SegmentOf(keySeg)
		n.Status = StatusVPN
		s.bindObserved(n, rec.VpnMAC)
		if rec.LastConn.After(n.LastSeen) {
			n.LastSeen = rec.LastConn
		}
	}
	return nil
}

// Reconcile cross-checks the fused records after all sources are merged:
// an uplink status without a key is downgraded, key directory and observed
// segment mismatches are surfaced. The returned warnings feed the pass
// alert list.
func (s *Store) Reconcile() []string {
	var warnings []string
	for _, n := range s.Nodes() {
		if n.Status == StatusUnknown {
			continue
		}
		if (n.KeyDir != "" || n.Status.IsOnline()) && !n.ObservedSegment.IsSet() {
			log.SafeDebug(s.logger, "Node without observed segment",
				"mac", n.MAC, "status", n.Status, "name", n.Name)
		}
		if keySeg, ok := n.KeySegment(); ok {
			if obs, set := n.ObservedSegment.Get(); set && obs != keySeg {
				warnings = append(warnings, fmt.Sprintf(
					"key directory mismatch: %s has key in %s but meshes in segment %s",
					n.MAC, n.KeyDir, obs))
			}
		}
		if n.Status == StatusVPN && n.KeyDir == "" {
			warnings = append(warnings, fmt.Sprintf(
				"uplink without key: %s (%s)", n.MAC, n.Name))
			n.Status = StatusOnline
		}
	}
	s.alerts = append(s.alerts, warnings...)
	return warnings
}

// ResetClouds clears all cloud assignments, preparing a fresh clustering.
func (s *Store) ResetClouds() {
	for _, n := range s.nodes {
		n.CloudID = 0
	}
}

// Alerts returns the warnings the store collected during fusion.
func (s *Store) Alerts() []string {
	return append(append([]string(nil), s.alerts...), s.index.Alerts()...)
}
