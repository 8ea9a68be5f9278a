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

// Package consensus decides the segment every mesh cloud and every single
// node belongs in, and schedules the migrations to get there.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/cloud"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
)

// Ballot weights per member class. Strictly ordered with headroom, so a
// single fixed member outvotes any number of members of the lower classes.
const (
	WeightFixed = 1 << 16
	WeightVPN   = 1 << 8
	WeightMesh  = 1 << 4
	WeightOther = 1
)

// DefaultTarget is where clouds and singles stranded without a segment of
// their own are sent.
const DefaultTarget = addr.Segment(8)

// legacySafeSegment is the highest segment reachable without DNS based
// segment assignment.
const legacySafeSegment = addr.Segment(8)

// MemberWeight returns the ballot weight of one node.
func MemberWeight(n *node.Node) int {
	switch {
	case n.SegmentMode.Kind == node.ModeFixed:
		return WeightFixed
	case n.Status == node.StatusVPN:
		return WeightVPN
	case n.Status == node.StatusOnline:
		return WeightMesh
	}
	return WeightOther
}

// Prober resolves the segment of a node by probing the live mesh. It is
// consulted for clouds without any uplink member.
type Prober interface {
	ProbeSegment(ctx context.Context, mac addr.MAC) (addr.Segment, bool)
}

// Mover collects the migrations the consensus decides on.
type Mover interface {
	Schedule(n *node.Node, target addr.Segment, reason string)
}

// Config holds the consensus parameters.
type Config struct {
	// DefaultTarget receives clouds stranded in the legacy segment and
	// singles dangling in vpn01 without geographic evidence.
	DefaultTarget addr.Segment
	// Policy is the operator move policy, may be nil.
	Policy *Policy
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {
	if c.DefaultTarget == 0 {
		c.DefaultTarget = DefaultTarget
	}
}

// Engine runs the per-pass segment consensus. It is single threaded like
// the rest of the analysis pass.
type Engine struct {
	cfg    Config
	store  *node.Store
	mover  Mover
	prober Prober
	logger log.Logger

	alerts      []string
	analyzeOnly bool
}

// New returns an engine for one pass. The prober may be nil.
func New(cfg Config, store *node.Store, mover Mover, prober Prober,
	logger log.Logger) *Engine {

	cfg.InitDefaults()
	return &Engine{
		cfg:    cfg,
		store:  store,
		mover:  mover,
		prober: prober,
		logger: logger,
	}
}

// ballot is a weighted vote count per segment. Ties fall to the segment
// backed by the longest member uptime, then to the lower segment number,
// keeping the winner deterministic.
type ballot struct {
	weight map[addr.Segment]int
	uptime map[addr.Segment]time.Duration
}

func newBallot() *ballot {
	return &ballot{
		weight: make(map[addr.Segment]int),
		uptime: make(map[addr.Segment]time.Duration),
	}
}

func (b *ballot) cast(seg addr.Segment, weight int, uptime time.Duration) {
	b.weight[seg] += weight
	if uptime > b.uptime[seg] {
		b.uptime[seg] = uptime
	}
}

func (b *ballot) winner() (addr.Segment, bool) {
	var best addr.Segment
	found := false
	for seg := range b.weight {
		if !found {
			best, found = seg, true
			continue
		}
		switch {
		case b.weight[seg] > b.weight[best]:
			best = seg
		case b.weight[seg] < b.weight[best]:
		case b.uptime[seg] > b.uptime[best]:
			best = seg
		case b.uptime[seg] < b.uptime[best]:
		case seg < best:
			best = seg
		}
	}
	return best, found
}

// tally is the aggregated vote state of one cloud.
type tally struct {
	desired *ballot
	uplink  *ballot
	// fixed are the segments pinned members tie the cloud to: the pin
	// target of fixed members, the key segment of manually placed ones.
	fixed      map[addr.Segment]struct{}
	vpnMembers int
}

func tallyCloud(c *cloud.Cloud) tally {
	t := tally{
		desired: newBallot(),
		uplink:  newBallot(),
		fixed:   make(map[addr.Segment]struct{}),
	}
	for _, m := range c.Members {
		w := MemberWeight(m)
		// A pin overrides whatever geography says the node wants.
		if m.SegmentMode.Kind == node.ModeFixed {
			t.desired.cast(m.SegmentMode.Fixed, w, m.Uptime)
		} else if seg, ok := m.HomeSegment.Get(); ok {
			t.desired.cast(seg, w, m.Uptime)
		}
		if m.Status == node.StatusVPN {
			t.vpnMembers++
			if seg, ok := m.ObservedSegment.Get(); ok {
				t.uplink.cast(seg, w, m.Uptime)
			}
		}
		switch m.SegmentMode.Kind {
		case node.ModeFixed:
			t.fixed[m.SegmentMode.Fixed] = struct{}{}
		case node.ModeManual, node.ModeMobile:
			if seg, ok := m.KeySegment(); ok {
				t.fixed[seg] = struct{}{}
			}
		}
	}
	return t
}

// ResolveCloud decides the consensus segment of one cloud and reports
// whether the cloud is a segment shortcut. An unresolved result with the
// shortcut flag set means the shortcut cannot be corrected.
func (e *Engine) ResolveCloud(ctx context.Context, c *cloud.Cloud) (node.OptSegment, bool) {
	target, shortcut, _ := e.resolveCloud(ctx, c)
	return target, shortcut
}

func (e *Engine) resolveCloud(ctx context.Context, c *cloud.Cloud) (node.OptSegment, bool, bool) {
	t := tallyCloud(c)
	if t.vpnMembers == 0 && e.prober != nil {
		// Without an uplink nobody vouches for the cloud's segment. Ask
		// the mesh itself before deciding.
		for _, m := range c.Members {
			if m.ObservedSegment.IsSet() {
				continue
			}
			if seg, ok := e.prober.ProbeSegment(ctx, m.MAC); ok {
				m.ObservedSegment = node.SegmentOf(seg)
				log.SafeDebug(e.logger, "Segment probed",
					"mac", m.MAC, "segment", seg)
			}
		}
	}

	shortcut := len(c.Segments()) > 1
	if shortcut && len(t.fixed) > 1 {
		e.alertf("identity crisis: cloud %d is pinned to segments %v at once",
			c.ID, sortedSegments(t.fixed))
		e.analyzeOnly = true
		return node.UnresolvedSegment(), true, true
	}
	if seg, ok := t.desired.winner(); ok {
		return node.SegmentOf(seg), shortcut, false
	}
	if !shortcut {
		// A cloud camping in the legacy segment without any desire of its
		// own is kicked to the default target.
		if segs := c.Segments(); len(segs) == 1 && segs[0] == 0 &&
			e.cfg.Policy.SegmentOpen(e.cfg.DefaultTarget) {
			return node.SegmentOf(e.cfg.DefaultTarget), false, false
		}
	}
	if seg, ok := t.uplink.winner(); ok {
		return node.SegmentOf(seg), shortcut, false
	}
	return node.UnresolvedSegment(), shortcut, false
}

// CheckClouds resolves all clouds and schedules the resulting migrations.
// Unresolvable shortcuts and identity crises switch the pass to analyze
// only mode.
func (e *Engine) CheckClouds(ctx context.Context, clouds []*cloud.Cloud) {
	for _, c := range clouds {
		target, shortcut, crisis := e.resolveCloud(ctx, c)
		if crisis {
			continue
		}
		seg, ok := target.Get()
		if shortcut {
			if !ok {
				e.alertf("unresolvable shortcut: cloud %d bridges segments %v with no consensus",
					c.ID, c.Segments())
				e.analyzeOnly = true
				continue
			}
			e.alertf("shortcut detected: cloud %d bridges segments %v, uniting in %s",
				c.ID, c.Segments(), seg)
			e.moveCloud(c, seg, "mesh shortcut")
			continue
		}
		if !ok {
			log.SafeInfo(e.logger, "Cloud left unresolved",
				"cloud", c.ID, "members", c.Size())
			continue
		}
		e.moveCloud(c, seg, "cloud consensus")
	}
}

// ResolveSingle decides the migration target of one unclustered node. The
// result is unresolved when the node is fine where it is, not eligible, or
// the target exceeds its firmware capability.
func (e *Engine) ResolveSingle(n *node.Node) node.OptSegment {
	if n.CloudID != 0 || !n.Status.IsOnline() {
		return node.UnresolvedSegment()
	}
	if n.KeyDir == "" || !n.SegmentMode.Auto() {
		return node.UnresolvedSegment()
	}
	keySeg, ok := n.KeySegment()
	if !ok {
		return node.UnresolvedSegment()
	}

	target, ok := n.HomeSegment.Get()
	if !ok {
		// Nodes dumped into the vpn01 onboarding segment without any
		// geographic evidence get the default segment. An unresolved
		// home segment blocks this, only a fully absent one defaults.
		if !n.HomeSegment.IsAbsent() || n.KeyDir != "vpn01" ||
			!e.cfg.Policy.SegmentOpen(e.cfg.DefaultTarget) {
			return node.UnresolvedSegment()
		}
		target = e.cfg.DefaultTarget
	}
	if target == keySeg {
		return node.UnresolvedSegment()
	}
	if target > legacySafeSegment && n.Gluon < node.GluonDNSSegAssign {
		e.alertf("capability mismatch: %s (%s) wants segment %s but firmware %s cannot follow DNS assignment",
			n.MAC, n.Name, target, n.Gluon)
		return node.UnresolvedSegment()
	}
	return node.SegmentOf(target)
}

// CheckSingles resolves all unclustered nodes and schedules their moves.
func (e *Engine) CheckSingles() {
	for _, n := range e.store.Nodes() {
		if target, ok := e.ResolveSingle(n).Get(); ok {
			e.scheduleMove(n, target, "segment assignment")
		}
	}
}

// moveCloud schedules every member whose key is filed outside the target
// segment.
func (e *Engine) moveCloud(c *cloud.Cloud, target addr.Segment, reason string) {
	for _, m := range c.Members {
		e.scheduleMove(m, target, reason)
	}
}

func (e *Engine) scheduleMove(n *node.Node, target addr.Segment, reason string) {
	if n.KeyDir == "" {
		return
	}
	keySeg, ok := n.KeySegment()
	if !ok || keySeg == target {
		return
	}
	if !e.cfg.Policy.Movable(n.MAC) {
		log.SafeDebug(e.logger, "Node pinned by move policy",
			"mac", n.MAC, "target", target)
		return
	}
	e.mover.Schedule(n, target, reason)
}

// AnalyzeOnly reports whether the pass may still apply mutations.
func (e *Engine) AnalyzeOnly() bool {
	return e.analyzeOnly
}

// ForceAnalyzeOnly switches the pass to analyze only mode, e.g. when an
// upstream the moves depend on is read only.
func (e *Engine) ForceAnalyzeOnly(reason string) {
	if !e.analyzeOnly {
		e.alertf("analyze only: %s", reason)
		e.analyzeOnly = true
	}
}

// Alerts returns the blocking and non-blocking findings of this pass.
func (e *Engine) Alerts() []string {
	return e.alerts
}

func (e *Engine) alertf(format string, args ...any) {
	alert := fmt.Sprintf(format, args...)
	e.alerts = append(e.alerts, alert)
	log.SafeInfo(e.logger, "Consensus alert", "alert", alert)
}

func sortedSegments(set map[addr.Segment]struct{}) []addr.Segment {
	segs := make([]addr.Segment, 0, len(set))
	for seg := range set {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs
}
