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
	"strings"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// GluonType is the firmware capability tier of a node. The ordering is
// significant: later tiers include all capabilities of earlier ones.
type GluonType uint8

const (
	// GluonUnknown means no firmware information is available.
	GluonUnknown GluonType = iota
	// GluonLegacy firmware predates segmentation entirely.
	GluonLegacy
	// GluonSegmentList firmware knows the fixed segment list 1..8.
	GluonSegmentList
	// GluonDNSSegAssign firmware resolves its segment via DNS and can be
	// moved to any segment.
	GluonDNSSegAssign
	// GluonMTU1340 firmware additionally runs the 1340 byte tunnel MTU.
	GluonMTU1340
	// GluonMulticast firmware additionally supports the multicast mesh.
	GluonMulticast
)

func (t GluonType) String() string {
	switch t {
	case GluonLegacy:
		return "legacy"
	case GluonSegmentList:
		return "segment-list"
	case GluonDNSSegAssign:
		return "dns-segassign"
	case GluonMTU1340:
		return "mtu-1340"
	case GluonMulticast:
		return "multicast"
	}
	return "unknown"
}

// releaseTiers maps the firmware releases that introduced a capability to
// its tier. Release strings sort lexicographically within the
// "major.minor+YYYY-MM-DD" naming of the firmware, so a simple prefix
// comparison suffices.
var releaseTiers = []struct {
	release string
	tier    GluonType
}{
	{"1.9", GluonMulticast},
	{"1.3+2017-09-13", GluonMTU1340},
	{"1.0+2017-02-14", GluonDNSSegAssign},
	{"0.7+2016.01.02", GluonSegmentList},
}

// GluonFromRelease classifies a firmware release string. Empty input yields
// GluonUnknown, anything older than the first segment aware release yields
// GluonLegacy.
func GluonFromRelease(release string) GluonType {
	if release == "" {
		return GluonUnknown
	}
	for _, t := range releaseTiers {
		r := release
		if len(r) > len(t.release) {
			r = r[:len(t.release)]
		}
		if r >= t.release {
			return t.tier
		}
	}
	return GluonLegacy
}

// ModeKind is the kind of operator assignment policy.
type ModeKind uint8

const (
	// ModeAuto nodes are assigned by the consensus engine.
	ModeAuto ModeKind = iota
	// ModeFixed nodes are pinned to one specific segment.
	ModeFixed
	// ModeManual nodes are pinned to wherever the operator put them.
	ModeManual
	// ModeMobile nodes change location and are excluded from geographic
	// assignment.
	ModeMobile
)

// SegmentMode is the assignment policy from the "#Segment:" annotation of a
// node's key file. The zero value is automatic assignment.
type SegmentMode struct {
	Kind ModeKind
	// Fixed is the pinned segment, valid for ModeFixed only.
	Fixed addr.Segment
}

// Auto reports whether the node is eligible for automatic assignment.
func (m SegmentMode) Auto() bool { return m.Kind == ModeAuto }

func (m SegmentMode) String() string {
	switch m.Kind {
	case ModeFixed:
		return "fix " + m.Fixed.String()
	case ModeManual:
		return "manual"
	case ModeMobile:
		return "mobile"
	}
	return "auto"
}

// ParseSegmentMode parses a "#Segment:" annotation value. Unrecognized
// values pin the node like a manual assignment does, with the error left to
// the caller to report.
func ParseSegmentMode(s string) (SegmentMode, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "auto":
		return SegmentMode{}, nil
	case s == "manual":
		return SegmentMode{Kind: ModeManual}, nil
	case s == "mobile":
		return SegmentMode{Kind: ModeMobile}, nil
	case strings.HasPrefix(s, "fix"):
		seg, err := addr.ParseSegment(strings.TrimSpace(s[3:]))
		if err != nil {
			return SegmentMode{Kind: ModeManual},
				serrors.Wrap("parsing fixed segment", err, "input", s)
		}
		return SegmentMode{Kind: ModeFixed, Fixed: seg}, nil
	}
	return SegmentMode{Kind: ModeManual},
		serrors.New("unknown segment mode", "input", s)
}
