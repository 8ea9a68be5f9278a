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

package consensus

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// Policy is the operator supplied move policy. A nil policy permits
// everything.
type Policy struct {
	// NeverMove lists nodes that are never migrated automatically, e.g.
	// infrastructure nodes with hand managed keys.
	NeverMove []addr.MAC
	// ClosedSegments are excluded as default assignment targets, e.g.
	// segments being drained for decommissioning.
	ClosedSegments []addr.Segment
}

// policyInfo is the raw YAML layout of the policy file.
type policyInfo struct {
	NeverMove      []string       `yaml:"never_move,omitempty"`
	ClosedSegments []addr.Segment `yaml:"closed_segments,omitempty"`
}

// LoadPolicy reads a move policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading move policy", err, "file", path)
	}
	var info policyInfo
	if err := yaml.Unmarshal(raw, &info); err != nil {
		return nil, serrors.Wrap("parsing move policy", err, "file", path)
	}
	p := &Policy{ClosedSegments: info.ClosedSegments}
	for _, s := range info.NeverMove {
		mac, err := addr.ParseMAC(s)
		if err != nil {
			return nil, serrors.Wrap("parsing move policy", err, "file", path)
		}
		p.NeverMove = append(p.NeverMove, mac)
	}
	return p, nil
}

// Movable reports whether the node may be migrated automatically.
func (p *Policy) Movable(mac addr.MAC) bool {
	if p == nil {
		return true
	}
	for _, m := range p.NeverMove {
		if m == mac {
			return false
		}
	}
	return true
}

// SegmentOpen reports whether the segment accepts default assignments.
func (p *Policy) SegmentOpen(seg addr.Segment) bool {
	if p == nil {
		return true
	}
	for _, s := range p.ClosedSegments {
		if s == seg {
			return false
		}
	}
	return true
}
