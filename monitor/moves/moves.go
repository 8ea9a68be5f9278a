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

// Package moves collects the key migrations one pass decides on, one
// directive per node, first decision wins.
package moves

import (
	"fmt"
	"sort"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// ErrAnalyzeOnly is returned by Drain while the pass must not mutate
// anything.
var ErrAnalyzeOnly = serrors.New("pass is analyze only")

// Directive is one scheduled key migration.
type Directive struct {
	MAC     addr.MAC
	Name    string
	KeyDir  string
	KeyFile string
	Target  addr.Segment
	Reason  string
}

// Scheduler accumulates the directives of one pass.
type Scheduler struct {
	analyzeOnly func() bool
	logger      log.Logger
	directives  map[addr.MAC]Directive
	alerts      []string
}

// NewScheduler returns an empty scheduler. analyzeOnly gates Drain and is
// evaluated at drain time, so late blocking findings still hold moves back.
func NewScheduler(analyzeOnly func() bool, logger log.Logger) *Scheduler {
	if analyzeOnly == nil {
		analyzeOnly = func() bool { return false }
	}
	return &Scheduler{
		analyzeOnly: analyzeOnly,
		logger:      logger,
		directives:  make(map[addr.MAC]Directive),
	}
}

// Schedule records a migration for the node. The first directive per node
// wins; a later call with a different target is dropped and reported, an
// identical one is a no-op.
func (s *Scheduler) Schedule(n *node.Node, target addr.Segment, reason string) {
	if existing, ok := s.directives[n.MAC]; ok {
		if existing.Target == target {
			log.SafeDebug(s.logger, "Move already scheduled",
				"mac", n.MAC, "target", target)
			return
		}
		s.alerts = append(s.alerts, fmt.Sprintf(
			"multiple move: %s (%s) already headed to %s, dropping %s (%s)",
			n.MAC, n.Name, existing.Target, target, reason))
		return
	}
	s.directives[n.MAC] = Directive{
		MAC:     n.MAC,
		Name:    n.Name,
		KeyDir:  n.KeyDir,
		KeyFile: n.KeyFile,
		Target:  target,
		Reason:  reason,
	}
	log.SafeInfo(s.logger, "Move scheduled",
		"mac", n.MAC, "name", n.Name, "from", n.KeyDir, "to", target,
		"reason", reason)
}

// Len returns the number of scheduled directives.
func (s *Scheduler) Len() int {
	return len(s.directives)
}

// Pending returns the directives ordered by node address, without
// releasing them. Reports use this in analyze only passes too.
func (s *Scheduler) Pending() []Directive {
	directives := make([]Directive, 0, len(s.directives))
	for _, d := range s.directives {
		directives = append(directives, d)
	}
	sort.Slice(directives, func(i, j int) bool {
		return directives[i].MAC.String() < directives[j].MAC.String()
	})
	return directives
}

// Drain releases the directives for application and empties the
// scheduler. It refuses while the pass is analyze only.
func (s *Scheduler) Drain() ([]Directive, error) {
	if s.analyzeOnly() {
		return nil, serrors.JoinNoStack(ErrAnalyzeOnly, nil,
			"pending", len(s.directives))
	}
	directives := s.Pending()
	s.directives = make(map[addr.MAC]Directive)
	return directives, nil
}

// Alerts returns the conflicts recorded while scheduling.
func (s *Scheduler) Alerts() []string {
	return s.alerts
}
