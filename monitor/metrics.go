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

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These are the metrics exposed by the monitor daemon.
var (
	PassesTotalMeta = MetricMeta{
		Name:   "monitor_passes_total",
		Help:   "Total number of analysis passes, by result.",
		Labels: []string{"result"},
	}
	PassDurationMeta = MetricMeta{
		Name:   "monitor_pass_duration_seconds",
		Help:   "Duration of the most recent analysis pass.",
		Labels: []string{},
	}
	NodesMeta = MetricMeta{
		Name:   "monitor_nodes",
		Help:   "Number of known nodes, by status.",
		Labels: []string{"status"},
	}
	SegmentNodesMeta = MetricMeta{
		Name:   "monitor_segment_nodes",
		Help:   "Online nodes per segment.",
		Labels: []string{"segment"},
	}
	SegmentClientsMeta = MetricMeta{
		Name:   "monitor_segment_clients",
		Help:   "Clients per segment.",
		Labels: []string{"segment"},
	}
	SegmentUplinksMeta = MetricMeta{
		Name:   "monitor_segment_uplinks",
		Help:   "Nodes with an own VPN uplink per segment.",
		Labels: []string{"segment"},
	}
	SegmentLoadMeta = MetricMeta{
		Name:   "monitor_segment_load",
		Help:   "Balancing weight per segment, clients plus one per node.",
		Labels: []string{"segment"},
	}
	CloudsMeta = MetricMeta{
		Name:   "monitor_mesh_clouds",
		Help:   "Number of mesh clouds with at least two members.",
		Labels: []string{},
	}
	FeedAgeMeta = MetricMeta{
		Name:   "monitor_feed_age_seconds",
		Help:   "Age of the newest record in the last fetched feed.",
		Labels: []string{},
	}
	ShortcutsTotalMeta = MetricMeta{
		Name:   "monitor_shortcuts_total",
		Help:   "Total number of mesh shortcuts detected.",
		Labels: []string{},
	}
	CollisionsTotalMeta = MetricMeta{
		Name:   "monitor_address_collisions_total",
		Help:   "Total number of resolved hardware address collisions.",
		Labels: []string{},
	}
	MovesScheduledTotalMeta = MetricMeta{
		Name:   "monitor_moves_scheduled_total",
		Help:   "Total number of node migrations scheduled by the consensus.",
		Labels: []string{},
	}
	MovesAppliedTotalMeta = MetricMeta{
		Name:   "monitor_moves_applied_total",
		Help:   "Total number of node migrations applied to the key repository.",
		Labels: []string{},
	}
	MoveConflictsTotalMeta = MetricMeta{
		Name:   "monitor_move_conflicts_total",
		Help:   "Total number of conflicting move schedules for one node.",
		Labels: []string{},
	}
	AlertsTotalMeta = MetricMeta{
		Name:   "monitor_alerts_total",
		Help:   "Total number of alerts raised, by source.",
		Labels: []string{"source"},
	}
	RelayHealthyMeta = MetricMeta{
		Name:   "monitor_dhcp_relay_healthy",
		Help:   "Whether the segment's DHCP relay answered the last probe.",
		Labels: []string{"segment"},
	}
)

type MetricMeta struct {
	Name   string
	Help   string
	Labels []string
}

func (mm *MetricMeta) NewCounterVec() *prometheus.CounterVec {
	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: mm.Name,
			Help: mm.Help,
		},
		mm.Labels,
	)
}

func (mm *MetricMeta) NewGaugeVec() *prometheus.GaugeVec {
	return promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mm.Name,
			Help: mm.Help,
		},
		mm.Labels,
	)
}

// Metrics defines the metrics exported by the monitor.
type Metrics struct {
	PassesTotal  *prometheus.CounterVec
	PassDuration *prometheus.GaugeVec

	Nodes           *prometheus.GaugeVec
	SegmentNodes    *prometheus.GaugeVec
	SegmentClients  *prometheus.GaugeVec
	SegmentUplinks  *prometheus.GaugeVec
	SegmentLoad     *prometheus.GaugeVec
	Clouds          *prometheus.GaugeVec
	FeedAge         *prometheus.GaugeVec
	ShortcutsTotal  *prometheus.CounterVec
	CollisionsTotal *prometheus.CounterVec

	MovesScheduledTotal *prometheus.CounterVec
	MovesAppliedTotal   *prometheus.CounterVec
	MoveConflictsTotal  *prometheus.CounterVec
	AlertsTotal         *prometheus.CounterVec
	RelayHealthy        *prometheus.GaugeVec
}

// NewMetrics initializes the metrics for the monitor and registers them
// with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		PassesTotal:         PassesTotalMeta.NewCounterVec(),
		PassDuration:        PassDurationMeta.NewGaugeVec(),
		Nodes:               NodesMeta.NewGaugeVec(),
		SegmentNodes:        SegmentNodesMeta.NewGaugeVec(),
		SegmentClients:      SegmentClientsMeta.NewGaugeVec(),
		SegmentUplinks:      SegmentUplinksMeta.NewGaugeVec(),
		SegmentLoad:         SegmentLoadMeta.NewGaugeVec(),
		Clouds:              CloudsMeta.NewGaugeVec(),
		FeedAge:             FeedAgeMeta.NewGaugeVec(),
		ShortcutsTotal:      ShortcutsTotalMeta.NewCounterVec(),
		CollisionsTotal:     CollisionsTotalMeta.NewCounterVec(),
		MovesScheduledTotal: MovesScheduledTotalMeta.NewCounterVec(),
		MovesAppliedTotal:   MovesAppliedTotalMeta.NewCounterVec(),
		MoveConflictsTotal:  MoveConflictsTotalMeta.NewCounterVec(),
		AlertsTotal:         AlertsTotalMeta.NewCounterVec(),
		RelayHealthy:        RelayHealthyMeta.NewGaugeVec(),
	}
}
