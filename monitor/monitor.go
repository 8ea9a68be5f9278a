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

// Package monitor drives the analysis passes of the segment monitor. Each
// pass fuses the telemetry feed, the kernel tables and the key registry
// into one node set, clusters it into mesh clouds, runs the segment
// consensus and applies the resulting moves unless the pass is analyze
// only.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/batman"
	"github.com/freifunk-stuttgart/meshmon/monitor/cloud"
	"github.com/freifunk-stuttgart/meshmon/monitor/consensus"
	"github.com/freifunk-stuttgart/meshmon/monitor/dhcp"
	"github.com/freifunk-stuttgart/meshmon/monitor/dnssync"
	"github.com/freifunk-stuttgart/meshmon/monitor/fastd"
	"github.com/freifunk-stuttgart/meshmon/monitor/location"
	"github.com/freifunk-stuttgart/meshmon/monitor/mgmtapi"
	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/report"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/monitor/storage"
	"github.com/freifunk-stuttgart/meshmon/monitor/telemetry"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/private/app/feature"
	"github.com/freifunk-stuttgart/meshmon/private/app/launcher"
)

// Monitor owns the pass pipeline and the state served by the management
// API. All fields are wired before the first pass and not touched after.
type Monitor struct {
	// Features are the enabled feature flags.
	Features feature.Default
	// NodeConfig sets the staleness horizons of each pass's node store.
	NodeConfig node.Config
	// DefaultTarget receives clouds and singles stranded without a
	// segment of record.
	DefaultTarget addr.Segment
	// PolicyFile is the operator move policy, re-read every pass so
	// edits take effect without a restart. Empty means no policy.
	PolicyFile string
	// LockFile serializes passes against other mutators of the key
	// repository and the database. Empty disables locking.
	LockFile string
	// HistoryRetention bounds the load history kept in the database.
	HistoryRetention time.Duration

	// Feed yields the community telemetry feed.
	Feed telemetry.Source
	// Respondd re-probes the mesh directly when the feed lags. May be
	// nil.
	Respondd *telemetry.Prober
	// Scanner reads the batman kernel tables. May be nil when the
	// monitor runs off-site.
	Scanner *batman.Scanner
	// RegistryPath is the key repository checkout. Empty disables the
	// registry merge and key moves.
	RegistryPath string
	// Applier moves key files and commits the result. Nil leaves the
	// moves to the operator via the move list report.
	Applier *fastd.Applier
	// Status binds live VPN tunnels to registry keys. May be nil.
	Status *fastd.StatusClient
	// DNS keeps the nodes zone in sync. May be nil.
	DNS *dnssync.Syncer
	// Location resolves node positions to regions and home segments.
	// May be nil.
	Location *location.Resolver
	// DHCP probes the segment relays, consulted only with the
	// dhcp_probe feature set. May be nil.
	DHCP *dhcp.Prober
	// DB is the persistent snapshot and statistics store. May be nil.
	DB *storage.Backend
	// Reports writes the operator report files. May be nil.
	Reports *report.Writer
	// Metrics are the exported prometheus metrics. May be nil.
	Metrics *Metrics

	Logger log.Logger

	mu      sync.Mutex
	state   mgmtapi.State
	running bool
}

// alert is one pass alert together with the component that raised it.
type alert struct {
	Source string
	Text   string
}

// passState is everything one pass produces for the API and the metrics.
type passState struct {
	takenAt     time.Time
	analyzeOnly bool
	nodes       []*node.Node
	clouds      []*cloud.Cloud
	pending     []moves.Directive
	alerts      []alert
	summary     stats.Summary
	relays      []dhcp.Result
	feedAge     time.Duration
	applied     int
}

// Name implements periodic.Task.
func (m *Monitor) Name() string {
	return "segment monitor pass"
}

// Run implements periodic.Task: one full pass, with the outcome recorded
// in the metrics. Errors are terminal for the pass, never for the daemon.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.SafeDebug(m.Logger, "Pass already running, skipping")
		return
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	start := time.Now()
	result := "ok"
	st, err := m.RunPass(ctx)
	switch {
	case err != nil:
		result = "error"
		log.SafeError(m.Logger, "Pass failed", "err", err)
	case st.analyzeOnly:
		result = "analyze_only"
	}
	if m.Metrics != nil {
		m.Metrics.PassesTotal.WithLabelValues(result).Inc()
		m.Metrics.PassDuration.WithLabelValues().Set(time.Since(start).Seconds())
	}
	if err == nil {
		log.SafeInfo(m.Logger, "Pass finished",
			"duration", time.Since(start),
			"nodes", len(st.nodes),
			"clouds", len(st.clouds),
			"pending", len(st.pending),
			"applied", st.applied,
			"alerts", len(st.alerts),
			"analyze_only", st.analyzeOnly,
		)
	}
}

// RunPass executes one analysis pass. The returned state has been
// published to the API already; it is returned for logging and tests.
func (m *Monitor) RunPass(ctx context.Context) (*passState, error) {
	if m.LockFile != "" {
		lock, err := launcher.AcquireFileLock(m.LockFile)
		if err != nil {
			return nil, serrors.Wrap("locking pass", err)
		}
		defer lock.Release()
	}

	st := &passState{takenAt: time.Now()}
	store := node.NewStore(m.NodeConfig, m.Logger)
	cfg := store.Config()

	forceAnalyze := func(reason string) {
		if !st.analyzeOnly {
			st.analyzeOnly = true
			st.alerts = append(st.alerts,
				alert{Source: "monitor", Text: "analyze only: " + reason})
			log.SafeInfo(m.Logger, "Pass switched to analyze only",
				"reason", reason)
		}
	}
	if m.Features.AnalyzeOnly {
		forceAnalyze("analyze_only feature set")
	}

	// Sources, most authoritative last: persisted snapshot, feed,
	// respondd, kernel tables.
	seeded, err := m.seedSnapshot(ctx, store)
	if err != nil {
		st.alerts = append(st.alerts,
			alert{Source: "storage", Text: "snapshot unusable: " + err.Error()})
	}

	feed, feedErr := m.fetchFeed(ctx)
	if feedErr != nil && seeded == 0 {
		return nil, serrors.Wrap("no feed and no usable snapshot", feedErr)
	}
	stale := false
	switch {
	case feedErr != nil:
		forceAnalyze("feed unavailable: " + feedErr.Error())
		stale = true
	default:
		st.feedAge = feed.Age(st.takenAt)
		m.ingestFeed(store, feed)
		if st.feedAge > cfg.MaxStatusAge {
			forceAnalyze("feed too old: " + st.feedAge.Truncate(time.Second).String())
			stale = true
		} else if !cfg.FeedTrusted(len(feed.Records), st.feedAge) {
			forceAnalyze("feed below trust threshold")
		}
	}
	if stale && m.Respondd != nil {
		m.sweepRespondd(ctx, store)
	}

	if m.Scanner != nil {
		for _, rec := range m.Scanner.ScanSegments(ctx) {
			if err := store.Ingest(rec); err != nil {
				log.SafeDebug(m.Logger, "Kernel sighting rejected",
					"mac", rec.MAC, "err", err)
			}
		}
	}

	if m.RegistryPath != "" {
		if err := m.mergeRegistry(ctx, store, st); err != nil {
			forceAnalyze("key registry unavailable: " + err.Error())
		}
	}

	m.addAlerts(st, "node", store.Reconcile())

	if m.Location != nil {
		m.addAlerts(st, "location", m.Location.Annotate(store.Nodes()))
	}

	store.ResetClouds()
	st.clouds = cloud.Build(store, m.Logger)

	policy, err := m.loadPolicy()
	if err != nil {
		forceAnalyze("move policy unreadable: " + err.Error())
	}
	var engine *consensus.Engine
	scheduler := moves.NewScheduler(func() bool {
		return st.analyzeOnly || engine.AnalyzeOnly()
	}, m.Logger)
	var prober consensus.Prober
	if m.Scanner != nil {
		prober = m.Scanner
	}
	engine = consensus.New(consensus.Config{
		DefaultTarget: m.DefaultTarget,
		Policy:        policy,
	}, store, scheduler, prober, m.Logger)
	engine.CheckClouds(ctx, st.clouds)
	engine.CheckSingles()
	if engine.AnalyzeOnly() {
		st.analyzeOnly = true
	}

	st.pending = scheduler.Pending()
	m.applyMoves(ctx, st, scheduler)

	if m.DNS != nil && !st.analyzeOnly {
		if err := m.DNS.Sync(ctx, store.Nodes()); err != nil {
			st.alerts = append(st.alerts,
				alert{Source: "dns", Text: "zone sync failed: " + err.Error()})
		}
		m.addAlerts(st, "dns", m.DNS.Alerts())
	}

	st.nodes = store.Nodes()
	st.summary = stats.Collect(st.nodes)
	m.persist(ctx, st)

	if m.DHCP != nil && m.Features.DHCPProbe {
		st.relays = m.DHCP.ProbeAll(ctx)
		m.addAlerts(st, "dhcp", m.DHCP.Alerts())
	}

	m.addAlerts(st, "node", store.Alerts())
	m.addAlerts(st, "consensus", engine.Alerts())
	m.addAlerts(st, "moves", scheduler.Alerts())

	if m.Reports != nil {
		if err := m.Reports.WriteAll(store, st.clouds, st.summary,
			st.pending, st.analyzeOnly, st.takenAt); err != nil {

			log.SafeError(m.Logger, "Writing reports failed", "err", err)
		}
		m.addAlerts(st, "report", m.Reports.Alerts())
	}

	m.publish(st)
	m.record(st)
	return st, nil
}

func (m *Monitor) fetchFeed(ctx context.Context) (*telemetry.Feed, error) {
	if m.Feed == nil {
		return nil, serrors.New("no feed configured")
	}
	return m.Feed.Fetch(ctx)
}

// seedSnapshot loads the previous pass's node set so nodes missing from a
// sparse feed keep their identity. Returns the number of seeded records.
func (m *Monitor) seedSnapshot(ctx context.Context, store *node.Store) (int, error) {
	if m.DB == nil {
		return 0, nil
	}
	records, takenAt, err := m.DB.LoadSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, rec := range records {
		if err := store.Ingest(rec); err != nil {
			log.SafeDebug(m.Logger, "Persisted record rejected",
				"mac", rec.MAC, "err", err)
			continue
		}
		seeded++
	}
	if seeded > 0 {
		log.SafeDebug(m.Logger, "Seeded from snapshot",
			"nodes", seeded, "taken_at", takenAt)
	}
	return seeded, nil
}

func (m *Monitor) ingestFeed(store *node.Store, feed *telemetry.Feed) {
	rejected := 0
	for _, rec := range feed.Records {
		if err := store.Ingest(rec); err != nil {
			rejected++
			log.SafeDebug(m.Logger, "Feed record rejected",
				"mac", rec.MAC, "err", err)
		}
	}
	if rejected > 0 {
		log.SafeInfo(m.Logger, "Feed records rejected", "count", rejected)
	}
}

// sweepRespondd asks the mesh directly when the aggregated feed lags. The
// answers refresh individual nodes but never restore feed trust.
func (m *Monitor) sweepRespondd(ctx context.Context, store *node.Store) {
	records, err := m.Respondd.Sweep(ctx)
	if err != nil {
		log.SafeInfo(m.Logger, "Respondd sweep failed", "err", err)
		return
	}
	for _, rec := range records {
		if err := store.Ingest(rec); err != nil {
			log.SafeDebug(m.Logger, "Respondd record rejected",
				"mac", rec.MAC, "err", err)
		}
	}
	log.SafeInfo(m.Logger, "Respondd sweep ingested", "nodes", len(records))
}

func (m *Monitor) mergeRegistry(ctx context.Context, store *node.Store,
	st *passState) error {

	reg, err := fastd.LoadRegistry(m.RegistryPath, m.Logger)
	if err != nil {
		return err
	}
	if m.Status != nil {
		m.Status.BindTunnels(ctx, reg)
	}
	for _, rec := range reg.Records() {
		if err := store.MergeFastdInfo(rec); err != nil {
			log.SafeDebug(m.Logger, "Key record rejected",
				"file", rec.KeyFile, "err", err)
		}
	}
	m.addAlerts(st, "fastd", reg.Alerts())
	return nil
}

func (m *Monitor) loadPolicy() (*consensus.Policy, error) {
	if m.PolicyFile == "" {
		return nil, nil
	}
	return consensus.LoadPolicy(m.PolicyFile)
}

// applyMoves drains the scheduler and moves the key files. A refused drain
// keeps the directives pending for the move list report.
func (m *Monitor) applyMoves(ctx context.Context, st *passState,
	scheduler *moves.Scheduler) {

	directives, err := scheduler.Drain()
	if err != nil {
		// Analyze only, the directives stay pending.
		return
	}
	if len(directives) == 0 || m.Applier == nil {
		return
	}
	if err := m.Applier.Apply(ctx, directives); err != nil {
		st.alerts = append(st.alerts,
			alert{Source: "fastd", Text: "applying moves failed: " + err.Error()})
		return
	}
	st.applied = len(directives)
}

func (m *Monitor) persist(ctx context.Context, st *passState) {
	if m.DB == nil {
		return
	}
	if err := m.DB.SaveSnapshot(ctx, st.takenAt, st.nodes); err != nil {
		log.SafeError(m.Logger, "Persisting snapshot failed", "err", err)
	}
	if err := m.DB.RecordLoads(ctx, st.takenAt, st.summary.Segments); err != nil {
		log.SafeError(m.Logger, "Recording loads failed", "err", err)
	}
	if m.HistoryRetention > 0 {
		cutoff := st.takenAt.Add(-m.HistoryRetention)
		if _, err := m.DB.PruneLoads(ctx, cutoff); err != nil {
			log.SafeError(m.Logger, "Pruning load history failed", "err", err)
		}
	}
}

func (m *Monitor) addAlerts(st *passState, source string, texts []string) {
	for _, t := range texts {
		st.alerts = append(st.alerts, alert{Source: source, Text: t})
	}
}

// publish swaps the pass state served by the management API.
func (m *Monitor) publish(st *passState) {
	texts := make([]string, 0, len(st.alerts))
	for _, a := range st.alerts {
		texts = append(texts, a.Text)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = mgmtapi.State{
		TakenAt:     st.takenAt,
		AnalyzeOnly: st.analyzeOnly,
		Nodes:       st.nodes,
		Clouds:      st.clouds,
		Pending:     st.pending,
		Alerts:      texts,
		Load:        st.summary,
		Relays:      st.relays,
	}
}

// State returns the result of the most recent pass for the management API.
func (m *Monitor) State() mgmtapi.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ApplyPending applies the directives left pending by the last pass, for
// the POST /moves/apply endpoint. An analyze only pass refuses.
func (m *Monitor) ApplyPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	pending := m.state.Pending
	analyzeOnly := m.state.AnalyzeOnly
	m.mu.Unlock()

	if analyzeOnly {
		return 0, serrors.JoinNoStack(moves.ErrAnalyzeOnly, nil,
			"pending", len(pending))
	}
	if m.Applier == nil {
		return 0, serrors.New("no key repository configured")
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if err := m.Applier.Apply(ctx, pending); err != nil {
		return 0, err
	}
	if m.Metrics != nil {
		m.Metrics.MovesAppliedTotal.WithLabelValues().Add(float64(len(pending)))
	}
	m.mu.Lock()
	m.state.Pending = nil
	m.mu.Unlock()
	return len(pending), nil
}

// record updates the exported metrics from the pass state.
func (m *Monitor) record(st *passState) {
	if m.Metrics == nil {
		return
	}
	byStatus := make(map[string]int)
	for _, n := range st.nodes {
		byStatus[n.Status.String()]++
	}
	m.Metrics.Nodes.Reset()
	for status, count := range byStatus {
		m.Metrics.Nodes.WithLabelValues(status).Set(float64(count))
	}
	m.Metrics.SegmentNodes.Reset()
	m.Metrics.SegmentClients.Reset()
	m.Metrics.SegmentUplinks.Reset()
	m.Metrics.SegmentLoad.Reset()
	for _, sl := range st.summary.Segments {
		seg := sl.Segment.String()
		m.Metrics.SegmentNodes.WithLabelValues(seg).Set(float64(sl.Nodes))
		m.Metrics.SegmentClients.WithLabelValues(seg).Set(float64(sl.Clients))
		m.Metrics.SegmentUplinks.WithLabelValues(seg).Set(float64(sl.Uplinks))
		m.Metrics.SegmentLoad.WithLabelValues(seg).Set(float64(sl.Load))
	}
	m.Metrics.Clouds.WithLabelValues().Set(float64(len(st.clouds)))
	m.Metrics.FeedAge.WithLabelValues().Set(st.feedAge.Seconds())
	m.Metrics.MovesScheduledTotal.WithLabelValues().Add(float64(len(st.pending)))
	if st.applied > 0 {
		m.Metrics.MovesAppliedTotal.WithLabelValues().Add(float64(st.applied))
	}
	for _, a := range st.alerts {
		m.Metrics.AlertsTotal.WithLabelValues(a.Source).Inc()
		switch {
		case strings.HasPrefix(a.Text, "shortcut detected:"),
			strings.HasPrefix(a.Text, "unresolvable shortcut:"):
			m.Metrics.ShortcutsTotal.WithLabelValues().Inc()
		case strings.HasPrefix(a.Text, "address collision:"):
			m.Metrics.CollisionsTotal.WithLabelValues().Inc()
		case strings.HasPrefix(a.Text, "multiple move:"):
			m.Metrics.MoveConflictsTotal.WithLabelValues().Inc()
		}
	}
	m.Metrics.RelayHealthy.Reset()
	for _, r := range st.relays {
		var v float64
		if r.Healthy {
			v = 1
		}
		m.Metrics.RelayHealthy.WithLabelValues(r.Segment.String()).Set(v)
	}
}
