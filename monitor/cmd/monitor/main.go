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

package main

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/freifunk-stuttgart/meshmon/monitor"
	"github.com/freifunk-stuttgart/meshmon/monitor/batman"
	"github.com/freifunk-stuttgart/meshmon/monitor/config"
	"github.com/freifunk-stuttgart/meshmon/monitor/dhcp"
	"github.com/freifunk-stuttgart/meshmon/monitor/dnssync"
	"github.com/freifunk-stuttgart/meshmon/monitor/fastd"
	"github.com/freifunk-stuttgart/meshmon/monitor/location"
	"github.com/freifunk-stuttgart/meshmon/monitor/mgmtapi"
	"github.com/freifunk-stuttgart/meshmon/monitor/report"
	"github.com/freifunk-stuttgart/meshmon/monitor/telemetry"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/private/app/launcher"
	"github.com/freifunk-stuttgart/meshmon/private/env"
	"github.com/freifunk-stuttgart/meshmon/private/periodic"
	"github.com/freifunk-stuttgart/meshmon/private/storage"
)

var globalCfg config.Config

func main() {
	application := launcher.Application{
		TOMLConfig: &globalCfg,
		ShortName:  "Freifunk Segment Monitor",
		Main:       realMain,
	}
	application.Run()
}

func realMain(ctx context.Context) error {
	m, closeFn, err := buildMonitor()
	if err != nil {
		return err
	}
	defer closeFn()

	interval := globalCfg.Monitor.PassInterval.Duration
	runner := periodic.Start(m, interval, interval)
	defer runner.Kill()

	g, errCtx := errgroup.WithContext(ctx)
	if globalCfg.API.Addr != "" {
		server := &mgmtapi.Server{
			State: m.State,
			TriggerPass: func() error {
				runner.TriggerRun()
				return nil
			},
			ApplyMoves: func() (int, error) {
				return m.ApplyPending(context.Background())
			},
			Logger: log.Root(),
		}
		if key := globalCfg.API.Key(); key != nil {
			server.Verifier = &mgmtapi.HTTPVerifier{
				Key:    key,
				Logger: log.Root(),
			}
		}
		log.Info("Exposing management API", "addr", globalCfg.API.Addr)
		s := http.Server{
			Addr:    globalCfg.API.Addr,
			Handler: server.Handler(),
		}
		g.Go(func() error {
			defer log.HandlePanic()
			if err := s.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {

				return serrors.Wrap("serving management API", err)
			}
			return nil
		})
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return s.Close()
		})
	}
	g.Go(func() error {
		defer log.HandlePanic()
		return globalCfg.Metrics.ServePrometheus(errCtx)
	})
	g.Go(func() error {
		defer log.HandlePanic()
		<-errCtx.Done()
		runner.Stop()
		return nil
	})
	env.SetupEnv(func() {
		runner.TriggerRun()
	})
	return g.Wait()
}

// buildMonitor wires the pass driver from the configuration. Optional
// collaborators stay nil when their section is not configured.
func buildMonitor() (*monitor.Monitor, func(), error) {
	logger := log.Root()
	configDir := globalCfg.General.ConfigDir

	m := &monitor.Monitor{
		Features:         globalCfg.Features.FeatureSet(),
		NodeConfig:       globalCfg.Monitor.NodeConfig(),
		DefaultTarget:    globalCfg.Monitor.ConsensusConfig(nil).DefaultTarget,
		PolicyFile:       config.Dir(configDir, globalCfg.Monitor.PolicyFile),
		LockFile:         globalCfg.Monitor.LockFile,
		HistoryRetention: globalCfg.Monitor.HistoryRetention.Duration,
		Feed:             telemetry.NewClient(globalCfg.Telemetry.Runtime(), logger),
		Reports:          &report.Writer{Config: globalCfg.Reports.Runtime(), Logger: logger},
		Metrics:          monitor.NewMetrics(),
		Logger:           logger,
	}
	if globalCfg.Telemetry.ResponddInterface != "" {
		m.Respondd = telemetry.NewProber(globalCfg.Telemetry.ProbeConfig(), logger)
	}
	if len(globalCfg.Batman.Segments) > 0 {
		scanner, err := batman.NewScanner(
			globalCfg.Batman.Runtime(), batman.ExecRunner{}, logger)
		if err != nil {
			return nil, nil, serrors.Wrap("creating kernel scanner", err)
		}
		m.Scanner = scanner
	}
	if repoPath := config.Dir(configDir, globalCfg.Fastd.RepoPath); repoPath != "" {
		m.RegistryPath = repoPath
		m.Applier = &fastd.Applier{
			RepoPath: repoPath,
			Git:      globalCfg.Fastd.Git,
			Runner:   batman.ExecRunner{},
			Logger:   logger,
		}
	}
	if len(globalCfg.Fastd.StatusURLs) > 0 {
		m.Status = fastd.NewStatusClient(globalCfg.Fastd.StatusConfig(), logger)
	}
	if rt := globalCfg.DNS.Runtime(); rt.Enabled() {
		m.DNS = dnssync.NewSyncer(rt, logger)
	}
	if databaseDir := config.Dir(configDir, globalCfg.Monitor.DatabaseDir); databaseDir != "" {
		resolver, err := location.Load(databaseDir, m.RegistryPath, logger)
		if err != nil {
			log.Error("Location tables unusable, geographic assignment disabled",
				"dir", databaseDir, "err", err)
		} else {
			m.Location = resolver
		}
	}
	if m.Features.DHCPProbe {
		rt, err := globalCfg.DHCP.Runtime()
		if err != nil {
			return nil, nil, serrors.Wrap("parsing dhcp config", err)
		}
		if rt.Enabled() {
			m.DHCP = dhcp.NewProber(rt, nil, logger)
		}
	}

	db, err := storage.NewMonitorStorage(globalCfg.DB)
	if err != nil {
		return nil, nil, serrors.Wrap("connecting database", err)
	}
	m.DB = db
	closeFn := func() {
		if err := db.Close(); err != nil {
			log.Error("Closing database", "err", err)
		}
	}
	return m, closeFn, nil
}
