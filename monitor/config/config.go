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

// Package config describes the configuration of the monitor daemon.
package config

import (
	"io"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/batman"
	"github.com/freifunk-stuttgart/meshmon/monitor/consensus"
	"github.com/freifunk-stuttgart/meshmon/monitor/dhcp"
	"github.com/freifunk-stuttgart/meshmon/monitor/dnssync"
	"github.com/freifunk-stuttgart/meshmon/monitor/fastd"
	api "github.com/freifunk-stuttgart/meshmon/monitor/mgmtapi"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/report"
	"github.com/freifunk-stuttgart/meshmon/monitor/telemetry"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/util"
	"github.com/freifunk-stuttgart/meshmon/private/app/feature"
	"github.com/freifunk-stuttgart/meshmon/private/config"
	"github.com/freifunk-stuttgart/meshmon/private/env"
	"github.com/freifunk-stuttgart/meshmon/private/storage"
)

const (
	// DefaultPassInterval is the default pause between analysis passes.
	DefaultPassInterval = 5 * time.Minute
	// DefaultHistoryRetention is the default horizon for rolled-up load
	// history in the database.
	DefaultHistoryRetention = 14 * 24 * time.Hour
	// DefaultLockFile is the default lock guarding against concurrent
	// monitor instances.
	DefaultLockFile = "/var/lock/meshmon.lock"
)

var _ config.Config = (*Config)(nil)

// Config is the monitor daemon configuration.
type Config struct {
	General   env.General      `toml:"general,omitempty"`
	Features  Features         `toml:"features,omitempty"`
	Logging   log.Config       `toml:"log,omitempty"`
	Metrics   env.Metrics      `toml:"metrics,omitempty"`
	API       api.Config       `toml:"api,omitempty"`
	DB        storage.DBConfig `toml:"db,omitempty"`
	Monitor   MonitorConfig    `toml:"monitor,omitempty"`
	Telemetry TelemetryConfig  `toml:"telemetry,omitempty"`
	Batman    BatmanConfig     `toml:"batman,omitempty"`
	Fastd     FastdConfig      `toml:"fastd,omitempty"`
	DNS       DNSConfig        `toml:"dns,omitempty"`
	DHCP      DHCPConfig       `toml:"dhcp,omitempty"`
	Reports   ReportsConfig    `toml:"reports,omitempty"`
}

// InitDefaults initializes the default values for all parts of the config.
func (cfg *Config) InitDefaults() {
	config.InitAll(
		&cfg.General,
		&cfg.Features,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.DB,
		&cfg.Monitor,
		&cfg.Telemetry,
		&cfg.Batman,
		&cfg.Fastd,
		&cfg.DNS,
		&cfg.DHCP,
		&cfg.Reports,
	)
}

// Validate validates all parts of the config.
func (cfg *Config) Validate() error {
	return config.ValidateAll(
		&cfg.General,
		&cfg.Features,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.DB,
		&cfg.Monitor,
		&cfg.Telemetry,
		&cfg.Batman,
		&cfg.Fastd,
		&cfg.DNS,
		&cfg.DHCP,
		&cfg.Reports,
	)
}

// Sample generates a sample config file for the monitor.
func (cfg *Config) Sample(dst io.Writer, path config.Path, _ config.CtxMap) {
	config.WriteSample(dst, path, config.CtxMap{config.ID: idSample},
		&cfg.General,
		&cfg.Features,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.DB,
		&cfg.Monitor,
		&cfg.Telemetry,
		&cfg.Batman,
		&cfg.Fastd,
		&cfg.DNS,
		&cfg.DHCP,
		&cfg.Reports,
	)
}

var _ config.Config = (*Features)(nil)

// Features enables experimental or destructive behavior.
type Features struct {
	config.NoDefaulter
	config.NoValidator
	// AnalyzeOnly forces every pass into analyze only mode: nodes are
	// classified and reports written, but no key file is moved and no
	// DNS record is touched.
	AnalyzeOnly bool `toml:"analyze_only,omitempty"`
	// DHCPProbe enables the per-segment DHCP relay probe.
	DHCPProbe bool `toml:"dhcp_probe,omitempty"`
}

// FeatureSet returns the features in the flag form used outside the
// config layer.
func (cfg *Features) FeatureSet() feature.Default {
	return feature.Default{
		AnalyzeOnly: cfg.AnalyzeOnly,
		DHCPProbe:   cfg.DHCPProbe,
	}
}

func (cfg *Features) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, featuresSample)
}

func (cfg *Features) ConfigName() string {
	return "features"
}

var _ config.Config = (*MonitorConfig)(nil)

// MonitorConfig holds the pass scheduling and consensus parameters.
type MonitorConfig struct {
	// PassInterval is the pause between analysis passes.
	PassInterval util.DurWrap `toml:"pass_interval,omitempty"`
	// LockFile guards against concurrent monitor instances.
	LockFile string `toml:"lock_file,omitempty"`
	// DatabaseDir holds the static lookup tables (ZIP positions, region
	// grid). Relative paths are resolved against general.config_dir.
	DatabaseDir string `toml:"database_dir,omitempty"`
	// PolicyFile is the operator move policy, optional.
	PolicyFile string `toml:"policy_file,omitempty"`
	// DefaultTarget receives clouds stranded in the legacy segment.
	DefaultTarget uint8 `toml:"default_target,omitempty"`
	// HistoryRetention bounds the rolled-up load history in the database.
	HistoryRetention util.DurWrap `toml:"history_retention,omitempty"`
	// MaxInactive is the horizon after which a node is dropped from
	// analysis entirely.
	MaxInactive util.DurWrap `toml:"max_inactive,omitempty"`
	// MaxOffline is the horizon after which a node no longer counts as
	// online.
	MaxOffline util.DurWrap `toml:"max_offline,omitempty"`
	// MaxStatusAge is the maximum acceptable age of a whole feed.
	MaxStatusAge util.DurWrap `toml:"max_status_age,omitempty"`
	// TrustNodes and TrustAge gate whether a feed is complete enough to
	// base mutations on.
	TrustNodes int          `toml:"trust_nodes,omitempty"`
	TrustAge   util.DurWrap `toml:"trust_age,omitempty"`
}

func (cfg *MonitorConfig) InitDefaults() {
	initDurWrap(&cfg.PassInterval, DefaultPassInterval)
	initDurWrap(&cfg.HistoryRetention, DefaultHistoryRetention)
	if cfg.LockFile == "" {
		cfg.LockFile = DefaultLockFile
	}
	if cfg.DefaultTarget == 0 {
		cfg.DefaultTarget = uint8(consensus.DefaultTarget)
	}
}

func (cfg *MonitorConfig) Validate() error {
	if cfg.DefaultTarget > addr.MaxSegment {
		return serrors.New("default_target out of range",
			"value", cfg.DefaultTarget, "max", addr.MaxSegment)
	}
	return nil
}

// NodeConfig returns the staleness horizons for the node store. Zero
// values fall back to the store's own defaults.
func (cfg *MonitorConfig) NodeConfig() node.Config {
	return node.Config{
		MaxInactive:  cfg.MaxInactive.Duration,
		MaxOffline:   cfg.MaxOffline.Duration,
		MaxStatusAge: cfg.MaxStatusAge.Duration,
		TrustNodes:   cfg.TrustNodes,
		TrustAge:     cfg.TrustAge.Duration,
	}
}

// ConsensusConfig returns the consensus parameters with the given policy.
func (cfg *MonitorConfig) ConsensusConfig(policy *consensus.Policy) consensus.Config {
	return consensus.Config{
		DefaultTarget: addr.Segment(cfg.DefaultTarget),
		Policy:        policy,
	}
}

// Dir resolves a monitor path against the config dir when relative.
func Dir(configDir, p string) string {
	if p == "" || filepath.IsAbs(p) || configDir == "" {
		return p
	}
	return filepath.Join(configDir, p)
}

func (cfg *MonitorConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, monitorSample)
}

func (cfg *MonitorConfig) ConfigName() string {
	return "monitor"
}

var _ config.Config = (*TelemetryConfig)(nil)

// TelemetryConfig holds the community feed endpoint.
type TelemetryConfig struct {
	// URL of the aggregated feed (hopglass/yanic raw.json).
	URL string `toml:"url,omitempty"`
	// Username and Password enable HTTP basic auth when set.
	Username   string       `toml:"username,omitempty"`
	Password   string       `toml:"password,omitempty"`
	Timeout    util.DurWrap `toml:"timeout,omitempty"`
	Retries    int          `toml:"retries,omitempty"`
	RetryDelay util.DurWrap `toml:"retry_delay,omitempty"`
	// ResponddInterface is the mesh interface respondd sweeps leave
	// through when the feed lags. Empty disables the sweeps.
	ResponddInterface string `toml:"respondd_interface,omitempty"`
}

func (cfg *TelemetryConfig) InitDefaults() {}

func (cfg *TelemetryConfig) Validate() error {
	if cfg.URL == "" {
		return serrors.New("no telemetry url specified")
	}
	return nil
}

// Runtime returns the feed client configuration.
func (cfg *TelemetryConfig) Runtime() telemetry.Config {
	return telemetry.Config{
		URL:        cfg.URL,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Timeout:    cfg.Timeout.Duration,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay.Duration,
	}
}

// ProbeConfig returns the respondd prober configuration.
func (cfg *TelemetryConfig) ProbeConfig() telemetry.ProbeConfig {
	return telemetry.ProbeConfig{Interface: cfg.ResponddInterface}
}

func (cfg *TelemetryConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, telemetrySample)
}

func (cfg *TelemetryConfig) ConfigName() string {
	return "telemetry"
}

var _ config.Config = (*BatmanConfig)(nil)

// BatmanConfig holds the kernel scan parameters.
type BatmanConfig struct {
	// Batctl is the path of the batctl binary.
	Batctl string `toml:"batctl,omitempty"`
	// Segments to scan. An empty list disables the kernel scan, e.g. when
	// the monitor runs off-site.
	Segments []uint8      `toml:"segments,omitempty"`
	Timeout  util.DurWrap `toml:"timeout,omitempty"`
	// ProbeCacheSize bounds the cached traceroute verdicts.
	ProbeCacheSize int `toml:"probe_cache_size,omitempty"`
}

func (cfg *BatmanConfig) InitDefaults() {}

func (cfg *BatmanConfig) Validate() error {
	for _, s := range cfg.Segments {
		if s > addr.MaxSegment {
			return serrors.New("segment out of range",
				"value", s, "max", addr.MaxSegment)
		}
	}
	return nil
}

// Runtime returns the scanner configuration.
func (cfg *BatmanConfig) Runtime() batman.Config {
	segments := make([]addr.Segment, 0, len(cfg.Segments))
	for _, s := range cfg.Segments {
		segments = append(segments, addr.Segment(s))
	}
	return batman.Config{
		Batctl:         cfg.Batctl,
		Segments:       segments,
		Timeout:        cfg.Timeout.Duration,
		ProbeCacheSize: cfg.ProbeCacheSize,
	}
}

func (cfg *BatmanConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, batmanSample)
}

func (cfg *BatmanConfig) ConfigName() string {
	return "batman"
}

var _ config.Config = (*FastdConfig)(nil)

// FastdConfig holds the key repository and the gateway status endpoints.
type FastdConfig struct {
	// RepoPath is the key repository checkout. Relative paths are
	// resolved against general.config_dir. Empty disables key moves.
	RepoPath string `toml:"repo_path,omitempty"`
	// Git is the git binary, "git" when empty.
	Git string `toml:"git,omitempty"`
	// StatusURLs are the per-gateway fastd status endpoints.
	StatusURLs    []string     `toml:"status_urls,omitempty"`
	StatusTimeout util.DurWrap `toml:"status_timeout,omitempty"`
	// StatusTTL is how long fetched status pages are served from cache.
	StatusTTL util.DurWrap `toml:"status_ttl,omitempty"`
}

func (cfg *FastdConfig) InitDefaults() {}

func (cfg *FastdConfig) Validate() error {
	return nil
}

// StatusConfig returns the gateway status client configuration.
func (cfg *FastdConfig) StatusConfig() fastd.StatusConfig {
	return fastd.StatusConfig{
		URLs:    cfg.StatusURLs,
		Timeout: cfg.StatusTimeout.Duration,
		TTL:     cfg.StatusTTL.Duration,
	}
}

func (cfg *FastdConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, fastdSample)
}

func (cfg *FastdConfig) ConfigName() string {
	return "fastd"
}

var _ config.Config = (*DNSConfig)(nil)

// DNSConfig holds the nodes zone account.
type DNSConfig struct {
	// Zone is the nodes zone, empty disables the syncer.
	Zone string `toml:"zone,omitempty"`
	// Server is the primary name server, host or host:port.
	Server string `toml:"server,omitempty"`
	// TSIGName and TSIGSecret authenticate transfers and updates.
	TSIGName   string `toml:"tsig_name,omitempty"`
	TSIGSecret string `toml:"tsig_secret,omitempty"`
	// TSIGAlgorithm defaults to hmac-sha512.
	TSIGAlgorithm string       `toml:"tsig_algorithm,omitempty"`
	Timeout       util.DurWrap `toml:"timeout,omitempty"`
	SerialTTL     util.DurWrap `toml:"serial_ttl,omitempty"`
}

func (cfg *DNSConfig) InitDefaults() {}

func (cfg *DNSConfig) Validate() error {
	rt := cfg.Runtime()
	return rt.Validate()
}

// Runtime returns the syncer configuration.
func (cfg *DNSConfig) Runtime() dnssync.Config {
	return dnssync.Config{
		Zone:          cfg.Zone,
		Server:        cfg.Server,
		TSIGName:      cfg.TSIGName,
		TSIGSecret:    cfg.TSIGSecret,
		TSIGAlgorithm: cfg.TSIGAlgorithm,
		Timeout:       cfg.Timeout.Duration,
		SerialTTL:     cfg.SerialTTL.Duration,
	}
}

func (cfg *DNSConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, dnsSample)
}

func (cfg *DNSConfig) ConfigName() string {
	return "dns"
}

var _ config.Config = (*DHCPConfig)(nil)

// DHCPConfig holds the relay probe targets.
type DHCPConfig struct {
	// Relays maps segment numbers ("07" or "vpn07") to the IPv4 address
	// of the segment's DHCP relay. Empty disables the probe even when the
	// feature flag is set.
	Relays map[string]string `toml:"relays,omitempty"`
	// HardwareAddr is the client address placed in the DISCOVER.
	HardwareAddr string       `toml:"hardware_addr,omitempty"`
	Timeout      util.DurWrap `toml:"timeout,omitempty"`
	Retries      int          `toml:"retries,omitempty"`
}

func (cfg *DHCPConfig) InitDefaults() {}

func (cfg *DHCPConfig) Validate() error {
	rt, err := cfg.Runtime()
	if err != nil {
		return err
	}
	return rt.Validate()
}

// Runtime parses the section into the prober configuration.
func (cfg *DHCPConfig) Runtime() (dhcp.Config, error) {
	rt := dhcp.Config{
		Timeout: cfg.Timeout.Duration,
		Retries: cfg.Retries,
	}
	if cfg.HardwareAddr != "" {
		mac, err := addr.ParseMAC(cfg.HardwareAddr)
		if err != nil {
			return dhcp.Config{}, serrors.Wrap("parsing dhcp hardware_addr", err)
		}
		rt.HardwareAddr = mac
	}
	if len(cfg.Relays) > 0 {
		rt.Relays = make(map[addr.Segment]netip.Addr, len(cfg.Relays))
		for key, value := range cfg.Relays {
			seg, err := addr.ParseSegment(key)
			if err != nil {
				return dhcp.Config{}, serrors.Wrap("parsing dhcp relay segment", err,
					"segment", key)
			}
			relay, err := netip.ParseAddr(value)
			if err != nil {
				return dhcp.Config{}, serrors.Wrap("parsing dhcp relay address", err,
					"segment", key, "relay", value)
			}
			rt.Relays[seg] = relay
		}
	}
	return rt, nil
}

func (cfg *DHCPConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, dhcpSample)
}

func (cfg *DHCPConfig) ConfigName() string {
	return "dhcp"
}

var _ config.Config = (*ReportsConfig)(nil)

// ReportsConfig names the report files written after each pass. Empty
// paths disable the respective file.
type ReportsConfig struct {
	config.NoDefaulter
	config.NoValidator
	MacTableFile  string `toml:"mac_table_file,omitempty"`
	MeshCloudFile string `toml:"mesh_cloud_file,omitempty"`
	MoveFile      string `toml:"move_file,omitempty"`
}

// Runtime returns the report writer configuration.
func (cfg *ReportsConfig) Runtime() report.Config {
	return report.Config{
		MacTableFile:  cfg.MacTableFile,
		MeshCloudFile: cfg.MeshCloudFile,
		MoveFile:      cfg.MoveFile,
	}
}

func (cfg *ReportsConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, reportsSample)
}

func (cfg *ReportsConfig) ConfigName() string {
	return "reports"
}

func initDurWrap(w *util.DurWrap, def time.Duration) {
	if w.Duration == 0 {
		w.Duration = def
	}
}
