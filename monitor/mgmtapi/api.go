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

// Package mgmtapi exposes the monitor state over HTTP. Read endpoints are
// open; the endpoints that trigger a pass or apply pending moves require a
// Bearer token when a verification key is configured.
package mgmtapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freifunk-stuttgart/meshmon/monitor/cloud"
	"github.com/freifunk-stuttgart/meshmon/monitor/dhcp"
	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/private/config"
)

// Config is the [api] section.
type Config struct {
	// Addr is the listen address, empty disables the API.
	Addr string `toml:"addr,omitempty"`
	// AuthKey is the hex encoded HS256 key guarding the mutating
	// endpoints. Empty leaves them open.
	AuthKey string `toml:"auth_key,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.AuthKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.AuthKey)
	if err != nil {
		return serrors.Wrap("decoding auth key", err)
	}
	if len(key) < minKeyBytes {
		return serrors.New("auth key must be at least 256 bits long",
			"length", len(key)*8)
	}
	return nil
}

// InitDefaults implements config.Defaulter.
func (c *Config) InitDefaults() {}

// Sample implements config.Sampler.
func (c *Config) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, configSample)
}

// ConfigName implements config.ConfigName.
func (c *Config) ConfigName() string {
	return "api"
}

const configSample = `
# The address to expose the management API on (host:port or ip:port or :port).
# The API is disabled while the address is empty.
addr = ""

# Hex encoded HS256 key (at least 64 hex digits) guarding the mutating
# endpoints. They are open while the key is empty.
auth_key = ""
`

// Key returns the decoded auth key, nil when not configured.
func (c *Config) Key() []byte {
	if c.AuthKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.AuthKey)
	if err != nil {
		return nil
	}
	return key
}

// State is one pass result as served by the API.
type State struct {
	TakenAt     time.Time
	AnalyzeOnly bool
	Nodes       []*node.Node
	Clouds      []*cloud.Cloud
	Pending     []moves.Directive
	Alerts      []string
	Load        stats.Summary
	Relays      []dhcp.Result
}

// Server serves the management API. The function fields connect it to the
// pass driver; nil mutating hooks answer 501.
type Server struct {
	// State returns the result of the most recent pass.
	State func() State
	// TriggerPass requests an out-of-schedule pass.
	TriggerPass func() error
	// ApplyMoves applies the pending moves and returns how many were
	// applied. moves.ErrAnalyzeOnly maps to 409.
	ApplyMoves func() (int, error)
	// Verifier guards the mutating endpoints when non-nil.
	Verifier *HTTPVerifier
	Logger   log.Logger
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
	}))
	r.Get("/api/v1/nodes", s.listNodes)
	r.Get("/api/v1/clouds", s.listClouds)
	r.Get("/api/v1/moves", s.listMoves)
	r.Get("/api/v1/alerts", s.listAlerts)
	r.Get("/api/v1/stats", s.listStats)
	r.Get("/api/v1/health", s.health)
	r.Method("POST", "/api/v1/passes", s.guard(http.HandlerFunc(s.triggerPass)))
	r.Method("POST", "/api/v1/moves/apply", s.guard(http.HandlerFunc(s.applyMoves)))
	r.Method("GET", "/metrics", promhttp.Handler())
	return r
}

func (s *Server) guard(h http.Handler) http.Handler {
	if s.Verifier == nil {
		return h
	}
	return s.Verifier.AddAuthorization(h)
}

type nodeJSON struct {
	MAC             string    `json:"mac"`
	Name            string    `json:"name,omitempty"`
	Hardware        string    `json:"hardware,omitempty"`
	Firmware        string    `json:"firmware,omitempty"`
	Status          string    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`
	Clients         int       `json:"clients"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	ZIP             string    `json:"zip,omitempty"`
	Region          string    `json:"region,omitempty"`
	ObservedSegment *uint8    `json:"observed_segment,omitempty"`
	HomeSegment     *uint8    `json:"home_segment,omitempty"`
	KeyDir          string    `json:"key_dir,omitempty"`
	KeyFile         string    `json:"key_file,omitempty"`
	CloudID         int       `json:"cloud_id,omitempty"`
	IPv6            string    `json:"ipv6,omitempty"`
}

func viewNode(n *node.Node) nodeJSON {
	v := nodeJSON{
		MAC:      n.MAC.String(),
		Name:     n.Name,
		Hardware: n.Hardware,
		Firmware: n.Firmware,
		Status:   n.Status.String(),
		LastSeen: n.LastSeen,
		Clients:  n.Clients,
		ZIP:      n.ZIP,
		Region:   n.Region,
		KeyDir:   n.KeyDir,
		KeyFile:  n.KeyFile,
		CloudID:  n.CloudID,
	}
	if n.Position.Valid {
		lat, lon := n.Position.Latitude, n.Position.Longitude
		v.Latitude, v.Longitude = &lat, &lon
	}
	if seg, ok := n.ObservedSegment.Get(); ok {
		u := uint8(seg)
		v.ObservedSegment = &u
	}
	if seg, ok := n.HomeSegment.Get(); ok {
		u := uint8(seg)
		v.HomeSegment = &u
	}
	if n.IPv6.IsValid() {
		v.IPv6 = n.IPv6.String()
	}
	return v
}

func (s *Server) listNodes(rw http.ResponseWriter, req *http.Request) {
	state := s.State()
	views := make([]nodeJSON, 0, len(state.Nodes))
	for _, n := range state.Nodes {
		views = append(views, viewNode(n))
	}
	s.writeJSON(rw, views)
}

type cloudJSON struct {
	ID       int      `json:"id"`
	Clients  int      `json:"clients"`
	Segments []uint8  `json:"segments"`
	Members  []string `json:"members"`
}

func (s *Server) listClouds(rw http.ResponseWriter, req *http.Request) {
	state := s.State()
	views := make([]cloudJSON, 0, len(state.Clouds))
	for _, c := range state.Clouds {
		v := cloudJSON{ID: c.ID, Clients: c.Clients}
		for _, seg := range c.Segments() {
			v.Segments = append(v.Segments, uint8(seg))
		}
		for _, m := range c.Members {
			v.Members = append(v.Members, m.MAC.String())
		}
		views = append(views, v)
	}
	s.writeJSON(rw, views)
}

type moveJSON struct {
	MAC     string `json:"mac"`
	Name    string `json:"name,omitempty"`
	KeyDir  string `json:"key_dir"`
	KeyFile string `json:"key_file"`
	Target  uint8  `json:"target"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) listMoves(rw http.ResponseWriter, req *http.Request) {
	state := s.State()
	views := make([]moveJSON, 0, len(state.Pending))
	for _, d := range state.Pending {
		views = append(views, moveJSON{
			MAC:     d.MAC.String(),
			Name:    d.Name,
			KeyDir:  d.KeyDir,
			KeyFile: d.KeyFile,
			Target:  uint8(d.Target),
			Reason:  d.Reason,
		})
	}
	s.writeJSON(rw, views)
}

func (s *Server) listAlerts(rw http.ResponseWriter, req *http.Request) {
	state := s.State()
	alerts := state.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	s.writeJSON(rw, alerts)
}

type segmentStatsJSON struct {
	Segment uint8 `json:"segment"`
	Nodes   int   `json:"nodes"`
	Clients int   `json:"clients"`
	Uplinks int   `json:"uplinks"`
	Load    int   `json:"load"`
	// RelayHealthy is only present when the DHCP probe covers the
	// segment.
	RelayHealthy *bool `json:"relay_healthy,omitempty"`
}

func (s *Server) listStats(rw http.ResponseWriter, req *http.Request) {
	state := s.State()
	healthy := make(map[uint8]bool, len(state.Relays))
	for _, r := range state.Relays {
		healthy[uint8(r.Segment)] = r.Healthy
	}
	views := make([]segmentStatsJSON, 0, len(state.Load.Segments))
	for _, l := range state.Load.Segments {
		v := segmentStatsJSON{
			Segment: uint8(l.Segment),
			Nodes:   l.Nodes,
			Clients: l.Clients,
			Uplinks: l.Uplinks,
			Load:    l.Load,
		}
		if h, ok := healthy[v.Segment]; ok {
			v.RelayHealthy = &h
		}
		views = append(views, v)
	}
	s.writeJSON(rw, views)
}

type healthJSON struct {
	Status      string    `json:"status"`
	LastPass    time.Time `json:"last_pass,omitempty"`
	AnalyzeOnly bool      `json:"analyze_only"`
	Nodes       int       `json:"nodes"`
}

func (s *Server) health(rw http.ResponseWriter, req *http.Request) {
	state := s.State()
	v := healthJSON{
		Status:      "ok",
		LastPass:    state.TakenAt,
		AnalyzeOnly: state.AnalyzeOnly,
		Nodes:       len(state.Nodes),
	}
	rw.Header().Set("Content-Type", "application/json")
	if state.TakenAt.IsZero() {
		v.Status = "starting"
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.SafeDebug(s.Logger, "Encoding response failed", "err", err)
	}
}

func (s *Server) triggerPass(rw http.ResponseWriter, req *http.Request) {
	if s.TriggerPass == nil {
		writeProblem(rw, http.StatusNotImplemented, "Pass trigger not available")
		return
	}
	if err := s.TriggerPass(); err != nil {
		log.SafeInfo(s.Logger, "Pass trigger failed", "err", err)
		writeProblem(rw, http.StatusInternalServerError, "Pass trigger failed")
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func (s *Server) applyMoves(rw http.ResponseWriter, req *http.Request) {
	if s.ApplyMoves == nil {
		writeProblem(rw, http.StatusNotImplemented, "Move application not available")
		return
	}
	applied, err := s.ApplyMoves()
	switch {
	case errors.Is(err, moves.ErrAnalyzeOnly):
		writeProblem(rw, http.StatusConflict, "Pass is analyze only")
		return
	case err != nil:
		log.SafeInfo(s.Logger, "Move application failed", "err", err)
		writeProblem(rw, http.StatusInternalServerError, "Move application failed")
		return
	}
	s.writeJSON(rw, map[string]int{"applied": applied})
}

func (s *Server) writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.SafeDebug(s.Logger, "Encoding response failed", "err", err)
	}
}

// problem is the error body of the API.
type problem struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
}

func writeProblem(rw http.ResponseWriter, code int, title string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(problem{Status: code, Title: title})
}
