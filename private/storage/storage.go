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

// Package storage provides the database configuration plumbing for the
// monitor's persistent store.
package storage

import (
	"fmt"
	"io"

	monitorstorage "github.com/freifunk-stuttgart/meshmon/monitor/storage"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/private/config"
	"github.com/freifunk-stuttgart/meshmon/private/storage/db"
)

// Backend indicates the database backend type.
type Backend string

const (
	// BackendSqlite indicates an sqlite backend.
	BackendSqlite Backend = "sqlite"
	// DefaultMonitorDBPath is the default connection string for the
	// monitor database. The %s is replaced by the element ID.
	DefaultMonitorDBPath = "/var/lib/meshmon/%s.monitor.db"
)

// SampleMonitorDB is the config sample for the monitor database.
var SampleMonitorDB = DBConfig{
	Connection: DefaultMonitorDBPath,
}

// SetID returns a clone of the configuration that has the ID set on the
// connection string.
func SetID(cfg DBConfig, id string) *DBConfig {
	cfg.Connection = fmt.Sprintf(cfg.Connection, id)
	return &cfg
}

var _ (config.Config) = (*DBConfig)(nil)

// DBConfig is the configuration for the connection to a database.
type DBConfig struct {
	Connection   string `toml:"connection,omitempty"`
	MaxOpenConns int    `toml:"max_open_conns,omitempty"`
	MaxIdleConns int    `toml:"max_idle_conns,omitempty"`
}

type writeDefault struct {
	*DBConfig
	defaultPath string
}

func (w writeDefault) InitDefaults() {
	if w.Connection == "" {
		w.Connection = w.defaultPath
	}
}

func (cfg *DBConfig) WithDefault(path string) config.Defaulter {
	return writeDefault{DBConfig: cfg, defaultPath: path}
}

func (cfg *DBConfig) InitDefaults() {
	if cfg.Connection == "" {
		cfg.Connection = DefaultMonitorDBPath
	}
}

func (cfg *DBConfig) Validate() error {
	if cfg.Connection == "" {
		return serrors.New("empty database connection")
	}
	return nil
}

// Sample writes a config sample to the writer.
func (cfg *DBConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, fmt.Sprintf(sample, ctx[config.ID]))
}

// ConfigName is the key in the toml file.
func (cfg *DBConfig) ConfigName() string {
	return "db"
}

const sample = `
# Connection for the database.
connection = "/var/lib/meshmon/%s.monitor.db"

# The maximum number of open read connections to the database. (0 means the
# backend default)
max_open_conns = 0

# The maximum number of idle read connections to the database. (0 means the
# backend default)
max_idle_conns = 0
`

// NewMonitorStorage connects the snapshot and statistics store.
func NewMonitorStorage(c DBConfig) (*monitorstorage.Backend, error) {
	log.Info("Connecting MonitorDB", "backend", BackendSqlite, "connection", c.Connection)
	return monitorstorage.New(c.Connection, &db.SqliteConfig{
		MaxOpenReadConns: c.MaxOpenConns,
		MaxIdleReadConns: c.MaxIdleConns,
	})
}
