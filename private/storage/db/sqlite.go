// Copyright 2024 Freifunk Stuttgart e.V.
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

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
)

type Reader interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Stats() sql.DBStats
}

// SqliteConfig allows configuring the sqlite database instance.
type SqliteConfig struct {
	MaxOpenReadConns int
	MaxIdleReadConns int
	InMemory         bool
}

// NewSqlite creates a new sqlite database with a read and write connection
// pool. The write connection pool is limited to one open connection to avoid
// contention. The read connection pool is configured with a default limit
// depending on the number of CPUs (can be overridden via config).
//
// The Full connection can be used to perform any operation, including reads
// and opening transactions. The ReadOnly connection should only be used for
// read operations.
func NewSqlite(path string, cfg *SqliteConfig) (*Sqlite, error) {
	c := func() SqliteConfig {
		if cfg != nil {
			return *cfg
		}
		return SqliteConfig{}
	}()

	// :memory: is ambiguous. With the combination of shared cache and
	// in-memory, multiple connections can access the same database, violating
	// the expectation that the write pool has max open connections of 1.
	if strings.Contains(path, ":memory:") {
		return nil, fmt.Errorf("use explicitly named memory database")
	}
	noFile, ok := strings.CutPrefix(path, "file:")

	// Transactions must start with BEGIN IMMEDIATE rather than plain BEGIN.
	// A deferred transaction that upgrades to a write mid-flight gets an
	// immediate SQLITE_BUSY without respecting busy_timeout if another
	// connection holds the lock. The driver-specific parameters further
	// enable WAL journaling, a busy timeout and foreign key enforcement.
	connParams := make(url.Values)
	addConnParams(connParams)
	if c.InMemory {
		registerMemoryDB(noFile)
		connParams.Add("mode", "memory")
		// Use shared cache such that the read and write connections share the
		// same in-memory database.
		connParams.Add("cache", "shared")
	}

	connUrl := path + "?" + connParams.Encode()
	if !ok {
		connUrl = "file:" + connUrl
	}

	write, err := sql.Open(driverName(), connUrl)
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open(driverName(), connUrl)
	if err != nil {
		defer write.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	if c.MaxOpenReadConns == 0 {
		c.MaxOpenReadConns = max(4, runtime.NumCPU())
	}
	read.SetMaxOpenConns(c.MaxOpenReadConns)
	if c.MaxIdleReadConns != 0 {
		read.SetMaxIdleConns(c.MaxIdleReadConns)
	}

	db := &Sqlite{
		Full:     write,
		ReadOnly: read,
	}
	if c.InMemory {
		runtime.AddCleanup(db, func(name string) { unregisterMemoryDB(name) }, noFile)
	}
	return db, nil
}

type Sqlite struct {
	Full     *sql.DB
	ReadOnly Reader
}

// Setup applies the schema if the database is fresh and verifies the stored
// schema version otherwise.
func (db *Sqlite) Setup(schema string, schemaVersion int) error {
	var existingVersion int
	if err := db.Full.QueryRow("PRAGMA user_version;").Scan(&existingVersion); err != nil {
		return fmt.Errorf("checking database schema version: %w", err)
	}
	switch {
	case existingVersion == 0:
		_, err := db.Full.Exec(schema)
		if err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		_, err = db.Full.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
		if err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
		return nil
	case existingVersion != schemaVersion:
		return fmt.Errorf("database schema version mismatch: expected %d, have %d",
			schemaVersion, existingVersion,
		)
	default:
		return nil
	}
}

// Checkpoint runs a WAL checkpoint with FULL mode on the write database.
func (db *Sqlite) Checkpoint(ctx context.Context) (CheckpointStats, error) {
	return Checkpoint(ctx, db.Full, "FULL")
}

type CheckpointStats struct {
	Busy         int
	LogFrames    int
	Checkpointed int
}

// Checkpoint runs a WAL checkpoint with the given mode (PASSIVE, FULL,
// RESTART, TRUNCATE). It returns the three integers that SQLite reports:
//
//	busy        = number of frames not checkpointed due to active readers
//	log         = total frames in the WAL
//	checkpointed= frames actually checkpointed
func Checkpoint(ctx context.Context, db *sql.DB, mode string) (CheckpointStats, error) {
	var busy, logFrames, checkpointed int
	query := fmt.Sprintf("PRAGMA wal_checkpoint(%s);", mode)
	if err := db.QueryRowContext(ctx, query).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return CheckpointStats{}, fmt.Errorf("performing checkpoint: %w", err)
	}
	return CheckpointStats{
		Busy:         busy,
		LogFrames:    logFrames,
		Checkpointed: checkpointed,
	}, nil
}

func (db *Sqlite) Close() error {
	var errs []error

	if err := db.Full.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing write db: %w", err))
	}
	if err := db.ReadOnly.(*sql.DB).Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing read db: %w", err))
	}
	return errors.Join(errs...)
}

// memoryDBCheck is a safety mechanism to prevent multiple in-memory databases
// with the same name. Such databases would share the same underlying database,
// leading to unexpected behavior in tests.
var memoryDBCheck = struct {
	mtx sync.Mutex
	dbs map[string]struct{}
}{
	dbs: make(map[string]struct{}),
}

func registerMemoryDB(name string) {
	memoryDBCheck.mtx.Lock()
	defer memoryDBCheck.mtx.Unlock()
	if _, ok := memoryDBCheck.dbs[name]; ok {
		panic(fmt.Sprintf("memory database with name %s already exists", name))
	}
	memoryDBCheck.dbs[name] = struct{}{}
}

func unregisterMemoryDB(name string) {
	memoryDBCheck.mtx.Lock()
	defer memoryDBCheck.mtx.Unlock()
	delete(memoryDBCheck.dbs, name)
}
