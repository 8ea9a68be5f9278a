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

// Package storage persists the fused node set and the per-segment load
// series between passes. A fresh pass seeds its node store from the
// snapshot when the live feed is too sparse to trust.
package storage

import (
	"context"
	"database/sql"
	"net/netip"
	"strings"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/private/storage/db"
)

// Backend is the SQLite snapshot store.
type Backend struct {
	db *db.Sqlite
}

// New opens the snapshot database at the given path, creating it with the
// current schema when empty.
func New(path string, cfg *db.SqliteConfig) (*Backend, error) {
	sqlite, err := db.NewSqlite(path, cfg)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Setup(Schema, SchemaVersion); err != nil {
		sqlite.Close()
		return nil, err
	}
	return &Backend{db: sqlite}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// SaveSnapshot replaces the persisted node set with the given one.
func (b *Backend) SaveSnapshot(ctx context.Context, takenAt time.Time,
	nodes []*node.Node) error {

	tx, err := b.db.Full.BeginTx(ctx, nil)
	if err != nil {
		return db.NewTxError("starting snapshot transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM Nodes`); err != nil {
		return db.NewWriteError("clearing snapshot", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO Nodes (MAC, Name, Hardware, Firmware, Gluon, Status,
			LastSeen, Uptime, Clients, Latitude, Longitude, ZIP, Region,
			Contact, ObservedSegment, HomeSegment, KeyDir, KeyFile, IPv6,
			Addresses)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return db.NewWriteError("preparing snapshot insert", err)
	}
	defer stmt.Close()
	for _, n := range nodes {
		var lat, lon any
		if n.Position.Valid {
			lat, lon = n.Position.Latitude, n.Position.Longitude
		}
		var ipv6 string
		if n.IPv6.IsValid() {
			ipv6 = n.IPv6.String()
		}
		_, err := stmt.ExecContext(ctx,
			n.MAC.String(), n.Name, n.Hardware, n.Firmware, n.Gluon,
			int(n.Status), n.LastSeen.Unix(), int64(n.Uptime.Seconds()),
			n.Clients, lat, lon, n.ZIP, n.Region, n.Contact,
			optSegment(n.ObservedSegment), optSegment(n.HomeSegment),
			n.KeyDir, n.KeyFile, ipv6, joinMACs(n.Addresses),
		)
		if err != nil {
			return db.NewWriteError("inserting node", err, "mac", n.MAC)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO Passes (RowID, TakenAt) VALUES (1, ?)
		ON CONFLICT (RowID) DO UPDATE SET TakenAt = excluded.TakenAt
	`, takenAt.Unix())
	if err != nil {
		return db.NewWriteError("recording pass time", err)
	}
	if err := tx.Commit(); err != nil {
		return db.NewTxError("committing snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the persisted node set as seed records, plus the
// time the snapshot was taken. A fresh database yields no records and a
// zero time, not an error.
func (b *Backend) LoadSnapshot(ctx context.Context) ([]node.SourceRecord,
	time.Time, error) {

	var takenAtUnix int64
	err := b.db.ReadOnly.QueryRowContext(ctx,
		`SELECT TakenAt FROM Passes WHERE RowID = 1`).Scan(&takenAtUnix)
	switch {
	case err == sql.ErrNoRows:
		return nil, time.Time{}, nil
	case err != nil:
		return nil, time.Time{}, db.NewReadError("reading pass time", err)
	}
	takenAt := time.Unix(takenAtUnix, 0)

	rows, err := b.db.ReadOnly.QueryContext(ctx, `
		SELECT MAC, Name, Hardware, Firmware, Gluon, Status, LastSeen,
			Uptime, Clients, Latitude, Longitude, ZIP, Region, Contact,
			ObservedSegment, IPv6, Addresses
		FROM Nodes
	`)
	if err != nil {
		return nil, time.Time{}, db.NewReadError("reading snapshot", err)
	}
	defer rows.Close()

	var recs []node.SourceRecord
	for rows.Next() {
		var (
			rec                  node.SourceRecord
			mac, ipv6, addresses string
			gluon, status        int
			lastSeen, uptime     int64
			lat, lon             sql.NullFloat64
			observed             sql.NullInt64
		)
		err := rows.Scan(&mac, &rec.Name, &rec.Hardware, &rec.Firmware,
			&gluon, &status, &lastSeen, &uptime, &rec.Clients, &lat, &lon,
			&rec.ZIP, &rec.Region, &rec.Contact, &observed, &ipv6,
			&addresses)
		if err != nil {
			return nil, time.Time{}, db.NewDataError("scanning node", err)
		}
		rec.Source = node.SourcePersisted
		if rec.MAC, err = addr.ParseMAC(mac); err != nil {
			return nil, time.Time{}, db.NewDataError("parsing stored address", err)
		}
		rec.Gluon = node.GluonType(gluon)
		rec.Status = node.Status(status)
		rec.LastSeen = time.Unix(lastSeen, 0)
		rec.Uptime = time.Duration(uptime) * time.Second
		if lat.Valid && lon.Valid {
			rec.Position = node.Position{
				Latitude:  lat.Float64,
				Longitude: lon.Float64,
				Valid:     true,
			}
		}
		if observed.Valid {
			rec.Segment = node.SegmentOf(addr.Segment(observed.Int64))
		}
		if ipv6 != "" {
			if rec.IPv6, err = netip.ParseAddr(ipv6); err != nil {
				return nil, time.Time{}, db.NewDataError("parsing stored IPv6", err)
			}
		}
		if rec.Addresses, err = splitMACs(addresses); err != nil {
			return nil, time.Time{}, db.NewDataError("parsing stored addresses", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, db.NewReadError("iterating snapshot", err)
	}
	return recs, takenAt, nil
}

// RolledLoad is one stored load sample.
type RolledLoad struct {
	stats.SegmentLoad
	TakenAt time.Time
	// Rolled is the running average after folding the sample in.
	Rolled int
}

// RecordLoads appends the pass's load samples to the series, folding each
// into the segment's running average. A segment without history starts at
// its raw load.
func (b *Backend) RecordLoads(ctx context.Context, takenAt time.Time,
	loads []stats.SegmentLoad) error {

	tx, err := b.db.Full.BeginTx(ctx, nil)
	if err != nil {
		return db.NewTxError("starting load transaction", err)
	}
	defer tx.Rollback()
	for _, l := range loads {
		var prev sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT Rolled FROM SegmentLoads WHERE Segment = ?
			ORDER BY TakenAt DESC LIMIT 1
		`, int(l.Segment)).Scan(&prev)
		if err != nil && err != sql.ErrNoRows {
			return db.NewReadError("reading previous load", err,
				"segment", l.Segment)
		}
		rolled := l.Load
		if prev.Valid {
			rolled = stats.Roll(int(prev.Int64), l.Load)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO SegmentLoads
				(Segment, TakenAt, Nodes, Clients, Uplinks, Load, Rolled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, int(l.Segment), takenAt.Unix(), l.Nodes, l.Clients, l.Uplinks,
			l.Load, rolled)
		if err != nil {
			return db.NewWriteError("inserting load sample", err,
				"segment", l.Segment)
		}
	}
	if err := tx.Commit(); err != nil {
		return db.NewTxError("committing load samples", err)
	}
	return nil
}

// LatestLoads returns the newest sample of every segment, ordered by
// segment number.
func (b *Backend) LatestLoads(ctx context.Context) ([]RolledLoad, error) {
	rows, err := b.db.ReadOnly.QueryContext(ctx, `
		SELECT Segment, MAX(TakenAt), Nodes, Clients, Uplinks, Load, Rolled
		FROM SegmentLoads GROUP BY Segment ORDER BY Segment
	`)
	if err != nil {
		return nil, db.NewReadError("reading latest loads", err)
	}
	defer rows.Close()
	var loads []RolledLoad
	for rows.Next() {
		var (
			l       RolledLoad
			seg     int
			takenAt int64
		)
		err := rows.Scan(&seg, &takenAt, &l.Nodes, &l.Clients, &l.Uplinks,
			&l.Load, &l.Rolled)
		if err != nil {
			return nil, db.NewDataError("scanning load sample", err)
		}
		l.Segment = addr.Segment(seg)
		l.TakenAt = time.Unix(takenAt, 0)
		loads = append(loads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterating loads", err)
	}
	return loads, nil
}

// PruneLoads drops samples older than the horizon and returns how many
// went away.
func (b *Backend) PruneLoads(ctx context.Context, before time.Time) (int, error) {
	res, err := b.db.Full.ExecContext(ctx,
		`DELETE FROM SegmentLoads WHERE TakenAt < ?`, before.Unix())
	if err != nil {
		return 0, db.NewWriteError("pruning load samples", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.NewWriteError("counting pruned samples", err)
	}
	return int(n), nil
}

func optSegment(o node.OptSegment) any {
	if seg, ok := o.Get(); ok {
		return int(seg)
	}
	return nil
}

func joinMACs(macs []addr.MAC) string {
	strs := make([]string, 0, len(macs))
	for _, m := range macs {
		strs = append(strs, m.String())
	}
	return strings.Join(strs, " ")
}

func splitMACs(s string) ([]addr.MAC, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Fields(s)
	macs := make([]addr.MAC, 0, len(fields))
	for _, f := range fields {
		m, err := addr.ParseMAC(f)
		if err != nil {
			return nil, err
		}
		macs = append(macs, m)
	}
	return macs, nil
}
