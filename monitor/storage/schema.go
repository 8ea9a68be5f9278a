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

package storage

const (
	// SchemaVersion is the version of the SQLite schema understood by
	// this backend. Whenever changes to the schema are made, this version
	// number must be increased to prevent data corruption between
	// incompatible database schemas.
	SchemaVersion = 1
	// Schema is the SQLite database layout.
	Schema = `CREATE TABLE Nodes(
		MAC TEXT PRIMARY KEY,
		Name TEXT NOT NULL,
		Hardware TEXT NOT NULL,
		Firmware TEXT NOT NULL,
		Gluon INTEGER NOT NULL,
		Status INTEGER NOT NULL,
		LastSeen INTEGER NOT NULL,
		Uptime INTEGER NOT NULL,
		Clients INTEGER NOT NULL,
		Latitude REAL,
		Longitude REAL,
		ZIP TEXT NOT NULL,
		Region TEXT NOT NULL,
		Contact TEXT NOT NULL,
		ObservedSegment INTEGER,
		HomeSegment INTEGER,
		KeyDir TEXT NOT NULL,
		KeyFile TEXT NOT NULL,
		IPv6 TEXT NOT NULL,
		Addresses TEXT NOT NULL
	);
	CREATE TABLE Passes(
		RowID INTEGER PRIMARY KEY CHECK (RowID = 1),
		TakenAt INTEGER NOT NULL
	);
	CREATE TABLE SegmentLoads(
		Segment INTEGER NOT NULL,
		TakenAt INTEGER NOT NULL,
		Nodes INTEGER NOT NULL,
		Clients INTEGER NOT NULL,
		Uplinks INTEGER NOT NULL,
		Load INTEGER NOT NULL,
		Rolled INTEGER NOT NULL,
		PRIMARY KEY (Segment, TakenAt)
	);
	CREATE INDEX SegmentLoadsByTime ON SegmentLoads(TakenAt);
	`

	NodesTable        = "Nodes"
	PassesTable       = "Passes"
	SegmentLoadsTable = "SegmentLoads"
)
