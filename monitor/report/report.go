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

// Package report renders the pass results as the text files consumed by the
// operations team. The formats are fixed; downstream tooling and long-time
// readers of the mesh cloud list depend on the exact layout.
package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/freifunk-stuttgart/meshmon/monitor/cloud"
	"github.com/freifunk-stuttgart/meshmon/monitor/identity"
	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/monitor/node"
	"github.com/freifunk-stuttgart/meshmon/monitor/stats"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	cloudSeparator = "\n" + dashes114 + "\n"
	dashes114      = "--------------------------------------------------------------" +
		"----------------------------------------------------"
	sectionBreak = "\n\n" + hashes72 + "\n\n"
	hashes72     = "########################################################################"
	totalsRule   = "\n\n" + dashes72 + "\n\n"
	dashes72     = "------------------------------------------------------------------------"
	macTableRule = "--------------------------------------------\n"
)

// noSegment is printed for nodes without an observed segment.
const noSegment = 99

// Config names the output files. Empty paths disable the writer.
type Config struct {
	MacTableFile  string `toml:"mac_table_file,omitempty"`
	MeshCloudFile string `toml:"mesh_cloud_file,omitempty"`
	MoveFile      string `toml:"move_file,omitempty"`
}

// Writer writes the report files of one pass.
type Writer struct {
	Config Config
	Logger log.Logger

	alerts []string
}

// Alerts returns the alerts raised since the last call, oldest first.
func (w *Writer) Alerts() []string {
	a := w.alerts
	w.alerts = nil
	return a
}

// WriteAll writes every configured report file. The move list is only
// written when moves may be applied; in an analyze-only pass pending moves
// raise an alert instead. An error from one file does not stop the others.
func (w *Writer) WriteAll(store *node.Store, clouds []*cloud.Cloud,
	summary stats.Summary, pending []moves.Directive, analyzeOnly bool,
	now time.Time) error {

	var errs []error
	if w.Config.MacTableFile != "" {
		err := writeFile(w.Config.MacTableFile, func(out io.Writer) error {
			return MacTable(out, store.Index().Entries())
		})
		errs = append(errs, err)
	}
	if w.Config.MeshCloudFile != "" {
		err := writeFile(w.Config.MeshCloudFile, func(out io.Writer) error {
			return MeshCloudList(out, store.Nodes(), clouds, summary, now)
		})
		errs = append(errs, err)
	}
	if w.Config.MoveFile != "" {
		errs = append(errs, w.writeMoveList(pending, analyzeOnly))
	}
	return errors.Join(errs...)
}

func (w *Writer) writeMoveList(pending []moves.Directive, analyzeOnly bool) error {
	switch {
	case len(pending) == 0:
		// A stale list from an earlier pass must not be applied again.
		if err := os.Remove(w.Config.MoveFile); err != nil && !os.IsNotExist(err) {
			return serrors.Wrap("removing move list", err,
				"file", w.Config.MoveFile)
		}
		return nil
	case analyzeOnly:
		w.alertf("!! There might be Nodes to be moved but cannot due to inconsistent Data!")
		return nil
	}
	w.alertf("++ There are Nodes to be moved:")
	for _, d := range pending {
		w.alertf("   git mv %s/peers/%s %s/peers/",
			d.KeyDir, d.KeyFile, d.Target.KeyDir())
	}
	return writeFile(w.Config.MoveFile, func(out io.Writer) error {
		return MoveList(out, pending)
	})
}

func (w *Writer) alertf(format string, args ...any) {
	alert := fmt.Sprintf(format, args...)
	w.alerts = append(w.alerts, alert)
	log.SafeInfo(w.Logger, "Report alert", "alert", alert)
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return serrors.Wrap("creating report file", err, "file", path)
	}
	if err := render(f); err != nil {
		f.Close()
		return serrors.Wrap("writing report file", err, "file", path)
	}
	if err := f.Close(); err != nil {
		return serrors.Wrap("closing report file", err, "file", path)
	}
	return nil
}

// MoveList renders the pending moves as a shell transcript, one git mv
// invocation per node.
func MoveList(out io.Writer, pending []moves.Directive) error {
	for _, d := range pending {
		_, err := fmt.Fprintf(out, "git mv %s/peers/%s %s/peers/\n",
			d.KeyDir, d.KeyFile, d.Target.KeyDir())
		if err != nil {
			return err
		}
	}
	return nil
}

// MacTable renders the address ownership map, sorted by address.
func MacTable(out io.Writer, entries []identity.Entry) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address.String() < entries[j].Address.String()
	})
	ew := &errWriter{out: out}
	ew.writef(macTableRule)
	ew.writef("%-20s -> %-20s\n", "FF-MAC", "Main-MAC")
	ew.writef(macTableRule)
	for _, e := range entries {
		ew.writef("%-20s -> %-20s\n", e.Address, e.Primary)
	}
	return ew.err
}

// MeshCloudList renders the mesh cloud report: one block per multi-node
// cloud, the still-online nodes outside any cloud, and the per-segment
// population figures.
func MeshCloudList(out io.Writer, nodes []*node.Node, clouds []*cloud.Cloud,
	summary stats.Summary, now time.Time) error {

	ew := &errWriter{out: out}
	ew.writef("FFS-Mesh-Clouds on %s\n", now.Format("2006-01-02 15:04:05"))

	meshingNodes := 0
	for _, c := range clouds {
		if c.Size() < 2 {
			continue
		}
		meshingNodes += c.Size()
		ew.writef(cloudSeparator)
		writeCloud(ew, c)
	}

	ew.writef(sectionBreak)
	ew.writef("Single Nodes:\n\n")
	writeSingles(ew, nodes)

	ew.writef(sectionBreak)
	ew.writef("Online-Nodes / Clients / Uplinks in Segments:\n\n")
	var totalNodes, totalClients, totalUplinks int
	for _, s := range summary.Segments {
		ew.writef("Segment %02d: %5d / %5d / %5d\n",
			uint8(s.Segment), s.Nodes, s.Clients, s.Uplinks)
		totalNodes += s.Nodes
		totalClients += s.Clients
		totalUplinks += s.Uplinks
	}
	ew.writef(totalsRule)
	ew.writef("Totals:     %5d / %5d / %5d / %5d\n",
		totalNodes, meshingNodes, totalClients, totalUplinks)
	return ew.err
}

func writeCloud(ew *errWriter, c *cloud.Cloud) {
	members := make([]*node.Node, len(c.Members))
	copy(members, c.Members)
	sortByMAC(members)

	var nodes, clients, uplinks int
	cloudSeg := -1
	cloudVPN := ""
	for _, n := range members {
		flag := byte(' ')
		seg := segNum(n)
		if cloudSeg < 0 {
			cloudSeg = seg
		} else if seg != cloudSeg {
			flag = '!'
		}
		if misplaced(n, seg) {
			flag = '>'
		}
		if cloudVPN == "" {
			cloudVPN = n.KeyDir
		} else if n.KeyDir != "" && n.KeyDir != cloudVPN {
			flag = '*'
		}
		writeMember(ew, n, flag, seg)
		nodes++
		clients += n.Clients
		if n.Status == node.StatusVPN {
			uplinks++
		}
	}
	ew.writef("\n         Total Nodes / Clients / Uplinks = %3d / %3d / %3d\n",
		nodes, clients, uplinks)
}

func writeSingles(ew *errWriter, all []*node.Node) {
	nodes := make([]*node.Node, len(all))
	copy(nodes, all)
	sortByMAC(nodes)
	for _, n := range nodes {
		if n.CloudID != 0 || !n.Status.IsOnline() {
			continue
		}
		flag := byte(' ')
		seg := segNum(n)
		if misplaced(n, seg) {
			flag = '>'
		}
		writeMember(ew, n, flag, seg)
	}
}

func writeMember(ew *errWriter, n *node.Node, flag byte, seg int) {
	ew.writef("%c%c Seg.%02d [%3d] %s = %5s - %16s = %s (%s = %s)\n",
		flag, byte(n.Status), seg, n.Clients, n.MAC,
		n.KeyDir, n.KeyFile, n.Name, n.HomeSegment, n.Region)
}

// misplaced reports whether the node's key placement or home segment
// disagrees with the segment it was observed in.
func misplaced(n *node.Node, seg int) bool {
	if n.KeyDir == "" {
		return false
	}
	if keySeg, err := strconv.Atoi(strings.TrimPrefix(n.KeyDir, "vpn")); err == nil &&
		keySeg != seg {
		return true
	}
	home, ok := n.HomeSegment.Get()
	return ok && int(home) != seg
}

func segNum(n *node.Node) int {
	if seg, ok := n.ObservedSegment.Get(); ok {
		return int(seg)
	}
	return noSegment
}

func sortByMAC(nodes []*node.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].MAC.String() < nodes[j].MAC.String()
	})
}

// errWriter batches the error handling of sequential writes.
type errWriter struct {
	out io.Writer
	err error
}

func (w *errWriter) writef(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.out, format, args...)
}
