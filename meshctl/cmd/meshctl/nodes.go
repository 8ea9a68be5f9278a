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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/private/app/command"
)

type nodeView struct {
	MAC             string    `json:"mac"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`
	Clients         int       `json:"clients"`
	Region          string    `json:"region"`
	ObservedSegment *uint8    `json:"observed_segment"`
	HomeSegment     *uint8    `json:"home_segment"`
	CloudID         int       `json:"cloud_id"`
}

func newNodes(pather command.Pather) *cobra.Command {
	var flags struct {
		clientFlags
		segment string
		status  string
	}

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes of the most recent pass",
		Example: fmt.Sprintf(`  %[1]s nodes
  %[1]s nodes --segment vpn07
  %[1]s nodes --status offline --json`, pather.CommandPath()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *addr.Segment
			if flags.segment != "" {
				seg, err := addr.ParseSegment(flags.segment)
				if err != nil {
					return serrors.Wrap("invalid segment", err)
				}
				filter = &seg
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var nodes []nodeView
			raw, err := flags.getJSON(ctx, "/api/v1/nodes", &nodes)
			if err != nil || raw {
				return err
			}

			table := newTable(os.Stdout,
				[]string{"MAC", "NAME", "STATUS", "SEG", "HOME", "CLIENTS", "LAST SEEN"})
			shown := 0
			for _, n := range nodes {
				if filter != nil &&
					(n.ObservedSegment == nil || *n.ObservedSegment != uint8(*filter)) {

					continue
				}
				if flags.status != "" && !strings.EqualFold(n.Status, flags.status) {
					continue
				}
				table.Append([]string{
					n.MAC,
					n.Name,
					n.Status,
					segmentCell(n.ObservedSegment),
					segmentCell(n.HomeSegment),
					strconv.Itoa(n.Clients),
					n.LastSeen.Format(time.RFC3339),
				})
				shown++
			}
			table.Render()
			fmt.Printf("\n%d nodes\n", shown)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.segment, "segment", "",
		"Only list nodes observed on this segment")
	cmd.Flags().StringVar(&flags.status, "status", "",
		"Only list nodes with this status (online, offline, inactive, unknown)")
	return cmd
}

func segmentCell(seg *uint8) string {
	if seg == nil {
		return "-"
	}
	return addr.Segment(*seg).String()
}

func newClouds(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:     "clouds",
		Short:   "List the mesh clouds of the most recent pass",
		Example: fmt.Sprintf("  %[1]s clouds", pather.CommandPath()),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var clouds []struct {
				ID       int      `json:"id"`
				Clients  int      `json:"clients"`
				Segments []uint8  `json:"segments"`
				Members  []string `json:"members"`
			}
			raw, err := flags.getJSON(ctx, "/api/v1/clouds", &clouds)
			if err != nil || raw {
				return err
			}

			table := newTable(os.Stdout,
				[]string{"ID", "NODES", "CLIENTS", "SEGMENTS"})
			for _, c := range clouds {
				segs := make([]string, 0, len(c.Segments))
				for _, s := range c.Segments {
					segs = append(segs, addr.Segment(s).String())
				}
				table.Append([]string{
					strconv.Itoa(c.ID),
					strconv.Itoa(len(c.Members)),
					strconv.Itoa(c.Clients),
					strings.Join(segs, ","),
				})
			}
			table.Render()
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newStats(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show the per-segment load of the most recent pass",
		Example: fmt.Sprintf("  %[1]s stats", pather.CommandPath()),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var segments []struct {
				Segment      uint8 `json:"segment"`
				Nodes        int   `json:"nodes"`
				Clients      int   `json:"clients"`
				Uplinks      int   `json:"uplinks"`
				Load         int   `json:"load"`
				RelayHealthy *bool `json:"relay_healthy"`
			}
			raw, err := flags.getJSON(ctx, "/api/v1/stats", &segments)
			if err != nil || raw {
				return err
			}

			table := newTable(os.Stdout,
				[]string{"SEGMENT", "NODES", "CLIENTS", "UPLINKS", "LOAD", "RELAY"})
			for _, s := range segments {
				relay := "-"
				if s.RelayHealthy != nil {
					relay = "healthy"
					if !*s.RelayHealthy {
						relay = "dead"
					}
				}
				table.Append([]string{
					addr.Segment(s.Segment).String(),
					strconv.Itoa(s.Nodes),
					strconv.Itoa(s.Clients),
					strconv.Itoa(s.Uplinks),
					strconv.Itoa(s.Load),
					relay,
				})
			}
			table.Render()
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
