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
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/private/app/command"
)

func newStatus(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the monitor's health",
		Example: fmt.Sprintf("  %[1]s status\n  %[1]s status --json",
			pather.CommandPath()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var health struct {
				Status      string    `json:"status"`
				LastPass    time.Time `json:"last_pass"`
				AnalyzeOnly bool      `json:"analyze_only"`
				Nodes       int       `json:"nodes"`
			}
			raw, err := flags.getJSON(ctx, "/api/v1/health", &health)
			if err != nil || raw {
				return err
			}

			statusColor := color.New()
			if flags.colored() {
				switch health.Status {
				case "ok":
					statusColor = color.New(color.FgGreen)
				default:
					statusColor = color.New(color.FgYellow)
				}
			}
			fmt.Printf("Status:       %s\n", statusColor.Sprint(health.Status))
			if !health.LastPass.IsZero() {
				fmt.Printf("Last pass:    %s (%s ago)\n",
					health.LastPass.Format(time.RFC3339),
					time.Since(health.LastPass).Round(time.Second))
			}
			fmt.Printf("Analyze only: %t\n", health.AnalyzeOnly)
			fmt.Printf("Nodes:        %d\n", health.Nodes)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newAlerts(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:     "alerts",
		Short:   "List the alerts of the most recent pass",
		Example: fmt.Sprintf("  %[1]s alerts", pather.CommandPath()),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var alerts []string
			raw, err := flags.getJSON(ctx, "/api/v1/alerts", &alerts)
			if err != nil || raw {
				return err
			}
			if len(alerts) == 0 {
				fmt.Println("No alerts.")
				return nil
			}
			line := color.New()
			if flags.colored() {
				line = color.New(color.FgRed)
			}
			for _, a := range alerts {
				line.Fprintln(os.Stdout, a)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newPass(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Trigger an out-of-schedule monitoring pass",
		Example: fmt.Sprintf("  %[1]s pass --auth-key-file /etc/meshmon/api.key",
			pather.CommandPath()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			if err := flags.postJSON(ctx, "/api/v1/passes", nil); err != nil {
				return err
			}
			fmt.Println("Pass triggered.")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
