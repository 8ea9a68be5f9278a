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

	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/private/app/command"
)

func newMoves(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "moves",
		Short: "List the move directives pending from the most recent pass",
		Example: fmt.Sprintf("  %[1]s moves\n  %[1]s moves apply",
			pather.CommandPath()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var directives []struct {
				MAC    string `json:"mac"`
				Name   string `json:"name"`
				KeyDir string `json:"key_dir"`
				Target uint8  `json:"target"`
				Reason string `json:"reason"`
			}
			raw, err := flags.getJSON(ctx, "/api/v1/moves", &directives)
			if err != nil || raw {
				return err
			}
			if len(directives) == 0 {
				fmt.Println("No pending moves.")
				return nil
			}

			table := newTable(os.Stdout,
				[]string{"MAC", "NAME", "FROM", "TO", "REASON"})
			for _, d := range directives {
				table.Append([]string{
					d.MAC,
					d.Name,
					d.KeyDir,
					addr.Segment(d.Target).KeyDir(),
					d.Reason,
				})
			}
			table.Render()
			return nil
		},
	}
	flags.register(cmd)
	cmd.AddCommand(newMovesApply(pather))
	return cmd
}

func newMovesApply(pather command.Pather) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the pending move directives to the key repository",
		Example: fmt.Sprintf("  %[1]s moves apply --auth-key-file /etc/meshmon/api.key",
			pather.CommandPath()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var result struct {
				Applied int `json:"applied"`
			}
			if err := flags.postJSON(ctx, "/api/v1/moves/apply", &result); err != nil {
				return err
			}
			fmt.Printf("Applied %d moves.\n", result.Applied)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
