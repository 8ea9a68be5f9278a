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

// meshctl is the operator tool for the segment monitor. It talks to the
// monitor's management API.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/private/app/command"
)

func main() {
	executable := filepath.Base(os.Args[0])
	cmd := &cobra.Command{
		Use:           executable,
		Short:         "Freifunk segment monitor control tool",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	pather := command.StringPather(executable)
	cmd.AddCommand(
		newStatus(pather),
		newNodes(pather),
		newClouds(pather),
		newStats(pather),
		newAlerts(pather),
		newMoves(pather),
		newPass(pather),
		command.NewGendocs(pather),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}
