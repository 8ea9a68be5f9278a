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

package launcher

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/private/app/command"
	libconfig "github.com/freifunk-stuttgart/meshmon/private/config"
)

// newCommandTemplate returns a cobra command template for a meshmon server
// application.
func newCommandTemplate(executable string, shortName string, config libconfig.Sampler,
	samplers ...func(command.Pather) *cobra.Command) *cobra.Command {

	cmd := &cobra.Command{
		Use:           executable,
		Short:         shortName,
		Example:       fmt.Sprintf("  %s --config %s", executable, "config.toml"),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		command.NewCompletion(cmd),
		command.NewSample(
			cmd,
			append(samplers, command.NewSampleConfig(config))...,
		),
		command.NewVersion(cmd),
	)
	cmd.Flags().String(cfgConfigFile, "", "Configuration file (required)")
	cmd.MarkFlagRequired(cfgConfigFile)
	return cmd
}

// exportBuildInfo exposes the version and toolchain of the running binary as
// a constant gauge.
func exportBuildInfo() {
	version, toolchain := "unknown", "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
		toolchain = info.GoVersion
	}
	g := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshmon_build_info",
			Help: "Build information of the running binary.",
		},
		[]string{"version", "goversion", "executable"},
	)
	g.WithLabelValues(version, toolchain, shortExecutable()).Set(1)
}

func shortExecutable() string {
	if len(os.Args) == 0 {
		return "unknown"
	}
	return os.Args[0]
}
