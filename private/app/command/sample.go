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

package command

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/freifunk-stuttgart/meshmon/private/config"
)

// NewSample creates a new sample command that runs the given samplers.
func NewSample(pather Pather, samplers ...func(Pather) *cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Display sample files",
	}
	for _, sampler := range samplers {
		cmd.AddCommand(sampler(joined(pather, "sample")))
	}
	return cmd
}

// NewSampleConfig creates a sample command for the application TOML
// configuration.
func NewSampleConfig(cfg config.Sampler) func(Pather) *cobra.Command {
	return func(pather Pather) *cobra.Command {
		return &cobra.Command{
			Use:     "config",
			Short:   "Display sample configuration file",
			Example: pather.CommandPath() + " config > cfg.toml",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg.Sample(os.Stdout, nil, nil)
				return nil
			},
		}
	}
}

func joined(pather Pather, name string) Pather {
	return StringPather(pather.CommandPath() + " " + name)
}
