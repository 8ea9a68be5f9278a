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
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// NewVersion creates a version command that prints the module version and
// toolchain of the binary.
func NewVersion(pather Pather) *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show the version information",
		Example: pather.CommandPath() + " version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				return fmt.Errorf("binary built without module support")
			}
			fmt.Printf("%s %s %s\n",
				info.Main.Path, info.Main.Version, info.GoVersion)
			return nil
		},
	}
}

// NewCompletion creates a command that generates shell completion scripts.
func NewCompletion(pather Pather) *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:     "completion",
		Short:   "Generate shell completion script",
		Example: pather.CommandPath() + " completion --shell bash",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			switch shell {
			case "bash":
				return root.GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return root.GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return root.GenFishCompletion(cmd.OutOrStdout(), true)
			default:
				return fmt.Errorf("unknown shell: %s", shell)
			}
		},
	}
	cmd.Flags().StringVar(&shell, "shell", "bash", "Shell type (bash|zsh|fish)")
	return cmd
}
