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

package fastd

import (
	"context"
	"fmt"
	"path"

	"github.com/freifunk-stuttgart/meshmon/monitor/moves"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// Runner executes commands on the host. It is satisfied by
// batman.ExecRunner; tests inject a fake.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Applier moves key files between segment directories and commits the
// result, using git so the change propagates to the gateways.
type Applier struct {
	// RepoPath is the key repository checkout.
	RepoPath string
	// Git is the git binary, "git" when empty.
	Git    string
	Runner Runner
	Logger log.Logger
}

func (a *Applier) git(ctx context.Context, args ...string) error {
	bin := a.Git
	if bin == "" {
		bin = "git"
	}
	_, err := a.Runner.Output(ctx, bin, append([]string{"-C", a.RepoPath}, args...)...)
	return err
}

// Apply executes the drained directives: every key file is moved into its
// target segment directory and the batch is committed and pushed. A failed
// move aborts the batch before the commit, leaving the checkout dirty for
// the operator to inspect.
func (a *Applier) Apply(ctx context.Context, directives []moves.Directive) error {
	if len(directives) == 0 {
		return nil
	}
	for _, d := range directives {
		src := path.Join(d.KeyDir, "peers", d.KeyFile)
		dst := path.Join(d.Target.KeyDir(), "peers")
		if err := a.git(ctx, "mv", src, dst); err != nil {
			return serrors.Wrap("moving key file", err,
				"node", d.MAC, "from", src, "to", dst)
		}
		log.SafeInfo(a.Logger, "Key file moved",
			"node", d.MAC, "name", d.Name, "from", d.KeyDir,
			"to", d.Target.KeyDir(), "reason", d.Reason)
	}
	msg := fmt.Sprintf("monitor: move %d node(s) to their segments", len(directives))
	if err := a.git(ctx, "commit", "-m", msg); err != nil {
		return serrors.Wrap("committing key moves", err)
	}
	if err := a.git(ctx, "push"); err != nil {
		return serrors.Wrap("pushing key moves", err)
	}
	return nil
}
