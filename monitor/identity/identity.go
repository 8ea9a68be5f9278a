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

// Package identity maintains the mapping from every observed hardware
// address to the primary address of the owning node, including the
// derived virtual interface addresses, and resolves ownership collisions.
package identity

import (
	"fmt"
	"sort"
	"time"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
)

// Directory gives the index access to the node facts collision resolution
// needs. It is implemented by the node store.
type Directory interface {
	// LastSeen returns when the node behind the primary address was last
	// observed. ok is false for unknown nodes.
	LastSeen(primary addr.MAC) (t time.Time, ok bool)
	// Demote excludes a node from further analysis in this pass after it
	// forfeited its primary address: status unknown, neighbours cleared.
	Demote(primary addr.MAC)
}

// Conflict describes one resolved address collision.
type Conflict struct {
	// Address is the contested hardware address.
	Address addr.MAC
	// Winner now holds the binding.
	Winner addr.MAC
	// Loser forfeited the address.
	Loser addr.MAC
	// Demoted is set when the loser forfeited its own primary address
	// and was excluded from the pass.
	Demoted bool
}

// Entry is one address binding.
type Entry struct {
	Address addr.MAC
	Primary addr.MAC
}

// Index is the address ownership map of one pass. It is not safe for
// concurrent use; a pass has a single writer.
type Index struct {
	dir    Directory
	m      map[addr.MAC]addr.MAC
	alerts []string
	logger log.Logger
}

// NewIndex returns an empty index backed by the given directory.
func NewIndex(dir Directory, logger log.Logger) *Index {
	return &Index{
		dir:    dir,
		m:      make(map[addr.MAC]addr.MAC),
		logger: logger,
	}
}

// Resolve returns the primary address owning the given address.
func (x *Index) Resolve(mac addr.MAC) (addr.MAC, bool) {
	primary, ok := x.m[mac]
	return primary, ok
}

// DeriveSet returns the addresses to bind for an address observed on the
// node with the given primary address: the full synthetic set of the
// derivation scheme that covers the observation, or the observed address
// alone when neither scheme produced it.
func DeriveSet(primary, observed addr.MAC) []addr.MAC {
	modern := addr.SyntheticMACs(primary)
	for _, m := range modern {
		if m == observed {
			return modern[:]
		}
	}
	legacy := addr.LegacyMACs(primary)
	for _, m := range legacy {
		if m == observed {
			return legacy
		}
	}
	return []addr.MAC{observed}
}

// BindObserved binds an observed secondary address plus everything
// derivable from it to the node with the given primary address. It returns
// the collisions that were resolved along the way.
func (x *Index) BindObserved(primary, observed addr.MAC) []Conflict {
	var conflicts []Conflict
	for _, mac := range DeriveSet(primary, observed) {
		if c, ok := x.Bind(primary, mac); ok {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// Bind associates a single address with the node owning the given primary
// address. A collision with a different owner is resolved in favour of the
// node with the more recent LastSeen; ties keep the existing binding. The
// returned conflict, if any, tells the caller which node forfeited.
func (x *Index) Bind(primary, mac addr.MAC) (Conflict, bool) {
	owner, bound := x.m[mac]
	if !bound {
		x.m[mac] = primary
		return Conflict{}, false
	}
	if owner == primary {
		return Conflict{}, false
	}

	claimSeen, _ := x.dir.LastSeen(primary)
	ownerSeen, _ := x.dir.LastSeen(owner)

	c := Conflict{Address: mac}
	if claimSeen.After(ownerSeen) {
		c.Winner, c.Loser = primary, owner
		x.m[mac] = primary
	} else {
		c.Winner, c.Loser = owner, primary
	}
	if mac == c.Loser {
		// The loser's claim to its own primary address is gone, the
		// record behind it is stale.
		c.Demoted = true
		x.dir.Demote(c.Loser)
		x.absorb(c.Loser, c.Winner)
	}

	x.alertf("address collision: %s claimed by %s and %s, %s forfeits",
		mac, primary, owner, c.Loser)
	log.SafeInfo(x.logger, "Address collision resolved",
		"address", mac, "winner", c.Winner, "loser", c.Loser,
		"demoted", c.Demoted)
	return c, true
}

// absorb re-points all remaining bindings of a demoted node to the winner,
// so neighbour resolution keeps working for the surviving record.
func (x *Index) absorb(loser, winner addr.MAC) {
	for mac, primary := range x.m {
		if primary == loser {
			x.m[mac] = winner
		}
	}
}

// Unbind revokes a single address binding so the address can be rebound
// when it is observed elsewhere. It returns the previous owner.
func (x *Index) Unbind(mac addr.MAC) (addr.MAC, bool) {
	owner, ok := x.m[mac]
	if ok {
		delete(x.m, mac)
	}
	return owner, ok
}

// Len returns the number of bound addresses.
func (x *Index) Len() int {
	return len(x.m)
}

// Entries returns all bindings ordered by address.
func (x *Index) Entries() []Entry {
	entries := make([]Entry, 0, len(x.m))
	for mac, primary := range x.m {
		entries = append(entries, Entry{Address: mac, Primary: primary})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address.String() < entries[j].Address.String()
	})
	return entries
}

// Alerts returns the warnings collected while resolving collisions.
func (x *Index) Alerts() []string {
	return x.alerts
}

func (x *Index) alertf(format string, args ...any) {
	x.alerts = append(x.alerts, fmt.Sprintf(format, args...))
}
