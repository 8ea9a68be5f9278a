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

package location

import (
	"fmt"

	"github.com/freifunk-stuttgart/meshmon/monitor/node"
)

// Annotate resolves every node's home segment from its coordinate, with
// the postal code as fallback, and writes Region, ZIP and HomeSegment back
// onto the node. Nodes without recent observations and firmware below the
// segment aware tier are left alone. Returned are the inconsistencies
// between the two evidence sources.
func (r *Resolver) Annotate(nodes []*node.Node) []string {
	var alerts []string
	for _, n := range nodes {
		if n.Status == node.StatusUnknown || n.Gluon < node.GluonSegmentList {
			continue
		}

		var gps, byZip Place
		var gpsOK, zipOK bool
		if n.Position.Valid {
			gps, gpsOK = r.FromPosition(n.Position.Latitude, n.Position.Longitude)
		}
		zip := n.ZIP
		if len(zip) > 5 {
			zip = zip[:5]
		}
		if zip != "" {
			byZip, zipOK = r.FromZIP(zip)
			if !zipOK {
				alerts = append(alerts, fmt.Sprintf(
					"invalid ZIP code: %s (%s) = %q", n.MAC, n.Name, zip))
			}
		}

		place := gps
		switch {
		case !gpsOK && zipOK:
			place = byZip
		case gpsOK && zipOK && gps.Segment != byZip.Segment:
			alerts = append(alerts, fmt.Sprintf(
				"segment mismatch GPS <> ZIP: %s (%s) = %s <> %s",
				n.MAC, n.Name, gps.Segment, byZip.Segment))
		}
		if !gpsOK && !zipOK {
			continue
		}

		// The coordinate derived ZIP corrects a wrong config entry.
		if gpsOK && gps.ZIP != "" {
			if zipOK && zip != gps.ZIP {
				alerts = append(alerts, fmt.Sprintf(
					"ZIP mismatch GPS <> config: %s (%s) = %s <> %s",
					n.MAC, n.Name, gps.ZIP, zip))
			}
			n.ZIP = gps.ZIP
		} else if zipOK {
			n.ZIP = zip
		}
		n.Region = place.Region
		n.HomeSegment = node.SegmentOf(place.Segment)
	}
	return alerts
}
