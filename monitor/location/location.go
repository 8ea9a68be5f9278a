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

// Package location maps node coordinates and postal codes to regions and
// their home segments. The data comes from two places: the key repository
// checkout carries per-segment region and ZIP area polygons
// ("vpnNN/regions/*.json", "vpnNN/zip-areas/NNNNN_*.json"), a local
// database directory carries the ZIP position and grid tables.
package location

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/freifunk-stuttgart/meshmon/pkg/addr"
	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

const (
	// zip2posName maps ZIP codes to coordinates (OpenGeoDB).
	zip2posName = "ZipLocations.json"
	// zipGridName partitions the covered area into grid fields listing
	// the ZIP areas that touch each field.
	zipGridName = "ZipGrid.json"
	// region2zipName lists the ZIP codes of the polygon-backed regions.
	region2zipName = "Region2ZIP.json"

	// minZipAreas is the sanity floor below which the repository's ZIP
	// area set is considered broken.
	minZipAreas = 10

	// validAreaMargin widens the bounding box of all region polygons when
	// judging whether a coordinate is plausible at all.
	validAreaMargin = 0.1
)

var zipPattern = regexp.MustCompile(`^[0-9]{5}$`)

// Place is a resolved location.
type Place struct {
	ZIP     string
	Region  string
	Segment addr.Segment
}

type zipArea struct {
	fileName string
	area     string
	segment  addr.Segment
}

type region struct {
	polygons []orb.Polygon
	segment  addr.Segment
	// zipBacked regions are resolved through the ZIP tables; their
	// polygons are not matched directly.
	zipBacked bool
}

// looseFloat appears both quoted and bare in the grid metadata.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseFloat(string(bytes.Trim(b, `"`)), 64)
	if err != nil {
		return err
	}
	*f = looseFloat(v)
	return nil
}

type grid struct {
	LonMin    looseFloat `json:"lon_min"`
	LonMax    looseFloat `json:"lon_max"`
	LatMin    looseFloat `json:"lat_min"`
	LatMax    looseFloat `json:"lat_max"`
	LonFields looseFloat `json:"lon_fields"`
	LatFields looseFloat `json:"lat_fields"`

	lonScale float64
	latScale float64
}

// Resolver answers location queries from the loaded tables.
type Resolver struct {
	logger log.Logger

	zipPos   map[string]orb.Point
	zipAreas map[string]zipArea
	fields   map[string][]string
	grid     grid
	regions  map[string]region
	// validArea bounds all known region polygons plus a margin.
	validArea orb.Bound
}

// Load reads the location tables. databaseDir holds the ZIP tables,
// repoDir is the key repository checkout with the polygon files.
func Load(databaseDir, repoDir string, logger log.Logger) (*Resolver, error) {
	r := &Resolver{logger: logger}
	if err := r.loadZipPositions(databaseDir); err != nil {
		return nil, err
	}
	if err := r.loadZipAreas(repoDir); err != nil {
		return nil, err
	}
	if err := r.loadZipGrid(databaseDir); err != nil {
		return nil, err
	}
	if err := r.loadRegions(databaseDir, repoDir); err != nil {
		return nil, err
	}
	log.SafeInfo(logger, "Location data loaded",
		"zips", len(r.zipAreas), "regions", len(r.regions))
	return r, nil
}

func (r *Resolver) loadZipPositions(databaseDir string) error {
	raw, err := os.ReadFile(filepath.Join(databaseDir, zip2posName))
	if err != nil {
		return serrors.Wrap("reading ZIP positions", err)
	}
	var table map[string][2]float64
	if err := json.Unmarshal(raw, &table); err != nil {
		return serrors.Wrap("decoding ZIP positions", err)
	}
	r.zipPos = make(map[string]orb.Point, len(table))
	for zip, pos := range table {
		r.zipPos[zip] = orb.Point{pos[0], pos[1]}
	}
	return nil
}

func (r *Resolver) loadZipAreas(repoDir string) error {
	files, err := filepath.Glob(
		filepath.Join(repoDir, "vpn*", "zip-areas", "?????_*.json"))
	if err != nil {
		return serrors.Wrap("globbing ZIP areas", err)
	}
	r.zipAreas = make(map[string]zipArea, len(files))
	for _, fileName := range files {
		base := filepath.Base(fileName)
		zip := base[:5]
		if !zipPattern.MatchString(zip) {
			continue
		}
		segDir := filepath.Base(filepath.Dir(filepath.Dir(fileName)))
		seg, err := addr.ParseSegment(segDir)
		if err != nil {
			continue
		}
		r.zipAreas[zip] = zipArea{
			fileName: fileName,
			area:     base[:len(base)-len(".json")],
			segment:  seg,
		}
		if _, ok := r.zipPos[zip]; !ok {
			log.SafeInfo(r.logger, "ZIP area without position", "zip", zip)
		}
	}
	if len(r.zipAreas) < minZipAreas {
		return serrors.New("implausibly few ZIP areas", "count", len(r.zipAreas))
	}
	return nil
}

func (r *Resolver) loadZipGrid(databaseDir string) error {
	raw, err := os.ReadFile(filepath.Join(databaseDir, zipGridName))
	if err != nil {
		return serrors.Wrap("reading ZIP grid", err)
	}
	var file struct {
		Meta   grid                `json:"Meta"`
		Fields map[string][]string `json:"Fields"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return serrors.Wrap("decoding ZIP grid", err)
	}
	g := file.Meta
	if g.LonFields == 0 || g.LatFields == 0 || g.LonMax <= g.LonMin ||
		g.LatMax <= g.LatMin {

		return serrors.New("degenerate ZIP grid")
	}
	g.lonScale = float64(g.LonFields) / float64(g.LonMax-g.LonMin)
	g.latScale = float64(g.LatFields) / float64(g.LatMax-g.LatMin)
	r.grid = g
	r.fields = file.Fields
	for _, zips := range file.Fields {
		for _, zip := range zips {
			if _, ok := r.zipAreas[zip]; !ok {
				log.SafeInfo(r.logger, "Unknown ZIP in grid", "zip", zip)
			}
		}
	}
	return nil
}

func (r *Resolver) loadRegions(databaseDir, repoDir string) error {
	files, err := filepath.Glob(filepath.Join(repoDir, "vpn*", "regions", "*.json"))
	if err != nil {
		return serrors.Wrap("globbing regions", err)
	}
	r.regions = make(map[string]region, len(files))
	bound := orb.Bound{Min: orb.Point{180, 90}, Max: orb.Point{-180, -90}}
	for _, fileName := range files {
		base := filepath.Base(fileName)
		name := base[:len(base)-len(".json")]
		segDir := filepath.Base(filepath.Dir(filepath.Dir(fileName)))
		seg, err := addr.ParseSegment(segDir)
		if err != nil {
			continue
		}
		polygons, err := loadPolygons(fileName)
		if err != nil {
			log.SafeInfo(r.logger, "Unusable region polygon",
				"file", fileName, "err", err)
			continue
		}
		for _, p := range polygons {
			bound = bound.Union(p.Bound())
		}
		r.regions[name] = region{polygons: polygons, segment: seg}
	}
	if len(r.regions) == 0 {
		return serrors.New("no region polygons")
	}
	r.validArea = orb.Bound{
		Min: orb.Point{bound.Min[0] - validAreaMargin, bound.Min[1] - validAreaMargin},
		Max: orb.Point{bound.Max[0] + validAreaMargin, bound.Max[1] + validAreaMargin},
	}

	raw, err := os.ReadFile(filepath.Join(databaseDir, region2zipName))
	if err != nil {
		return serrors.Wrap("reading region ZIP table", err)
	}
	var region2zip map[string][]json.Number
	if err := json.Unmarshal(raw, &region2zip); err != nil {
		return serrors.Wrap("decoding region ZIP table", err)
	}
	for name, zips := range region2zip {
		reg, ok := r.regions[name]
		if !ok {
			return serrors.New("region without polygon data", "region", name)
		}
		reg.zipBacked = true
		r.regions[name] = reg
		for _, zipNum := range zips {
			zip := zipNum.String()
			area, ok := r.zipAreas[zip]
			if !ok {
				log.SafeInfo(r.logger, "Unknown ZIP in region table",
					"region", name, "zip", zip)
				continue
			}
			if area.segment != reg.segment {
				return serrors.New("region and ZIP area disagree on segment",
					"region", name, "region_segment", reg.segment,
					"zip", zip, "zip_segment", area.segment)
			}
		}
	}
	return nil
}

// loadPolygons reads one polygon file. Both bare geometries and geometry
// collections occur in the repository.
func loadPolygons(fileName string) ([]orb.Polygon, error) {
	raw, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	geom, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	polygons := collectPolygons(geom.Geometry())
	if len(polygons) == 0 {
		return nil, serrors.New("no polygons in file")
	}
	return polygons, nil
}

func collectPolygons(g orb.Geometry) []orb.Polygon {
	switch g := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{g}
	case orb.MultiPolygon:
		return []orb.Polygon(g)
	case orb.Collection:
		var polygons []orb.Polygon
		for _, sub := range g {
			polygons = append(polygons, collectPolygons(sub)...)
		}
		return polygons
	}
	return nil
}

// FromPosition resolves a coordinate. Swapped latitude/longitude and a
// missing decimal separator, both common in node configs, are repaired
// before matching.
func (r *Resolver) FromPosition(lat, lon float64) (Place, bool) {
	if lat < lon {
		lat, lon = lon, lat
	}
	for lat > 90 {
		lat /= 10
	}
	for lon > 70 {
		lon /= 10
	}
	point := orb.Point{lon, lat}

	if zip, ok := r.zipFromPoint(point); ok {
		area := r.zipAreas[zip]
		return Place{ZIP: zip, Region: area.area, Segment: area.segment}, true
	}
	if !r.validArea.Contains(point) {
		return Place{}, false
	}
	for name, reg := range r.regions {
		if reg.zipBacked {
			continue
		}
		matches := 0
		for _, p := range reg.polygons {
			if planar.PolygonContains(p, point) {
				matches++
			}
		}
		if matches == 1 {
			return Place{Region: name, Segment: reg.segment}, true
		}
	}
	return Place{}, false
}

// FromZIP resolves a postal code, through its area polygon when the
// repository carries one, through its coordinate otherwise.
func (r *Resolver) FromZIP(zip string) (Place, bool) {
	if !zipPattern.MatchString(zip) {
		return Place{}, false
	}
	if area, ok := r.zipAreas[zip]; ok {
		return Place{ZIP: zip, Region: area.area, Segment: area.segment}, true
	}
	pos, ok := r.zipPos[zip]
	if !ok {
		return Place{}, false
	}
	place, ok := r.FromPosition(pos[1], pos[0])
	if !ok {
		return Place{}, false
	}
	if place.ZIP != "" && place.ZIP != zip {
		log.SafeInfo(r.logger, "Inconsistent ZIP data",
			"zip", zip, "resolved", place.ZIP)
	}
	place.ZIP = zip
	return place, true
}

// zipFromPoint finds the ZIP area containing the point via the grid. A
// point inside several rings of one area is ambiguous and rejected.
func (r *Resolver) zipFromPoint(point orb.Point) (string, bool) {
	x := int((point[0] - float64(r.grid.LonMin)) * r.grid.lonScale)
	y := int((point[1] - float64(r.grid.LatMin)) * r.grid.latScale)
	if x < 0 || x >= int(r.grid.LonFields) || y < 0 || y >= int(r.grid.LatFields) {
		return "", false
	}
	field := strconv.Itoa(y*int(r.grid.LonFields) + x)
	for _, zip := range r.fields[field] {
		area, ok := r.zipAreas[zip]
		if !ok {
			continue
		}
		polygons, err := loadPolygons(area.fileName)
		if err != nil {
			log.SafeInfo(r.logger, "Unusable ZIP area polygon",
				"file", area.fileName, "err", err)
			continue
		}
		matches := 0
		for _, p := range polygons {
			if planar.PolygonContains(p, point) {
				matches++
			}
		}
		if matches == 1 {
			return zip, true
		}
	}
	return "", false
}
