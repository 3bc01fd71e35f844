// Package preserve holds the boundary polygons of the open-space preserves
// and answers which of them an activity track passes through.
//
// The index is immutable after load, so lookups are safe from any number of
// goroutines without locking.
package preserve

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	polyline "github.com/twpayne/go-polyline"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
)

//go:embed data/preserves.geojson
var defaultDataset []byte

// Preserve is one open-space preserve with its boundary geometry.
type Preserve struct {
	Name string
	URL  string

	geometry orb.Geometry
	bound    orb.Bound
}

// Index answers polyline-vs-preserve intersection queries.
type Index struct {
	preserves []Preserve
}

// Load builds the index from the bundled boundary dataset.
func Load() (*Index, error) {
	return LoadFromJSON(defaultDataset)
}

// LoadFromJSON builds the index from GeoJSON. Features without a url
// property are closed to the public and skipped; geometries other than
// Polygon and MultiPolygon are rejected.
func LoadFromJSON(data []byte) (*Index, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.Geometry, "parse preserve GeoJSON", err)
	}

	var preserves []Preserve
	for _, feature := range fc.Features {
		name, _ := feature.Properties["name"].(string)
		if name == "" {
			name = "Unknown"
		}
		url, _ := feature.Properties["url"].(string)
		if url == "" {
			continue
		}

		switch feature.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, apperr.Newf(apperr.Geometry,
				"preserve %q: unsupported geometry type %T", name, feature.Geometry)
		}

		preserves = append(preserves, Preserve{
			Name:     name,
			URL:      url,
			geometry: feature.Geometry,
			bound:    feature.Geometry.Bound(),
		})
	}

	slog.Info("Loaded preserves", "component", "preserve", "count", len(preserves))
	return &Index{preserves: preserves}, nil
}

// Preserves returns the loaded preserves.
func (ix *Index) Preserves() []Preserve {
	return ix.preserves
}

// Match returns the names of all preserves the line intersects, in dataset
// order. A track that only touches a boundary still counts as a visit.
func (ix *Index) Match(line orb.LineString) []string {
	names := []string{}
	if len(line) == 0 {
		return names
	}
	lineBound := line.Bound()
	for _, p := range ix.preserves {
		if !p.bound.Intersects(lineBound) {
			continue
		}
		if geometryIntersectsLine(p.geometry, line) {
			names = append(names, p.Name)
		}
	}
	return names
}

// MatchPolyline decodes a Google encoded polyline (precision 5, Strava's
// format) and matches it.
func (ix *Index) MatchPolyline(encoded string) ([]string, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, apperr.Wrap(apperr.Geometry, "decode polyline", err)
	}

	// Polyline coordinates are (lat, lng); orb points are (lon, lat).
	line := make(orb.LineString, len(coords))
	for i, c := range coords {
		line[i] = orb.Point{c[1], c[0]}
	}
	return ix.Match(line), nil
}

func geometryIntersectsLine(g orb.Geometry, line orb.LineString) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return polygonIntersectsLine(geom, line)
	case orb.MultiPolygon:
		for _, poly := range geom {
			if polygonIntersectsLine(poly, line) {
				return true
			}
		}
	}
	return false
}

// polygonIntersectsLine reports whether any vertex of the line lies inside
// the polygon or any line segment crosses a ring edge. The edge test covers
// tracks that clip a corner without placing a vertex inside.
func polygonIntersectsLine(poly orb.Polygon, line orb.LineString) bool {
	for _, pt := range line {
		if planar.PolygonContains(poly, pt) {
			return true
		}
	}
	if len(line) < 2 {
		return false
	}
	for i := 0; i < len(line)-1; i++ {
		a, b := line[i], line[i+1]
		for _, ring := range poly {
			for j := 0; j < len(ring)-1; j++ {
				if segmentsIntersect(a, b, ring[j], ring[j+1]) {
					return true
				}
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments ab and cd share any point.
// Collinear overlap and endpoint touches count as intersections.
func segmentsIntersect(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	switch {
	case d1 == 0 && onSegment(c, d, a):
		return true
	case d2 == 0 && onSegment(c, d, b):
		return true
	case d3 == 0 && onSegment(a, b, c):
		return true
	case d4 == 0 && onSegment(a, b, d):
		return true
	}
	return false
}

// cross returns the z component of (b-a) x (p-a).
func cross(a, b, p orb.Point) float64 {
	return (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
}

// onSegment reports whether p, already known collinear with ab, lies within
// the segment's bounding box.
func onSegment(a, b, p orb.Point) bool {
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}

// String implements fmt.Stringer for log readability.
func (p Preserve) String() string {
	return fmt.Sprintf("Preserve(%s)", p.Name)
}
