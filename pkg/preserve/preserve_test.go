package preserve

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	polyline "github.com/twpayne/go-polyline"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
)

// Unit square at the origin plus a two-part preserve further east, and one
// closed preserve that must be skipped at load.
const fixtureJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"name": "Square", "url": "https://example.org/square"},
      "geometry": {
        "type": "Polygon",
        "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]
      }
    },
    {
      "type": "Feature",
      "properties": {"name": "Twins", "url": "https://example.org/twins"},
      "geometry": {
        "type": "MultiPolygon",
        "coordinates": [
          [[[10,0],[11,0],[11,1],[10,1],[10,0]]],
          [[[13,0],[14,0],[14,1],[13,1],[13,0]]]
        ]
      }
    },
    {
      "type": "Feature",
      "properties": {"name": "Closed", "url": ""},
      "geometry": {
        "type": "Polygon",
        "coordinates": [[[20,0],[21,0],[21,1],[20,1],[20,0]]]
      }
    }
  ]
}`

func fixtureIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := LoadFromJSON([]byte(fixtureJSON))
	require.NoError(t, err)
	return ix
}

func TestLoad_BundledDataset(t *testing.T) {
	ix, err := Load()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, p := range ix.Preserves() {
		names[p.Name] = true
		assert.NotEmpty(t, p.URL)
	}
	assert.True(t, names["Rancho San Antonio"])
	assert.True(t, names["Sierra Azul"])
	assert.False(t, names["Miramontes Ridge"], "preserves closed to the public are not indexed")
}

func TestLoadFromJSON_SkipsClosedPreserves(t *testing.T) {
	ix := fixtureIndex(t)
	require.Len(t, ix.Preserves(), 2)
	assert.Equal(t, "Square", ix.Preserves()[0].Name)
	assert.Equal(t, "Twins", ix.Preserves()[1].Name)
}

func TestLoadFromJSON_RejectsUnsupportedGeometry(t *testing.T) {
	bad := `{
	  "type": "FeatureCollection",
	  "features": [{
	    "type": "Feature",
	    "properties": {"name": "Dot", "url": "https://example.org/dot"},
	    "geometry": {"type": "Point", "coordinates": [0, 0]}
	  }]
	}`
	_, err := LoadFromJSON([]byte(bad))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Geometry))
	assert.Contains(t, err.Error(), "Dot")
}

func TestLoadFromJSON_InvalidJSON(t *testing.T) {
	_, err := LoadFromJSON([]byte("not geojson"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Geometry))
}

func TestMatch_VertexInside(t *testing.T) {
	ix := fixtureIndex(t)
	line := orb.LineString{{0.5, 0.5}, {0.6, 0.6}}
	assert.Equal(t, []string{"Square"}, ix.Match(line))
}

func TestMatch_CrossingWithoutInteriorVertex(t *testing.T) {
	ix := fixtureIndex(t)
	// Both endpoints outside; the segment cuts straight through.
	line := orb.LineString{{-0.5, 0.5}, {1.5, 0.5}}
	assert.Equal(t, []string{"Square"}, ix.Match(line))
}

func TestMatch_BoundaryTouchCounts(t *testing.T) {
	ix := fixtureIndex(t)
	// The track ends exactly on the square's corner.
	line := orb.LineString{{-1, -1}, {0, 0}}
	assert.Equal(t, []string{"Square"}, ix.Match(line))
}

func TestMatch_EdgeGrazeCounts(t *testing.T) {
	ix := fixtureIndex(t)
	// Runs along the bottom edge without entering the interior.
	line := orb.LineString{{-0.5, 0}, {1.5, 0}}
	assert.Equal(t, []string{"Square"}, ix.Match(line))
}

func TestMatch_NearMissIsNoMatch(t *testing.T) {
	ix := fixtureIndex(t)
	line := orb.LineString{{-0.5, 1.1}, {1.5, 1.1}}
	assert.Empty(t, ix.Match(line))
}

func TestMatch_EmptyLine(t *testing.T) {
	ix := fixtureIndex(t)
	assert.Empty(t, ix.Match(orb.LineString{}))
}

func TestMatch_MultiPolygonSecondPart(t *testing.T) {
	ix := fixtureIndex(t)
	line := orb.LineString{{13.5, 0.5}, {13.6, 0.5}}
	assert.Equal(t, []string{"Twins"}, ix.Match(line))
}

func TestMatch_MultiplePreservesDatasetOrder(t *testing.T) {
	ix := fixtureIndex(t)
	line := orb.LineString{{0.5, 0.5}, {10.5, 0.5}}
	assert.Equal(t, []string{"Square", "Twins"}, ix.Match(line))
}

func TestMatch_Deterministic(t *testing.T) {
	ix := fixtureIndex(t)
	line := orb.LineString{{0.5, 0.5}, {10.5, 0.5}}
	assert.Equal(t, ix.Match(line), ix.Match(line))
}

func TestMatchPolyline(t *testing.T) {
	ix := fixtureIndex(t)
	// Encoded coordinates are (lat, lng) pairs through the square's interior.
	encoded := polyline.EncodeCoords([][]float64{{0.5, 0.5}, {0.6, 0.6}})

	names, err := ix.MatchPolyline(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, []string{"Square"}, names)
}

func TestMatchPolyline_Invalid(t *testing.T) {
	ix := fixtureIndex(t)
	_, err := ix.MatchPolyline("\x01")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Geometry))
}
