package storage

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Geometry columns hold GeoJSON text; bound columns are stored alongside so
// backends without spatial indexing can still filter by box.

func encodeGeometry(g orb.Geometry) (string, error) {
	b, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode geometry: %w", err)
	}
	return string(b), nil
}

func decodeGeometry(s string) (orb.Geometry, error) {
	var g geojson.Geometry
	if err := json.Unmarshal([]byte(s), &g); err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return g.Geometry(), nil
}

func decodeMultiPolygon(s string) (orb.MultiPolygon, error) {
	g, err := decodeGeometry(s)
	if err != nil {
		return nil, err
	}
	switch t := g.(type) {
	case orb.MultiPolygon:
		return t, nil
	case orb.Polygon:
		return orb.MultiPolygon{t}, nil
	}
	return nil, fmt.Errorf("geometry is %T, want multipolygon", g)
}

func decodePolygon(s string) (orb.Polygon, error) {
	g, err := decodeGeometry(s)
	if err != nil {
		return nil, err
	}
	poly, ok := g.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("geometry is %T, want polygon", g)
	}
	return poly, nil
}

func encodeZones(zones []int) string {
	b, _ := json.Marshal(zones)
	return string(b)
}

func decodeZones(s string) []int {
	if s == "" {
		return nil
	}
	var zones []int
	_ = json.Unmarshal([]byte(s), &zones)
	return zones
}
