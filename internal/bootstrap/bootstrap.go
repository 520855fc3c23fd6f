// Package bootstrap loads the startup reference data: suburb polygons,
// airports and per-aircraft fuel figures. Everything is projected into
// the storage CRS before it is upserted.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/geom"
	"aireyes/internal/storage"
)

// Loader runs the reference data load against the store.
type Loader struct {
	store storage.Store
	cfg   config.Config
}

// New builds a loader.
func New(store storage.Store, cfg config.Config) *Loader {
	return &Loader{store: store, cfg: cfg}
}

// Run loads every configured reference file. Missing files are skipped
// with a log line; a deployment may legitimately run without them.
func (l *Loader) Run(ctx context.Context) error {
	if dir := l.cfg.Bootstrap.SuburbGeoJSONDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := l.LoadSuburbs(ctx, dir); err != nil {
				return fmt.Errorf("load suburbs: %w", err)
			}
		} else {
			log.Printf("bootstrap: no suburb directory at %s", dir)
		}
	}
	if path := l.cfg.Bootstrap.AirportsJSON; path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := l.LoadAirports(ctx, path); err != nil {
				return fmt.Errorf("load airports: %w", err)
			}
		} else {
			log.Printf("bootstrap: no airports file at %s", path)
		}
	}
	if path := l.cfg.Bootstrap.FuelFiguresJSON; path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := l.LoadFuelFigures(ctx, path); err != nil {
				return fmt.Errorf("load fuel figures: %w", err)
			}
		} else {
			log.Printf("bootstrap: no fuel figures file at %s", path)
		}
	}
	return nil
}

// LoadSuburbs reads one GeoJSON FeatureCollection per state from the
// directory, projects the polygons, stamps UTM zones and links
// neighbouring suburbs.
func (l *Loader) LoadSuburbs(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var loaded []*entity.Suburb
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") && !strings.HasSuffix(e.Name(), ".geojson") {
			continue
		}
		subs, err := l.loadSuburbFile(ctx, filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		loaded = append(loaded, subs...)
	}
	log.Printf("bootstrap: loaded %d suburbs", len(loaded))

	return l.linkNeighbours(ctx, loaded)
}

func (l *Loader) loadSuburbFile(ctx context.Context, path string) ([]*entity.Suburb, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}

	// The file name doubles as the state when the features omit one.
	fileState := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".geojson"), ".json")

	var out []*entity.Suburb
	for _, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		if name == "" {
			continue
		}
		state := f.Properties.MustString("state", fileState)
		postcode := f.Properties.MustString("postcode", "")

		mp, ok := asMultiPolygon(f.Geometry)
		if !ok {
			log.Printf("bootstrap: suburb %s has %T geometry, skipped", name, f.Geometry)
			continue
		}
		if len(mp) == 0 || len(mp[0]) == 0 || len(mp[0][0]) == 0 {
			log.Printf("bootstrap: suburb %s has empty geometry, skipped", name)
			continue
		}

		projected, err := projectMultiPolygon(mp, geom.EPSG4326, l.cfg.Geo.ProjectedEPSG)
		if err != nil {
			return nil, fmt.Errorf("project suburb %s: %w", name, err)
		}
		zones, err := geom.ZonesForMultiPolygon(projected, l.cfg.Geo.ProjectedEPSG)
		if err != nil {
			return nil, fmt.Errorf("zone suburb %s: %w", name, err)
		}

		sub := &entity.Suburb{
			Hash:     entity.SuburbHash(name, postcode, state, entity.CoordString(mp[0][0][0][0])),
			Name:     name,
			Postcode: postcode,
			State:    state,
			Geometry: projected,
			CRS:      l.cfg.Geo.ProjectedEPSG,
			UTMZones: zones,
		}
		if err := l.store.UpsertSuburb(ctx, sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// linkNeighbours records the symmetric touch relation between loaded
// suburbs, bound-prefiltered through the spatial index.
func (l *Loader) linkNeighbours(ctx context.Context, subs []*entity.Suburb) error {
	if len(subs) < 2 {
		return nil
	}
	items := make([]*geom.Item, len(subs))
	for i, s := range subs {
		items[i] = &geom.Item{ID: s.Hash, Geometry: s.Geometry, Data: s}
	}
	index := geom.NewIndex(items)

	linked := 0
	for _, s := range subs {
		for _, it := range index.InBound(s.Geometry.Bound()) {
			other := it.Data.(*entity.Suburb)
			if other.Hash <= s.Hash {
				continue
			}
			if !geom.MultiPolygonIntersects(s.Geometry, other.Geometry) {
				continue
			}
			if err := l.store.AddSuburbNeighbour(ctx, s.Hash, other.Hash); err != nil {
				return err
			}
			linked++
		}
	}
	log.Printf("bootstrap: linked %d suburb neighbour pairs", linked)
	return nil
}

// airportRecord is one entry of the airports reference file. Coordinates
// use the "-33.0000(S)" rendering: a decimal degree value tagged with its
// hemisphere.
type airportRecord struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Lat  string `json:"lat"`
	Lon  string `json:"lon"`
}

// LoadAirports reads the airports file, buffers each point into its
// polygon in the projected CRS and upserts it.
func (l *Loader) LoadAirports(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var records []airportRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse airports: %w", err)
	}

	for _, rec := range records {
		lat, err := parseHemisphereCoord(rec.Lat)
		if err != nil {
			return fmt.Errorf("airport %s lat: %w", rec.Name, err)
		}
		lon, err := parseHemisphereCoord(rec.Lon)
		if err != nil {
			return fmt.Errorf("airport %s lon: %w", rec.Name, err)
		}

		center, err := geom.Transform(orb.Point{lon, lat}, geom.EPSG4326, l.cfg.Geo.ProjectedEPSG)
		if err != nil {
			return fmt.Errorf("project airport %s: %w", rec.Name, err)
		}
		poly := geom.BufferPoint(center, l.cfg.Geo.AirportRadiusMeters, 32)
		zones, err := geom.ZonesForPolygon(poly, l.cfg.Geo.ProjectedEPSG)
		if err != nil {
			return fmt.Errorf("zone airport %s: %w", rec.Name, err)
		}

		airport := &entity.Airport{
			Hash:     entity.AirportHash(rec.Name, lat, lon),
			Name:     rec.Name,
			Code:     rec.Code,
			Lat:      lat,
			Lon:      lon,
			Polygon:  poly,
			CRS:      l.cfg.Geo.ProjectedEPSG,
			UTMZones: zones,
		}
		if err := l.store.UpsertAirport(ctx, airport); err != nil {
			return err
		}
	}
	log.Printf("bootstrap: loaded %d airports", len(records))
	return nil
}

// parseHemisphereCoord parses "-33.0000(S)" style coordinates. The
// hemisphere tag wins over the sign of the numeric part.
func parseHemisphereCoord(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	hemisphere := ""
	if i := strings.IndexByte(s, '('); i >= 0 {
		if !strings.HasSuffix(s, ")") {
			return 0, fmt.Errorf("malformed coordinate %q", raw)
		}
		hemisphere = strings.ToUpper(s[i+1 : len(s)-1])
		s = s[:i]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", raw, err)
	}
	switch hemisphere {
	case "S", "W":
		if v > 0 {
			v = -v
		}
	case "N", "E", "":
	default:
		return 0, fmt.Errorf("coordinate %q: unknown hemisphere %q", raw, hemisphere)
	}
	return v, nil
}

// LoadFuelFigures reads the per-aircraft fuel reference file, keyed by
// ICAO address, and applies the figures to existing aircraft rows.
func (l *Loader) LoadFuelFigures(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var figures map[string]*entity.FuelFigures
	if err := json.Unmarshal(data, &figures); err != nil {
		return fmt.Errorf("parse fuel figures: %w", err)
	}

	applied := 0
	for icao, fuel := range figures {
		icao = strings.ToLower(strings.TrimSpace(icao))
		if err := l.store.UpdateFuelFigures(ctx, icao, fuel); err != nil {
			return fmt.Errorf("fuel figures for %s: %w", icao, err)
		}
		applied++
	}
	log.Printf("bootstrap: applied fuel figures for %d aircraft", applied)
	return nil
}

func asMultiPolygon(g orb.Geometry) (orb.MultiPolygon, bool) {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}, true
	case orb.MultiPolygon:
		return v, true
	default:
		return nil, false
	}
}

func projectMultiPolygon(mp orb.MultiPolygon, from, to int) (orb.MultiPolygon, error) {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			out[i][j] = make(orb.Ring, len(ring))
			for k, pt := range ring {
				p, err := geom.Transform(pt, from, to)
				if err != nil {
					return nil, err
				}
				out[i][j][k] = p
			}
		}
	}
	return out, nil
}
