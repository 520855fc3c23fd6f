// Package api serves the master's HTTP surface: the loopback worker
// protocol (authentication, point submission, trace assignments,
// lifecycle signals) and the public query endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"aireyes/internal/config"
	"aireyes/internal/coord"
	"aireyes/internal/entity"
	"aireyes/internal/events"
	"aireyes/internal/geom"
	"aireyes/internal/ingest"
	"aireyes/internal/storage"
	"aireyes/internal/tracker"
)

// workerUserAgent is the UA fragment every worker must present.
const workerUserAgent = "aireyes/slave"

// workerIDHeader carries the session id issued at authentication.
const workerIDHeader = "WorkerUniqueId"

type contextKey string

const workerKey contextKey = "worker"

// Server is the master HTTP server.
type Server struct {
	cfg    config.Config
	store  storage.Store
	ingest *ingest.Ingestor
	coord  *coord.Coordinator
	track  *tracker.Tracker
	mirror *storage.ClickHouseMirror
	pub    events.Publisher

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wires the server. mirror and pub may be nil.
func New(cfg config.Config, store storage.Store, in *ingest.Ingestor,
	co *coord.Coordinator, tr *tracker.Tracker, mirror *storage.ClickHouseMirror,
	pub events.Publisher) *Server {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		ingest:   in,
		coord:    co,
		track:    tr,
		mirror:   mirror,
		pub:      pub,
		limiters: map[string]*rate.Limiter{},
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(s.cfg.Workers.RequestTimeout))

	r.Route("/api/worker", func(r chi.Router) {
		r.Use(s.workerGate)

		r.Post("/authenticate", s.handleAuthenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.workerSession)
			r.Get("/master", s.handleMaster)
			r.Get("/targets", s.handleTargets)
			r.Post("/aircraft", s.handleSubmitAircraft)
			r.Post("/aircraft/{icao}/timeout", s.handleAircraftTimeout)
			r.Post("/trace", s.handleTrace)
			r.Post("/update/{signal}", s.handleUpdateSignal)
			r.Post("/error", s.handleWorkerError)
		})
	})

	r.Get("/api/suburbs", s.handleSuburbs)
	r.Get("/api/aircraft", s.handleAircraftSummaries)
	r.Get("/api/aircraft/{icao}/activity", s.handleAircraftActivity)
	r.Get("/api/totals", s.handleFleetTotals)

	return r
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.Router()}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf("api: listening on %s", s.cfg.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// workerGate hides the worker surface from anything that is not a local
// worker process: wrong origin or agent gets an opaque 404.
func (s *Server) workerGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r) || !strings.Contains(r.UserAgent(), workerUserAgent) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// workerSession resolves the WorkerUniqueId header to a registered worker
// and applies its rate limit.
func (s *Server) workerSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(workerIDHeader)
		if id == "" {
			writeError(w, http.StatusForbidden, "missing worker id")
			return
		}
		worker, err := s.store.GetWorkerByUniqueID(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusForbidden, "unknown worker id")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !s.limiter(id).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		ctx := context.WithValue(r.Context(), workerKey, worker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limiter(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.Workers.RequestsPerSecond), s.cfg.Workers.RequestBurst)
		s.limiters[id] = l
	}
	return l
}

func sessionWorker(r *http.Request) *entity.Worker {
	w, _ := r.Context().Value(workerKey).(*entity.Worker)
	return w
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ---- worker protocol ----

type authenticateRequest struct {
	WorkerName     string `json:"workerName"`
	WorkerUniqueID string `json:"workerUniqueId"`
}

// handleAuthenticate binds a worker's presented unique id to its registered
// name. The body is a plain OK; the worker keeps sending the same id in the
// WorkerUniqueId header.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.coord.Authenticate(r.Context(), req.WorkerName, req.WorkerUniqueID); err != nil {
		if errors.Is(err, coord.ErrUnknownWorker) {
			writeError(w, http.StatusForbidden, "unknown worker")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"master": true,
		"name":   "aireyes-master",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type target struct {
	Icao        string `json:"icao"`
	Name        string `json:"name"`
	AirportCode string `json:"airportCode"`
}

// handleTargets serves the watch list as a bare array.
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	aircraft, err := s.store.ListAircraft(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	targets := make([]target, 0, len(aircraft))
	for _, a := range aircraft {
		targets = append(targets, target{Icao: a.Icao, Name: a.FlightName, AirportCode: a.AirportCode})
	}
	writeJSON(w, http.StatusOK, targets)
}

// wirePoint is one sample as submitted by a worker. Coordinates are
// geographic; the master projects them into the storage CRS. Altitude is
// an optional integer where 0 means on the ground. A missing date is
// derived from the timestamp in UTC.
type wirePoint struct {
	FlightPointHash string   `json:"flightPointHash"`
	AircraftIcao    string   `json:"AircraftIcao"`
	Date            string   `json:"date,omitempty"`
	Timestamp       float64  `json:"timestamp"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	Altitude        *int     `json:"altitude"`
	GroundSpeed     *float64 `json:"groundSpeed"`
	Rotation        *float64 `json:"rotation"`
	VerticalRate    *float64 `json:"verticalRate"`
	IsOnGround      bool     `json:"isOnGround"`
	IsAscending     bool     `json:"isAscending"`
	IsDescending    bool     `json:"isDescending"`
	DataSource      string   `json:"dataSource"`
}

type wireAircraft struct {
	Icao          string      `json:"icao"`
	Type          string      `json:"type"`
	FlightName    string      `json:"flightName"`
	Registration  string      `json:"registration"`
	Description   string      `json:"description"`
	Year          int         `json:"year"`
	OwnerOperator string      `json:"ownerOperator"`
	Image         string      `json:"image,omitempty"`
	AirportCode   string      `json:"airportCode,omitempty"`
	FlightPoints  []wirePoint `json:"FlightPoints"`
}

// decodeAircraftBatch accepts either one aircraft object or an array of
// them; the single form is normalised into a one-element batch.
func decodeAircraftBatch(body []byte) ([]wireAircraft, error) {
	var one wireAircraft
	if err := json.Unmarshal(body, &one); err == nil {
		return []wireAircraft{one}, nil
	}
	var many []wireAircraft
	if err := json.Unmarshal(body, &many); err != nil {
		return nil, err
	}
	return many, nil
}

// handleSubmitAircraft ingests one or more aircraft with their attached
// flight points. The response maps each icao to the receipts for its
// points.
func (s *Server) handleSubmitAircraft(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	batch, err := decodeAircraftBatch(body)
	if err != nil {
		s.captureMalformed("schema-validation-fail", body)
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	out := make(map[string][]ingest.Receipt, len(batch))
	for _, wa := range batch {
		if wa.Icao == "" {
			writeError(w, http.StatusBadRequest, "aircraft icao is required")
			return
		}
		aircraft := s.toAircraft(wa)
		points := make([]*entity.FlightPoint, 0, len(wa.FlightPoints))
		for _, wp := range wa.FlightPoints {
			p, err := s.toPoint(aircraft.Icao, wp)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			points = append(points, p)
		}

		receipts, err := s.ingest.SubmitPartial(r.Context(), aircraft, points)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if receipts == nil {
			receipts = []ingest.Receipt{}
		}
		out[aircraft.Icao] = receipts

		if len(points) > 0 {
			st, _ := s.track.Observe(aircraft, points[len(points)-1])
			s.pub.AircraftSummary(st.Icao, st.FlightName, st.SuburbName, st.Airborne())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) toAircraft(wa wireAircraft) *entity.Aircraft {
	a := entity.NewAircraft(wa.Icao)
	a.Type = wa.Type
	a.FlightName = wa.FlightName
	a.Registration = wa.Registration
	a.Description = wa.Description
	a.Year = wa.Year
	a.OwnerOperator = wa.OwnerOperator
	a.ImageURL = wa.Image
	if wa.AirportCode != "" {
		a.AirportCode = wa.AirportCode
	}
	return &a
}

// toPoint projects a wire sample into the storage CRS. A client-supplied
// hash is kept verbatim; otherwise the hash is computed over the wire
// coordinates, so a resubmission of the same sample always collides with
// its stored copy.
func (s *Server) toPoint(icao string, wp wirePoint) (*entity.FlightPoint, error) {
	var alt entity.Altitude
	if wp.Altitude != nil {
		alt = entity.AltitudeFeet(*wp.Altitude)
	}

	day := entity.DayFromTimestamp(wp.Timestamp)
	if wp.Date != "" {
		d, err := entity.ParseDate(wp.Date)
		if err != nil {
			return nil, fmt.Errorf("point at %v: %w", wp.Timestamp, err)
		}
		day = d
	}

	var lonStr, latStr string
	p := &entity.FlightPoint{
		AircraftIcao:      icao,
		Timestamp:         wp.Timestamp,
		DayDate:           day,
		Altitude:          alt,
		GroundSpeedKn:     wp.GroundSpeed,
		TrackDeg:          wp.Rotation,
		VerticalRateFtMin: wp.VerticalRate,
		DataSource:        wp.DataSource,
		IsOnGround:        wp.IsOnGround,
		IsAscending:       wp.IsAscending,
		IsDescending:      wp.IsDescending,
	}
	if wp.Latitude != nil && wp.Longitude != nil {
		lonStr = entity.CoordString(*wp.Longitude)
		latStr = entity.CoordString(*wp.Latitude)
		projected, err := geom.Transform(orb.Point{*wp.Longitude, *wp.Latitude}, geom.EPSG4326, s.cfg.Geo.ProjectedEPSG)
		if err != nil {
			return nil, fmt.Errorf("project point at %v: %w", wp.Timestamp, err)
		}
		p.Position = &projected
		p.CRS = s.cfg.Geo.ProjectedEPSG
		p.UTMZone = geom.UTMZoneEPSG(*wp.Longitude, *wp.Latitude)
	}
	p.Hash = wp.FlightPointHash
	if p.Hash == "" {
		p.Hash = entity.PointHash(icao, wp.Timestamp, lonStr, latStr, alt)
	}
	return p, nil
}

type timeoutRequest struct {
	AircraftIcao                 string  `json:"aircraftIcao"`
	LastBinaryUpdate             float64 `json:"lastBinaryUpdate"`
	CurrentConfigAircraftTimeout float64 `json:"currentConfigAircraftTimeout"`
	TimeOfReport                 float64 `json:"timeOfReport"`
}

type timeoutResponse struct {
	Determination string `json:"determination"`
}

// handleAircraftTimeout decides what a tracker should do about an aircraft
// that vanished from its feed. Silence shorter than the reporter's own
// timeout is "hold"; past that it is "landing" when the latest flight
// already carries arrival details, otherwise "hold".
func (s *Server) handleAircraftTimeout(w http.ResponseWriter, r *http.Request) {
	icao := strings.ToLower(chi.URLParam(r, "icao"))
	var req timeoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AircraftIcao != "" && strings.ToLower(req.AircraftIcao) != icao {
		writeError(w, http.StatusBadRequest, "aircraft icao does not match the path")
		return
	}
	if req.CurrentConfigAircraftTimeout > 0 &&
		req.TimeOfReport-req.LastBinaryUpdate < req.CurrentConfigAircraftTimeout {
		writeJSON(w, http.StatusOK, timeoutResponse{Determination: "hold"})
		return
	}

	determination := "hold"
	latest, err := s.store.LatestFlight(r.Context(), icao)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if latest != nil && latest.HasArrivalDetails {
		determination = "landing"
	}
	writeJSON(w, http.StatusOK, timeoutResponse{Determination: determination})
}

// traceRequest reports the outcome of a back-fill assignment. Day names
// the traced date; the aircraft carries the recovered points, or none
// when the day was genuinely empty and intentionallyEmpty says so.
type traceRequest struct {
	Day                string        `json:"day"`
	Aircraft           *wireAircraft `json:"aircraft"`
	IntentionallyEmpty bool          `json:"intentionallyEmpty"`
}

type traceResponse struct {
	Command               string            `json:"command"`
	Receipts              []ingest.Receipt  `json:"receipts"`
	RequestedTraceHistory *coord.Assignment `json:"requestedTraceHistory,omitempty"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	worker := sessionWorker(r)
	var req traceRequest
	if !s.decode(w, r, &req) {
		return
	}

	receipts := []ingest.Receipt{}
	if req.Day != "" {
		if req.Aircraft == nil || req.Aircraft.Icao == "" {
			writeError(w, http.StatusBadRequest, "trace day without an aircraft")
			return
		}
		date, err := entity.ParseDate(req.Day)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trace day")
			return
		}
		icao := strings.ToLower(req.Aircraft.Icao)

		if len(req.Aircraft.FlightPoints) > 0 {
			aircraft := s.toAircraft(*req.Aircraft)
			points := make([]*entity.FlightPoint, 0, len(req.Aircraft.FlightPoints))
			for _, wp := range req.Aircraft.FlightPoints {
				p, err := s.toPoint(aircraft.Icao, wp)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				points = append(points, p)
			}
			if receipts, err = s.ingest.SubmitPartial(r.Context(), aircraft, points); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if receipts == nil {
				receipts = []ingest.Receipt{}
			}
		} else if !req.IntentionallyEmpty {
			writeError(w, http.StatusBadRequest, "empty trace not marked intentionally empty")
			return
		}

		if err := s.coord.CompleteTraceHistory(r.Context(), worker, icao, date); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// The freshly verified day is immediately revisable.
		if _, err := s.ingest.ReviseDay(r.Context(), icao, date, false); err != nil {
			if !errors.Is(err, ingest.ErrNoFlightsAssimilated) && !errors.Is(err, ingest.ErrDayNotRevisable) {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			log.Printf("api: revision of %s %s: %v", icao, req.Day, err)
		}
	}

	assignment, err := s.coord.AssignTraceHistoryWork(r.Context(), worker)
	if errors.Is(err, coord.ErrNoAssignableWork) {
		writeJSON(w, http.StatusOK, traceResponse{Command: "shutdown", Receipts: receipts})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, traceResponse{
		Command:               "trawl",
		Receipts:              receipts,
		RequestedTraceHistory: assignment,
	})
}

func (s *Server) handleUpdateSignal(w http.ResponseWriter, r *http.Request) {
	worker := sessionWorker(r)
	signal := chi.URLParam(r, "signal")
	if err := s.coord.Signal(r.Context(), worker, signal); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkerError(w http.ResponseWriter, r *http.Request) {
	worker := sessionWorker(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !json.Valid(body) {
		s.captureMalformed("worker-error", body)
		writeError(w, http.StatusBadRequest, "error report must be JSON")
		return
	}
	if err := s.coord.ReportError(r.Context(), worker, string(body)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ---- query surface ----

// handleSuburbs serves suburb polygons intersecting a bbox as GeoJSON,
// with per-suburb point counts for the requested aircraft.
func (s *Server) handleSuburbs(w http.ResponseWriter, r *http.Request) {
	// Geographic requests only; the projection happens server side.
	if srs := r.URL.Query().Get("srsname"); srs != "" && srs != "EPSG:4326" {
		writeError(w, http.StatusBadRequest, "unsupported srsname "+srs)
		return
	}
	bound, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The bbox arrives geographic; stored bounds are projected.
	min, err := geom.Transform(bound.Min, geom.EPSG4326, s.cfg.Geo.ProjectedEPSG)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	max, err := geom.Transform(bound.Max, geom.EPSG4326, s.cfg.Geo.ProjectedEPSG)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	suburbs, err := s.store.SuburbsInBound(r.Context(), orb.Bound{Min: min, Max: max})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var counts map[string]int
	if icaos := r.URL.Query().Get("aircraft"); icaos != "" {
		counts, err = s.suburbCounts(r.Context(), strings.Split(icaos, ","))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	fc := geojson.NewFeatureCollection()
	for _, sub := range suburbs {
		f := geojson.NewFeature(sub.Geometry)
		f.Properties = geojson.Properties{
			"name":       sub.Name,
			"postcode":   sub.Postcode,
			"state":      sub.State,
			"num_points": counts[sub.Hash],
		}
		fc.Append(f)
	}
	writeJSON(w, http.StatusOK, fc)
}

// suburbCounts prefers the analytics mirror; without one the counts come
// from the primary store.
func (s *Server) suburbCounts(ctx context.Context, icaos []string) (map[string]int, error) {
	if s.mirror == nil {
		return s.store.SuburbPointCounts(ctx, icaos)
	}
	activity, err := s.mirror.SuburbActivity(ctx, icaos)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(activity))
	for hash, n := range activity {
		counts[hash] = int(n)
	}
	return counts, nil
}

// handleAircraftActivity serves per-day point counts for one aircraft from
// the analytics mirror.
func (s *Server) handleAircraftActivity(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeError(w, http.StatusNotFound, "analytics mirror not configured")
		return
	}
	icao := strings.ToLower(chi.URLParam(r, "icao"))
	days, err := s.mirror.DailyActivity(r.Context(), icao)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"icao": icao, "days": days})
}

func (s *Server) handleAircraftSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.AircraftSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aircraft": summaries})
}

func (s *Server) handleFleetTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.store.FleetTotals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// ---- helpers ----

// decode parses a JSON request body. A malformed payload is captured to
// the errors directory for later inspection and rejected with 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.captureMalformed("schema-validation-fail", body)
		writeError(w, http.StatusBadRequest, "malformed payload")
		return false
	}
	return true
}

// captureMalformed writes a rejected payload to the errors directory.
func (s *Server) captureMalformed(kind string, body []byte) {
	if s.cfg.ErrorsDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.ErrorsDir, 0o755); err != nil {
		log.Printf("api: errors dir: %v", err)
		return
	}
	name := fmt.Sprintf("%s-%s-%s.json",
		kind, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(s.cfg.ErrorsDir, name), body, 0o644); err != nil {
		log.Printf("api: capture payload: %v", err)
	}
}

func parseBBox(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox wants minLon,minLat,maxLon,maxLat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox component %d: %w", i, err)
		}
		vals[i] = v
	}
	return orb.Bound{
		Min: orb.Point{vals[0], vals[1]},
		Max: orb.Point{vals[2], vals[3]},
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
