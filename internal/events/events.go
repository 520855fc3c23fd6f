// Package events fans realtime updates out over NATS. Subscribers are
// frontends and dashboards; delivery is fire-and-forget.
package events

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"aireyes/internal/config"
	"aireyes/internal/entity"
)

// Subjects published by the master.
const (
	SubjectAircraftUpdate  = "aireyes.aircraft.update"
	SubjectAircraftSummary = "aireyes.aircraft.summary"
	SubjectFlightLanded    = "aireyes.aircraft.landed"
	SubjectWorkerPrefix    = "aireyes.worker."
)

// Publisher is the realtime event sink. A disabled deployment gets the
// no-op implementation.
type Publisher interface {
	AircraftUpdated(icao string, point *entity.FlightPoint)
	AircraftSummary(icao, flightName, suburbName string, airborne bool)
	FlightLanded(flight *entity.Flight)
	WorkerEvent(event string, payload any)
	Close()
}

// New connects to NATS when events are enabled, otherwise returns the
// no-op publisher.
func New(cfg config.EventsConfig) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("aireyes-master"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &natsPublisher{nc: nc}, nil
}

type natsPublisher struct {
	nc *nats.Conn
}

func (p *natsPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: marshal %s: %v", subject, err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		log.Printf("events: publish %s: %v", subject, err)
	}
}

type aircraftUpdate struct {
	Icao      string   `json:"icao"`
	Timestamp float64  `json:"timestamp"`
	Lon       *float64 `json:"lon,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Altitude  string   `json:"altitude"`
	OnGround  bool     `json:"onGround"`
}

func (p *natsPublisher) AircraftUpdated(icao string, point *entity.FlightPoint) {
	upd := aircraftUpdate{
		Icao:      icao,
		Timestamp: point.Timestamp,
		Altitude:  point.Altitude.String(),
		OnGround:  point.Grounded(),
	}
	if point.HasPosition() {
		upd.Lon, upd.Lat = &point.Position[0], &point.Position[1]
	}
	p.publish(SubjectAircraftUpdate, upd)
}

type aircraftSummary struct {
	Icao       string `json:"icao"`
	FlightName string `json:"flightName,omitempty"`
	SuburbName string `json:"suburbName,omitempty"`
	Airborne   bool   `json:"airborne"`
}

func (p *natsPublisher) AircraftSummary(icao, flightName, suburbName string, airborne bool) {
	p.publish(SubjectAircraftSummary, aircraftSummary{
		Icao:       icao,
		FlightName: flightName,
		SuburbName: suburbName,
		Airborne:   airborne,
	})
}

type flightLanded struct {
	FlightHash     string   `json:"flightHash"`
	Icao           string   `json:"icao"`
	LandingAirport string   `json:"landingAirport,omitempty"`
	TaxiOnly       bool     `json:"taxiOnly"`
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
	TotalMinutes   *int     `json:"totalMinutes,omitempty"`
}

func (p *natsPublisher) FlightLanded(f *entity.Flight) {
	p.publish(SubjectFlightLanded, flightLanded{
		FlightHash:     f.Hash,
		Icao:           f.AircraftIcao,
		LandingAirport: f.LandingAirportHash,
		TaxiOnly:       f.TaxiOnly,
		DistanceMeters: f.DistanceMeters,
		TotalMinutes:   f.TotalMinutes,
	})
}

func (p *natsPublisher) WorkerEvent(event string, payload any) {
	p.publish(SubjectWorkerPrefix+event, payload)
}

func (p *natsPublisher) Close() {
	p.nc.Drain()
}

// Nop discards every event.
type Nop struct{}

func (Nop) AircraftUpdated(string, *entity.FlightPoint) {}
func (Nop) AircraftSummary(string, string, string, bool) {}
func (Nop) FlightLanded(*entity.Flight)                 {}
func (Nop) WorkerEvent(string, any)                     {}
func (Nop) Close()                                      {}
