package entity

import "strings"

// Aircraft is a tracked airframe identified by its 6-hex ICAO address.
// Attributes are immutable except for the fuel figures, which are refreshed
// from the fuel reference file.
type Aircraft struct {
	Icao          string
	Type          string
	FlightName    string
	Registration  string
	Description   string
	Year          int
	OwnerOperator string
	ImageURL      string
	AirportCode   string
	TopSpeedKn    float64

	// Timezone overrides the deployment statistics timezone when set.
	Timezone string

	Fuel *FuelFigures
}

// FuelFigures holds the per-type fuel reference data used for fuel and CO2
// statistics.
type FuelFigures struct {
	FuelType       string  `json:"fuelType"`
	GalPerHour     float64 `json:"gallonsPerHour"`
	CapacityGal    float64 `json:"capacityGallons"`
	RangeNm        float64 `json:"rangeNauticalMiles"`
	EnduranceHours float64 `json:"enduranceHours"`
	PassengerLoad  int     `json:"passengerLoad"`
	// CO2PerGram is kilograms of CO2 emitted per gram of fuel burned.
	CO2PerGram float64 `json:"co2PerGram"`
}

// NewAircraft normalises a wire aircraft record: the ICAO address is
// lowercased and a missing airport code is derived from the ICAO suffix.
func NewAircraft(icao string) Aircraft {
	a := Aircraft{Icao: strings.ToLower(strings.TrimSpace(icao))}
	a.AirportCode = DeriveAirportCode(a.Icao)
	return a
}

// DeriveAirportCode infers a short home-base code from the trailing two hex
// digits of the ICAO address. Explicit codes from the wire always win; this
// only fills the gap when the feed omits one.
func DeriveAirportCode(icao string) string {
	if len(icao) < 2 {
		return ""
	}
	return strings.ToUpper(icao[len(icao)-2:])
}

// HasFuelData reports whether fuel statistics can be computed for the
// aircraft.
func (a *Aircraft) HasFuelData() bool {
	return a.Fuel != nil && a.Fuel.GalPerHour > 0
}
