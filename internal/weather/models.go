package weather

import "time"

// Station is one TMD measuring site, keyed by its TMD station id. WMOCode is a
// secondary natural key some observation feeds reference instead of the id.
type Station struct {
	ID       string
	WMOCode  string
	NameThai string
	NameEng  string
	Lat      *float64
	Lon      *float64
	Province string
	Region   string

	// Instrument heights in meters, nil when the feed omits them.
	MSLHeight         *float64
	WindVaneHeight    *float64
	BarometerHeight   *float64
	ThermometerHeight *float64
}

// Observation is a single reading for one station at one instant. StationID
// and WMOCode carry the raw natural keys from the feed; the owning station is
// resolved against the stored directory before insert.
type Observation struct {
	StationID  string
	WMOCode    string
	ObservedAt time.Time

	Temperature   *float64
	TempMin       *float64
	TempMax       *float64
	Humidity      *float64
	Pressure      *float64
	WindSpeed     *float64
	WindDirection *float64
	Rainfall      *float64
}
