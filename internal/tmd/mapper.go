package tmd

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tmdsync/internal/weather"
)

// Mapper turns raw feed records into typed records. The per-field policy lives
// in the three accessors below: textual fields default to "", numeric fields
// to nil, timestamps to the ingestion instant. A record is never rejected for
// a bad field.
type Mapper struct {
	log *slog.Logger
	now func() time.Time
}

func NewMapper(log *slog.Logger) *Mapper {
	return &Mapper{log: log, now: time.Now}
}

func (m *Mapper) Station(raw map[string]any) weather.Station {
	return weather.Station{
		ID:       m.text(raw, "StationId"),
		WMOCode:  m.text(raw, "WmoCode"),
		NameThai: m.text(raw, "StationNameThai"),
		NameEng:  m.text(raw, "StationNameEng"),
		Lat:      m.number(raw, "Latitude"),
		Lon:      m.number(raw, "Longitude"),
		Province: m.text(raw, "Province"),
		Region:   m.text(raw, "Region"),

		MSLHeight:         m.number(raw, "HeightAboveMSL"),
		WindVaneHeight:    m.number(raw, "HeightOfWindVane"),
		BarometerHeight:   m.number(raw, "HeightOfBarometer"),
		ThermometerHeight: m.number(raw, "HeightOfThermometer"),
	}
}

func (m *Mapper) Observation(raw map[string]any) weather.Observation {
	return weather.Observation{
		StationID:  m.text(raw, "StationId"),
		WMOCode:    m.text(raw, "WmoCode"),
		ObservedAt: m.timestamp(raw, "ObservedTimestamp"),

		Temperature:   m.number(raw, "Temperature"),
		TempMin:       m.number(raw, "MinTemperature"),
		TempMax:       m.number(raw, "MaxTemperature"),
		Humidity:      m.number(raw, "Humidity"),
		Pressure:      m.number(raw, "Pressure"),
		WindSpeed:     m.number(raw, "WindSpeed"),
		WindDirection: m.number(raw, "WindDirection"),
		Rainfall:      m.number(raw, "Rainfall"),
	}
}

func (m *Mapper) text(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		// Some feeds ship identifiers as bare numbers.
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		m.log.Warn("unusable text field", "field", key, "value", v)
		return ""
	}
}

func (m *Mapper) number(raw map[string]any, key string) *float64 {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f
		}
	}
	m.log.Warn("failed to coerce numeric field", "field", key, "value", v)
	return nil
}

const naiveLayout = "2006-01-02T15:04:05"

func (m *Mapper) timestamp(raw map[string]any, key string) time.Time {
	s, _ := raw[key].(string)
	s = strings.TrimSpace(s)
	if s == "" {
		return m.now()
	}

	// The feed marks UTC with a literal "Z"; normalize to an explicit offset.
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	if t, err := time.Parse(naiveLayout+"-07:00", s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(naiveLayout, s, time.UTC); err == nil {
		return t
	}

	// Unparseable timestamps take the ingestion time so the reading is kept.
	// This trades away visibility of feed quality problems for completeness.
	m.log.Warn("failed to parse timestamp, using ingestion time", "field", key, "value", s)
	return m.now()
}
