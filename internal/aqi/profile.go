package aqi

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// Measurements holds raw sensor values keyed by field name.
type Measurements map[string]float64

// Field describes one raw sensor value and its physically valid range.
type Field struct {
	Name string
	Unit string
	Min  float64
	Max  float64
}

// Channel is one pollutant contributing to the overall index.
type Channel struct {
	Metric string
	Table  Table
}

// Profile pairs a sensor field schema with the AQI channels computed from it.
// The overall index is the maximum over all channels.
type Profile struct {
	Name     string
	Fields   []Field
	Channels []Channel
}

// Result is the outcome of evaluating one set of measurements.
type Result struct {
	AQI        int            `json:"aqi"`
	Dominant   string         `json:"dominant"`
	SubIndices map[string]int `json:"sub_indices"`
	Category   Category       `json:"category"`
}

// MQ135 is the DHT22 + MQ135 sensor kit: temperature and humidity are
// validated and stored, the gas reading drives the index.
var MQ135 = Profile{
	Name: "mq135",
	Fields: []Field{
		{Name: "temperature", Unit: "°C", Min: -40, Max: 80},
		{Name: "humidity", Unit: "%", Min: 0, Max: 100},
		{Name: "air_quality_ppm", Unit: "ppm", Min: 0, Max: 1000},
	},
	Channels: []Channel{
		{Metric: "air_quality_ppm", Table: MQ135PPM},
	},
}

// Particulate is the PM2.5/PM10 sensor kit.
var Particulate = Profile{
	Name: "particulate",
	Fields: []Field{
		{Name: "pm25", Unit: "µg/m³", Min: 0, Max: 1000},
		{Name: "pm10", Unit: "µg/m³", Min: 0, Max: 2000},
	},
	Channels: []Channel{
		{Metric: "pm25", Table: PM25},
		{Metric: "pm10", Table: PM10},
	},
}

// ErrUnknownProfile is returned by Lookup for an unregistered profile name.
var ErrUnknownProfile = errors.New("unknown sensor profile")

var profiles = map[string]Profile{
	MQ135.Name:       MQ135,
	Particulate.Name: Particulate,
}

// Lookup returns the named profile.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// ProfileNames lists the registered profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldNames returns the profile's field names in schema order.
func (p Profile) FieldNames() []string {
	names := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		names[i] = f.Name
	}
	return names
}

// Normalize returns a copy of m restricted to the profile's fields.
func (p Profile) Normalize(m Measurements) Measurements {
	out := make(Measurements, len(p.Fields))
	for _, f := range p.Fields {
		if v, ok := m[f.Name]; ok {
			out[f.Name] = v
		}
	}
	return out
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string
	Value   float64
	Min     float64
	Max     float64
	Missing bool
	// NotNumber marks a field submitted with a non-numeric value or null.
	NotNumber bool
}

func (e FieldError) String() string {
	switch {
	case e.NotNumber:
		return fmt.Sprintf("%s must be a number", e.Field)
	case e.Missing:
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s must be a finite number between %g and %g, got %g", e.Field, e.Min, e.Max, e.Value)
}

// RangeError lists every field that failed validation.
type RangeError struct {
	Fields []FieldError
}

func (e *RangeError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return "invalid sensor values: " + strings.Join(msgs, "; ")
}

// Messages returns one human readable line per rejected field.
func (e *RangeError) Messages() []string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return msgs
}

// Validate checks that every profile field is present, finite and within its
// range. nonNumeric names submitted fields whose value was not a number; the
// ones outside the profile are ignored. It returns a *RangeError naming all
// offending fields.
func (p Profile) Validate(m Measurements, nonNumeric ...string) error {
	var bad []FieldError
	for _, f := range p.Fields {
		v, ok := m[f.Name]
		switch {
		case slices.Contains(nonNumeric, f.Name):
			bad = append(bad, FieldError{Field: f.Name, Min: f.Min, Max: f.Max, NotNumber: true})
		case !ok:
			bad = append(bad, FieldError{Field: f.Name, Min: f.Min, Max: f.Max, Missing: true})
		case math.IsNaN(v) || math.IsInf(v, 0) || v < f.Min || v > f.Max:
			bad = append(bad, FieldError{Field: f.Name, Value: v, Min: f.Min, Max: f.Max})
		}
	}
	if len(bad) > 0 {
		return &RangeError{Fields: bad}
	}
	return nil
}

// Compute returns the overall index (the maximum channel index) together with
// the metric that produced it and every channel's sub-index. Channels whose
// metric is absent from m are skipped.
func (p Profile) Compute(m Measurements) (int, string, map[string]int) {
	overall, dominant := 0, ""
	subs := make(map[string]int, len(p.Channels))
	for _, ch := range p.Channels {
		v, ok := m[ch.Metric]
		if !ok {
			continue
		}
		idx := Compute(ch.Table, v)
		subs[ch.Metric] = idx
		if dominant == "" || idx > overall {
			overall, dominant = idx, ch.Metric
		}
	}
	return overall, dominant, subs
}

// Evaluate validates m and, only if every field is valid, computes the index
// and its category.
func (p Profile) Evaluate(m Measurements) (Result, error) {
	if err := p.Validate(m); err != nil {
		return Result{}, err
	}
	idx, dominant, subs := p.Compute(m)
	return Result{
		AQI:        idx,
		Dominant:   dominant,
		SubIndices: subs,
		Category:   CategoryFor(idx),
	}, nil
}
