// internal/core/models.go
package core

import (
	"time"

	"github.com/akshad-exe/AirSense/internal/aqi"
	"gorm.io/datatypes"
)

// DeviceStatus is the liveness state of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// Device represents a registered sensor node.
type Device struct {
	DeviceID  string       `json:"device_id" gorm:"primaryKey;size:100"`
	APIKey    string       `json:"-" gorm:"uniqueIndex;size:128;not null"`
	Location  *string      `json:"location,omitempty" gorm:"size:200"`
	Status    DeviceStatus `json:"status" gorm:"index;size:16;not null;default:offline"`
	LastSeen  *time.Time   `json:"last_seen"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Reading is one accepted sensor submission. AQI and level are derived from
// the measurements at write time and never change afterwards.
type Reading struct {
	ID              uint64                              `json:"id" gorm:"primaryKey;autoIncrement"`
	DeviceID        string                              `json:"device_id" gorm:"size:100;not null;index;index:idx_readings_device_time,priority:1"`
	Measurements    datatypes.JSONType[aqi.Measurements] `json:"measurements" gorm:"not null"`
	AQI             int                                 `json:"aqi" gorm:"index;not null"`
	AirQualityLevel string                              `json:"air_quality_level" gorm:"size:32;not null"`
	Timestamp       time.Time                           `json:"timestamp" gorm:"index;index:idx_readings_device_time,priority:2;not null"`
}

// TableName overrides for GORM
func (Device) TableName() string  { return "devices" }
func (Reading) TableName() string { return "readings" }

// Values returns the raw measurements.
func (r *Reading) Values() aqi.Measurements {
	return r.Measurements.Data()
}

// ReadingFilter selects a page of readings. Zero values mean "no constraint"
// for DeviceID, Start and End.
type ReadingFilter struct {
	DeviceID string
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

// ReadingPage is one page of a history query.
type ReadingPage struct {
	Readings []*Reading `json:"readings"`
	Total    int64      `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// Page returns the 1-based page number of the page.
func (p *ReadingPage) Page() int {
	if p.Limit <= 0 {
		return 1
	}
	return p.Offset/p.Limit + 1
}

// ReadingStatistics aggregates a device's readings over a trailing window.
type ReadingStatistics struct {
	DeviceID       string             `json:"device_id"`
	Window         string             `json:"window"`
	Since          time.Time          `json:"since"`
	Count          int64              `json:"count"`
	AvgAQI         *float64           `json:"avg_aqi"`
	MinAQI         *int               `json:"min_aqi"`
	MaxAQI         *int               `json:"max_aqi"`
	MetricAverages map[string]float64 `json:"metric_averages"`
}

// EventType names the kinds of live update events.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventReadingUpdate EventType = "reading-update"
	EventDeviceStatus  EventType = "device-status"
)

// Event is the envelope delivered to live subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadingUpdate is the payload of a reading-update event.
type ReadingUpdate struct {
	DeviceID        string           `json:"device_id"`
	Measurements    aqi.Measurements `json:"measurements"`
	AQI             int              `json:"aqi"`
	AirQualityLevel string           `json:"air_quality_level"`
	Timestamp       time.Time        `json:"timestamp"`
}

// DeviceStatusUpdate is the payload of a device-status event.
type DeviceStatusUpdate struct {
	DeviceID string       `json:"device_id"`
	Status   DeviceStatus `json:"status"`
}

// NewReadingUpdate builds the broadcast event for a stored reading.
func NewReadingUpdate(r *Reading) Event {
	return Event{
		Type: EventReadingUpdate,
		Data: ReadingUpdate{
			DeviceID:        r.DeviceID,
			Measurements:    r.Values(),
			AQI:             r.AQI,
			AirQualityLevel: r.AirQualityLevel,
			Timestamp:       r.Timestamp,
		},
		Timestamp: time.Now().UTC(),
	}
}
