package telemetry

import "time"

// TimeLayout is the wall-clock layout devices embed in payloads. The value is
// local to the device and is carried verbatim end to end; nothing in the
// pipeline converts it to UTC or any other zone.
const TimeLayout = "2006-01-02 15:04:05"

// Live/history markers carried in the payload "status" field.
const (
	StatusLive    = "N1"
	StatusHistory = "N2"
)

// OwnerRefs holds the optional owner ids copied from the vehicle record onto
// every sample at ingest so downstream queries and topic routing never join.
type OwnerRefs struct {
	DealerID     *int64
	AdminID      *int64
	ClientID     *int64
	UserID       *int64
	SuperadminID *int64
}

// Sample is one normalized device position record.
type Sample struct {
	DeviceID   string
	RecordedAt time.Time // device wall clock, zone-less

	Latitude  *float64
	Longitude *float64
	Speed     *float64 // km/h

	Course        string
	Ignition      string // "ON" | "OFF" | ""
	VehicleStatus string
	Status        string // StatusLive | StatusHistory | other
	IMEI          string
	SerialNo      string
	GSMStrength   string

	Sequence *int64
	Panic    *bool

	AdditionalData   string
	TimeIntervals    string
	DistanceInterval string

	Owners OwnerRefs

	// Raw is the original payload slice this sample was decoded from.
	Raw []byte
}

// TimestampString renders the wall-clock timestamp in the wire layout.
func (s *Sample) TimestampString() string {
	return s.RecordedAt.Format(TimeLayout)
}

// IsLive reports whether the sample carries the live marker.
func (s *Sample) IsLive() bool {
	return s.Status == StatusLive
}

// HasCoordinates reports whether both latitude and longitude are present.
func (s *Sample) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// PanicSet reports whether the panic flag is present and raised.
func (s *Sample) PanicSet() bool {
	return s.Panic != nil && *s.Panic
}
