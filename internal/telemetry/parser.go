package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ValidationError marks a payload that cannot become a sample. It is never
// retried; the record is counted and skipped.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Msg)
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Parse decodes a device payload into samples. Devices send either a single
// JSON object or several objects concatenated back to back without a wrapping
// array or separators; both forms are accepted. Field keys are matched
// case-insensitively and numeric fields may arrive as strings or numbers.
//
// Objects decoded before a malformed tail are returned together with the
// error, so a partially garbled payload does not lose its good samples.
func Parse(payload []byte) ([]*Sample, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var samples []*Sample
	for {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return samples, fmt.Errorf("json decode at offset %d: %w", dec.InputOffset(), err)
		}

		s, err := fromObject(raw, payload)
		if err != nil {
			return samples, err
		}
		samples = append(samples, s)
	}

	if len(samples) == 0 {
		return nil, &ValidationError{Field: "payload", Msg: "no JSON object found"}
	}
	return samples, nil
}

// ParseOne decodes a payload that must contain exactly one sample.
func ParseOne(payload []byte) (*Sample, error) {
	samples, err := Parse(payload)
	if err != nil {
		return nil, err
	}
	if len(samples) != 1 {
		return nil, &ValidationError{Field: "payload", Msg: fmt.Sprintf("expected one object, got %d", len(samples))}
	}
	return samples[0], nil
}

func fromObject(raw map[string]any, payload []byte) (*Sample, error) {
	// Lower-case every key once so lookups are case-insensitive.
	m := make(map[string]any, len(raw))
	for k, v := range raw {
		m[strings.ToLower(k)] = v
	}

	s := &Sample{Raw: payload}

	s.DeviceID = stringField(m, "deviceid")
	if s.DeviceID == "" {
		return nil, &ValidationError{Field: "deviceID", Msg: "required"}
	}

	ts := stringField(m, "timestamp")
	if ts == "" {
		return nil, &ValidationError{Field: "timestamp", Msg: "required"}
	}
	// The wall clock is parsed against a fixed zone-less reference; UTC here
	// is a placeholder location, not a conversion.
	recordedAt, err := time.ParseInLocation(TimeLayout, ts, time.UTC)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Msg: fmt.Sprintf("want %q, got %q", TimeLayout, ts)}
	}
	s.RecordedAt = recordedAt

	s.Latitude = floatField(m, "latitude")
	s.Longitude = floatField(m, "longitude")
	s.Speed = floatField(m, "speed")

	s.Course = stringField(m, "course")
	s.Ignition = normalizeIgnition(stringField(m, "ignition"))
	s.VehicleStatus = stringField(m, "vehiclestatus")
	s.Status = strings.ToUpper(stringField(m, "status"))
	s.IMEI = stringField(m, "imei")
	s.SerialNo = stringField(m, "serialno")
	s.GSMStrength = stringField(m, "gsmstrength")

	if v, ok := m["sequencenumber"]; ok {
		if n, ok := int64Value(v); ok {
			s.Sequence = &n
		}
	}
	if v, ok := m["panic"]; ok {
		if b, ok := boolValue(v); ok {
			s.Panic = &b
		}
	}

	s.AdditionalData = stringField(m, "additionaldata")
	s.TimeIntervals = stringField(m, "timeintervals")
	s.DistanceInterval = stringField(m, "distanceinterval")

	return s, nil
}

func normalizeIgnition(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ON":
		return "ON"
	case "OFF":
		return "OFF"
	case "":
		return ""
	default:
		return strings.ToUpper(strings.TrimSpace(v))
	}
}

// Helper functions for tolerant field extraction from map[string]any.

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case string:
			return strings.TrimSpace(s)
		case json.Number:
			return s.String()
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(s)
		}
	}
	return ""
}

func floatField(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return &f
	case float64:
		return &n
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func int64Value(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			// Some firmwares pad sequence numbers with decimals.
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case float64:
		return int64(n), true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func boolValue(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case json.Number:
		i, err := b.Int64()
		if err != nil {
			return false, false
		}
		return i != 0, true
	case float64:
		return b != 0, true
	case string:
		switch strings.TrimSpace(b) {
		case "1":
			return true, true
		case "0":
			return false, true
		case "true", "TRUE", "True":
			return true, true
		case "false", "FALSE", "False":
			return false, true
		}
	}
	return false, false
}
