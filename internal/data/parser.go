// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedPayload = errors.New("malformed payload")

// ParseError describes why a payload could not become a RawReading.
type ParseError struct {
	Transport string
	Reason    string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s payload: %s: %v", e.Transport, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s payload: %s", e.Transport, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrMalformedPayload }

// Payload is the structured body shared by every transport.
type Payload struct {
	DeviceID       string          `json:"device_id"`
	SensorID       string          `json:"sensor_id,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	Value          *float64        `json:"value"`
	Unit           string          `json:"unit,omitempty"`
	Quality        string          `json:"quality,omitempty"`
	BatteryLevel   *float64        `json:"battery_level,omitempty"`
	SignalStrength *float64        `json:"signal_strength,omitempty"`
	Credential     string          `json:"credential,omitempty"`
}

// Meta is what the transport knows about a payload besides its bytes.
type Meta struct {
	Transport  string
	DeviceID   string // from the topic or connection, may be empty
	ReceivedAt time.Time
}

// Parse decodes one payload. The returned credential is whatever the payload
// carried; transports with their own credential channel ignore it.
func Parse(raw []byte, meta Meta) (RawReading, string, error) {
	var p Payload

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: "empty body"}
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: "invalid json", Err: err}
	}

	deviceID := strings.TrimSpace(p.DeviceID)
	switch {
	case deviceID == "" && meta.DeviceID == "":
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: "device_id missing"}
	case deviceID == "":
		deviceID = meta.DeviceID
	case meta.DeviceID != "" && deviceID != meta.DeviceID:
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: fmt.Sprintf("device_id %q does not match %q", deviceID, meta.DeviceID)}
	}

	if p.Value == nil {
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: "value missing"}
	}
	if math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: "value is not finite"}
	}

	received := meta.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	ts, err := parseTimestamp(p.Timestamp, received)
	if err != nil {
		return RawReading{}, "", &ParseError{Transport: meta.Transport, Reason: "bad timestamp", Err: err}
	}

	sensorID := strings.TrimSpace(p.SensorID)
	if sensorID == "" {
		sensorID = deviceID
	}

	return RawReading{
		DeviceID:       deviceID,
		SensorID:       sensorID,
		Value:          *p.Value,
		Unit:           p.Unit,
		Timestamp:      ts,
		Quality:        p.Quality,
		BatteryLevel:   p.BatteryLevel,
		SignalStrength: p.SignalStrength,
		Transport:      meta.Transport,
	}, p.Credential, nil
}

// parseTimestamp accepts RFC3339 strings and unix seconds or milliseconds.
func parseTimestamp(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback.UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return fallback.UTC(), nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(n)
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	return fromUnix(n)
}

// maxUnixMilli is 9999-12-31T23:59:59.999Z.
const maxUnixMilli = 253402300799999

func fromUnix(n float64) (time.Time, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 || n > maxUnixMilli {
		return time.Time{}, fmt.Errorf("unix timestamp %v out of range", n)
	}
	// values past year 2286 in seconds are assumed to be milliseconds
	if n > 1e10 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
