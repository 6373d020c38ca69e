// internal/data/models.go
package data

import (
	"fmt"
	"strings"
	"time"
)

// RawReading is the canonical reading every ingress adapter produces.
type RawReading struct {
	DeviceID       string    `json:"device_id"`
	SensorID       string    `json:"sensor_id"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Quality        string    `json:"quality,omitempty"`
	BatteryLevel   *float64  `json:"battery_level,omitempty"`
	SignalStrength *float64  `json:"signal_strength,omitempty"`
	Transport      string    `json:"transport,omitempty"` // "mqtt", "http", "socket"
}

// Ref identifies a reading in alerts and audit records.
func (r RawReading) Ref() string {
	return fmt.Sprintf("%s@%s", r.SensorID, r.Timestamp.UTC().Format(time.RFC3339Nano))
}

// Faulty reports whether the device flagged the reading itself as unusable.
func (r RawReading) Faulty() bool {
	switch strings.ToLower(r.Quality) {
	case "bad", "fault", "error":
		return true
	}
	return false
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

func ParseSeverity(v string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(v, name) {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type AlertType string

const (
	AlertLeak      AlertType = "leak"
	AlertBurst     AlertType = "burst"
	AlertPressure  AlertType = "pressure"
	AlertFlow      AlertType = "flow"
	AlertFault     AlertType = "fault"
	AlertCommsLoss AlertType = "comms-loss"

	// AlertAnomaly covers unregistered sensors of no known type.
	AlertAnomaly AlertType = "anomaly"
)

type AlertStatus string

const (
	StatusOpen         AlertStatus = "OPEN"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
)

// Alert - a stateful anomalous condition for one (sensor, type) pair
type Alert struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	SensorID       string      `json:"sensor_id"`
	Type           AlertType   `json:"type"`
	Severity       Severity    `json:"severity"`
	Score          float64     `json:"score"`
	Status         AlertStatus `json:"status"`
	OpenedAt       time.Time   `json:"opened_at"`
	LastUpdatedAt  time.Time   `json:"last_updated_at"`
	CooldownUntil  time.Time   `json:"cooldown_until"`
	TriggerReading string      `json:"trigger_reading"`
	Rationale      string      `json:"rationale,omitempty"`
	RuleIDs        []string    `json:"rule_ids,omitempty"`
	Version        int         `json:"version"`
}

// Open reports whether the alert still deduplicates new events.
func (a *Alert) Open() bool {
	return a.Status == StatusOpen || a.Status == StatusAcknowledged
}

// Clone returns a copy that shares no slices with a.
func (a *Alert) Clone() *Alert {
	c := *a
	if a.RuleIDs != nil {
		c.RuleIDs = append([]string(nil), a.RuleIDs...)
	}
	return &c
}

// AlertEvent is the message pushed to live observers.
type AlertEvent struct {
	AlertID   string      `json:"alert_id"`
	SensorID  string      `json:"sensor_id"`
	Type      AlertType   `json:"type"`
	Severity  Severity    `json:"severity"`
	Score     float64     `json:"score"`
	Status    AlertStatus `json:"status"`
	Version   int         `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewAlertEvent(a *Alert) AlertEvent {
	return AlertEvent{
		AlertID:   a.ID,
		SensorID:  a.SensorID,
		Type:      a.Type,
		Severity:  a.Severity,
		Score:     a.Score,
		Status:    a.Status,
		Version:   a.Version,
		Timestamp: a.LastUpdatedAt,
	}
}

// NotificationJob is handed to the external delivery worker.
type NotificationJob struct {
	AlertID  string     `json:"alert_ref"`
	Channel  string     `json:"channel"`
	Version  int        `json:"version"`
	TenantID string     `json:"tenant_id"`
	Payload  AlertEvent `json:"payload"`
}

// IdempotencyKey is what consumers dedup redelivered jobs on.
func (j NotificationJob) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", j.AlertID, j.Channel, j.Version)
}
