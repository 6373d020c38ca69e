package audit

import "time"

type Kind string

const (
	KindReading      Kind = "reading"
	KindScore        Kind = "score"
	KindAlert        Kind = "alert"
	KindNotification Kind = "notification"
)

// Reasons are stable codes consumers filter on.
const (
	ReasonAccepted            = "ACCEPTED"
	ReasonScored              = "SCORED"
	ReasonUnauthenticated     = "UNAUTHENTICATED"
	ReasonMalformed           = "MALFORMED"
	ReasonDuplicate           = "DUPLICATE"
	ReasonOutOfOrder          = "OUT_OF_ORDER"
	ReasonBackpressure        = "BACKPRESSURE"
	ReasonAlertPersistFailed  = "ALERT_PERSIST_FAILED"
	ReasonEnqueueDropped      = "NOTIFICATION_ENQUEUE_DROPPED"
	ReasonNotificationQueued  = "NOTIFICATION_ENQUEUED"
	ReasonNotificationFailure = "NOTIFICATION_PUBLISH_FAILED"
)

// Record is one append-only audit entry. Alert decisions use the decision
// name (CREATE, UPDATE, ...) as their reason.
type Record struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Reason   string    `json:"reason"`
	DeviceID string    `json:"device_id,omitempty"`
	SensorID string    `json:"sensor_id,omitempty"`
	AlertID  string    `json:"alert_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Recorder accepts audit records without blocking the caller.
type Recorder interface {
	Record(rec Record)
}

type discard struct{}

func (discard) Record(Record) {}

// Discard drops every record.
var Discard Recorder = discard{}
