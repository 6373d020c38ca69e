// internal/ingress/ingress.go
package ingress

import (
	"context"
	"errors"

	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/pipeline"
)

// Submitter is the pipeline entry point every adapter feeds.
type Submitter interface {
	Submit(ctx context.Context, r data.RawReading, credential string) error
	RejectMalformed(transport, deviceID string, err error)
}

// Rejection reasons reported back to devices.
const (
	RejectMalformed       = "malformed"
	RejectUnauthenticated = "unauthenticated"
	RejectBackpressure    = "backpressure"
	RejectInternal        = "internal"
)

// Reason maps a submission error onto the reason a device is told.
func Reason(err error) string {
	switch {
	case errors.Is(err, data.ErrMalformedPayload):
		return RejectMalformed
	case errors.Is(err, auth.ErrAuthenticationFailed):
		return RejectUnauthenticated
	case errors.Is(err, pipeline.ErrBackpressure):
		return RejectBackpressure
	default:
		return RejectInternal
	}
}
