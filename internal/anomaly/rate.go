package anomaly

import (
	"context"
	"fmt"
	"math"

	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/storage"
)

// RateDetector flags sudden jumps relative to the previous value.
type RateDetector struct {
	rateMax float64
	epsilon float64
}

func NewRateDetector(cfg Config) *RateDetector {
	return &RateDetector{rateMax: cfg.RateMax, epsilon: cfg.Epsilon}
}

func (d *RateDetector) Name() string { return NameRate }

func (d *RateDetector) Score(_ context.Context, r data.RawReading, snap storage.Snapshot) Result {
	if !snap.HasLast {
		return Result{Detector: d.Name(), Rationale: "no previous value"}
	}

	delta := r.Value - snap.LastValue
	ratio := math.Abs(delta) / math.Max(math.Abs(snap.LastValue), d.epsilon)
	signed := ratio
	if delta < 0 {
		signed = -ratio
	}

	return Result{
		Detector:  d.Name(),
		Score:     clamp(ratio/d.rateMax, 0, 1),
		Signal:    signed,
		Rationale: fmt.Sprintf("changed %.1f%% from %.3f to %.3f", signed*100, snap.LastValue, r.Value),
	}
}
