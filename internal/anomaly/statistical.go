package anomaly

import (
	"context"
	"fmt"
	"math"

	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/storage"
)

// StatisticalDetector flags values far from the rolling mean.
type StatisticalDetector struct {
	zMax       float64
	minSamples int
	epsilon    float64
}

func NewStatisticalDetector(cfg Config) *StatisticalDetector {
	return &StatisticalDetector{zMax: cfg.ZMax, minSamples: cfg.MinSamples, epsilon: cfg.Epsilon}
}

func (d *StatisticalDetector) Name() string { return NameStatistical }

func (d *StatisticalDetector) Score(_ context.Context, r data.RawReading, snap storage.Snapshot) Result {
	if snap.Count < d.minSamples {
		return Result{Detector: d.Name(), Rationale: "insufficient history"}
	}

	z := (r.Value - snap.Mean) / math.Max(snap.StdDev, d.epsilon)
	return Result{
		Detector:  d.Name(),
		Score:     clamp(math.Abs(z)/d.zMax, 0, 1),
		Signal:    z,
		Rationale: fmt.Sprintf("z=%.2f against mean %.3f stddev %.3f over %d samples", z, snap.Mean, snap.StdDev, snap.Count),
	}
}
