package anomaly

import (
	"context"
	"fmt"
	"math"

	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/storage"
)

// Severity table for how far a value sits past its threshold, as a fraction
// of the reference span.
var thresholdTable = []struct {
	upTo  float64
	score float64
}{
	{0.10, 0.6},
	{0.25, 0.8},
	{math.Inf(1), 0.9},
}

func tableScore(excess float64) float64 {
	if excess <= 0 {
		return 0
	}
	for _, row := range thresholdTable {
		if excess <= row.upTo {
			return row.score
		}
	}
	return 0.9
}

// PeerLookup reads another sensor's current state without mutating it.
type PeerLookup func(sensorID string) (storage.Snapshot, bool)

// ThresholdDetector applies the sensor-type specific static limits.
type ThresholdDetector struct {
	epsilon       float64
	leakThreshold float64
	peers         PeerLookup
}

func NewThresholdDetector(cfg Config, peers PeerLookup) *ThresholdDetector {
	return &ThresholdDetector{epsilon: cfg.Epsilon, leakThreshold: cfg.LeakThreshold, peers: peers}
}

func (d *ThresholdDetector) Name() string { return NameThreshold }

type breach struct {
	score  float64
	reason string
}

func (d *ThresholdDetector) Score(_ context.Context, r data.RawReading, snap storage.Snapshot) Result {
	m := snap.Meta
	th := m.Thresholds
	v := r.Value

	var worst breach
	consider := func(b breach) {
		if b.score > worst.score {
			worst = b
		}
	}

	if m.Type == storage.TypeLeak && v >= d.leakThreshold {
		consider(breach{0.9, fmt.Sprintf("leak detector reports %.2f (threshold %.2f)", v, d.leakThreshold)})
	}

	span := d.span(th)
	if th.Floor != nil && v < *th.Floor {
		consider(breach{tableScore((*th.Floor - v) / d.ref(span, *th.Floor)), fmt.Sprintf("%.3f below floor %.3f", v, *th.Floor)})
	}
	if th.Ceiling != nil && v > *th.Ceiling {
		consider(breach{tableScore((v - *th.Ceiling) / d.ref(span, *th.Ceiling)), fmt.Sprintf("%.3f above ceiling %.3f", v, *th.Ceiling)})
	}
	if th.Min != nil && v < *th.Min {
		consider(breach{tableScore((*th.Min - v) / d.ref(span, *th.Min)), fmt.Sprintf("%.3f below min %.3f", v, *th.Min)})
	}
	if th.Max != nil && v > *th.Max {
		consider(breach{tableScore((v - *th.Max) / d.ref(span, *th.Max)), fmt.Sprintf("%.3f above max %.3f", v, *th.Max)})
	}
	// outside the expected band but inside hard limits is never worse than the lowest row
	if th.ExpectedMin != nil && v < *th.ExpectedMin {
		consider(breach{math.Min(tableScore((*th.ExpectedMin-v)/d.ref(span, *th.ExpectedMin)), 0.6), fmt.Sprintf("%.3f below expected %.3f", v, *th.ExpectedMin)})
	}
	if th.ExpectedMax != nil && v > *th.ExpectedMax {
		consider(breach{math.Min(tableScore((v-*th.ExpectedMax)/d.ref(span, *th.ExpectedMax)), 0.6), fmt.Sprintf("%.3f above expected %.3f", v, *th.ExpectedMax)})
	}

	if m.PairSensorID != "" && m.MaxImbalance > 0 && d.peers != nil {
		if peer, ok := d.peers(m.PairSensorID); ok {
			ratio := math.Abs(v-peer.Latest) / math.Max(math.Abs(peer.Latest), d.epsilon)
			if ratio > m.MaxImbalance {
				consider(breach{tableScore((ratio - m.MaxImbalance) / m.MaxImbalance),
					fmt.Sprintf("imbalance %.1f%% against %s (limit %.1f%%)", ratio*100, m.PairSensorID, m.MaxImbalance*100)})
			}
		}
	}

	if worst.score == 0 {
		return Result{Detector: d.Name(), Rationale: "within thresholds"}
	}
	return Result{Detector: d.Name(), Score: worst.score, Rationale: worst.reason}
}

func (d *ThresholdDetector) span(th storage.Thresholds) float64 {
	if th.Min != nil && th.Max != nil && *th.Max > *th.Min {
		return *th.Max - *th.Min
	}
	if th.Floor != nil && th.Ceiling != nil && *th.Ceiling > *th.Floor {
		return *th.Ceiling - *th.Floor
	}
	return 0
}

func (d *ThresholdDetector) ref(span, limit float64) float64 {
	if span > 0 {
		return span
	}
	return math.Max(math.Abs(limit), d.epsilon)
}
