// internal/anomaly/detector.go
package anomaly

import (
	"context"
	"errors"
	"time"

	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/storage"
)

var ErrDetectorTimeout = errors.New("detector timed out")

const (
	NameStatistical = "statistical_outlier"
	NameRate        = "rate_of_change"
	NameThreshold   = "domain_threshold"
	NameML          = "ml_batch_scorer"
)

type Config struct {
	ZMax          float64  `mapstructure:"z_max"`
	RateMax       float64  `mapstructure:"rate_max"`
	MinSamples    int      `mapstructure:"min_samples"`
	Epsilon       float64  `mapstructure:"epsilon"`
	LeakThreshold float64  `mapstructure:"leak_threshold"`
	ML            MLConfig `mapstructure:"ml"`
}

type MLConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		ZMax:          3.5,
		RateMax:       0.5,
		MinSamples:    10,
		Epsilon:       1e-6,
		LeakThreshold: 1,
		ML:            MLConfig{Timeout: 200 * time.Millisecond},
	}
}

// Result is one detector's verdict on one reading.
type Result struct {
	Detector  string  `json:"detector"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
	// Signal is the signed raw measure behind the score (z, delta ratio, ...).
	Signal   float64 `json:"signal,omitempty"`
	Excluded bool    `json:"excluded,omitempty"`
}

// Detector scores a reading against the sensor's baseline.
type Detector interface {
	Name() string
	Score(ctx context.Context, r data.RawReading, snap storage.Snapshot) Result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
