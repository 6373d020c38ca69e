package anomaly

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/storage"
)

// CombinedScore is the single verdict for a reading. Score is the maximum of
// the non-excluded detector scores; one strong signal is never averaged away.
type CombinedScore struct {
	ReadingRef   string   `json:"reading_ref"`
	Score        float64  `json:"score"`
	Detector     string   `json:"detector"`
	Rationale    string   `json:"rationale"`
	Signal       float64  `json:"signal"`
	Contributing []Result `json:"contributing"`
	Degraded     []string `json:"degraded,omitempty"`
}

// Engine runs every registered detector against a reading.
type Engine struct {
	detectors []Detector
	logger    zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

func (e *Engine) RegisterDetector(d Detector) {
	e.detectors = append(e.detectors, d)
	e.logger.Info().Str("detector", d.Name()).Msg("Registered detector")
}

func (e *Engine) RegisteredDetectors() []string {
	names := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		names[i] = d.Name()
	}
	return names
}

func (e *Engine) Run(ctx context.Context, r data.RawReading, snap storage.Snapshot) CombinedScore {
	results := make([]Result, 0, len(e.detectors))
	for _, d := range e.detectors {
		results = append(results, d.Score(ctx, r, snap))
	}

	combined := Combine(results)
	combined.ReadingRef = r.Ref()

	if len(combined.Degraded) > 0 {
		e.logger.Warn().Str("sensor_id", r.SensorID).Strs("detectors", combined.Degraded).Msg("Detectors degraded to zero score")
	}
	e.logger.Debug().
		Str("sensor_id", r.SensorID).
		Float64("score", combined.Score).
		Str("detector", combined.Detector).
		Msg("Reading scored")

	return combined
}

// Combine applies the maximum policy. Ties keep registration order.
func Combine(results []Result) CombinedScore {
	var c CombinedScore
	for _, r := range results {
		if r.Excluded {
			c.Degraded = append(c.Degraded, r.Detector)
			continue
		}
		c.Contributing = append(c.Contributing, r)
	}

	sort.SliceStable(c.Contributing, func(i, j int) bool {
		return c.Contributing[i].Score > c.Contributing[j].Score
	})

	if len(c.Contributing) > 0 {
		top := c.Contributing[0]
		c.Score = top.Score
		c.Detector = top.Detector
		c.Rationale = top.Rationale
		c.Signal = top.Signal
	}
	return c
}
