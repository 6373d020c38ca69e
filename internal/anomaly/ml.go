package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/storage"
)

// Features is the vector the external model was trained on.
type Features struct {
	Value        float64 `json:"value"`
	RateOfChange float64 `json:"rate_of_change"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stddev"`
	HourOfDay    int     `json:"hour_of_day"`
}

func NewFeatures(r data.RawReading, snap storage.Snapshot, epsilon float64) Features {
	f := Features{
		Value:     r.Value,
		Mean:      snap.Mean,
		StdDev:    snap.StdDev,
		HourOfDay: r.Timestamp.UTC().Hour(),
	}
	if snap.HasLast {
		f.RateOfChange = (r.Value - snap.LastValue) / math.Max(math.Abs(snap.LastValue), epsilon)
	}
	return f
}

// Scorer is the runtime contract of the externally trained model.
type Scorer interface {
	Score(ctx context.Context, f Features) (float64, error)
}

// Outcome of one bounded scorer call.
type Outcome struct {
	Score    float64
	TimedOut bool
	Err      error
}

func (o Outcome) OK() bool { return !o.TimedOut && o.Err == nil }

// Call runs the scorer with a deadline. A scorer that ignores its context is
// abandoned at the deadline; its late answer is discarded.
func Call(ctx context.Context, s Scorer, f Features, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		score float64
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		score, err := s.Score(ctx, f)
		ch <- answer{score, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			if errors.Is(a.err, context.DeadlineExceeded) {
				return Outcome{TimedOut: true, Err: ErrDetectorTimeout}
			}
			return Outcome{Err: a.err}
		}
		if math.IsNaN(a.score) {
			return Outcome{Err: fmt.Errorf("scorer returned NaN")}
		}
		return Outcome{Score: clamp(a.score, 0, 1)}
	case <-ctx.Done():
		return Outcome{TimedOut: true, Err: ErrDetectorTimeout}
	}
}

// MLDetector wraps a Scorer; failures exclude it from the combination.
type MLDetector struct {
	scorer  Scorer
	timeout time.Duration
	epsilon float64
}

func NewMLDetector(cfg Config, scorer Scorer) *MLDetector {
	timeout := cfg.ML.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().ML.Timeout
	}
	return &MLDetector{scorer: scorer, timeout: timeout, epsilon: cfg.Epsilon}
}

func (d *MLDetector) Name() string { return NameML }

func (d *MLDetector) Score(ctx context.Context, r data.RawReading, snap storage.Snapshot) Result {
	out := Call(ctx, d.scorer, NewFeatures(r, snap, d.epsilon), d.timeout)
	switch {
	case out.TimedOut:
		return Result{Detector: d.Name(), Excluded: true, Rationale: fmt.Sprintf("timed out after %s", d.timeout)}
	case out.Err != nil:
		return Result{Detector: d.Name(), Excluded: true, Rationale: "scorer error: " + out.Err.Error()}
	}
	return Result{Detector: d.Name(), Score: out.Score, Rationale: fmt.Sprintf("model score %.3f", out.Score)}
}

// HTTPScorer posts the feature vector to a model server and expects
// {"score": <float>} back.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPScorer(endpoint string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPScorer{endpoint: endpoint, client: client}
}

func (s *HTTPScorer) Score(ctx context.Context, f Features) (float64, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ml scorer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ml scorer returned status %d", resp.StatusCode)
	}

	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode ml score: %w", err)
	}
	return out.Score, nil
}
