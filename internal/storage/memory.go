// internal/storage/memory.go
package storage

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"telemetry-gateway/internal/data"
)

var (
	ErrDuplicateReading = errors.New("duplicate reading")
	ErrOutOfOrder       = errors.New("reading older than last seen")
	ErrStoreFull        = errors.New("sensor state store at capacity")
)

type Config struct {
	WindowSize int           `mapstructure:"window_size"`
	Retention  time.Duration `mapstructure:"retention"`
	Shards     int           `mapstructure:"shards"`
	MaxSensors int           `mapstructure:"max_sensors"`
}

func DefaultConfig() Config {
	return Config{
		WindowSize: 100,
		Retention:  24 * time.Hour,
		Shards:     32,
		MaxSensors: 100_000,
	}
}

// Sample is one entry of a rolling window.
type Sample struct {
	At    time.Time
	Value float64
}

// Snapshot is an immutable view of a sensor handed to detectors. Count, Mean,
// StdDev and LastValue describe the history before the reading that produced
// the snapshot; Latest is that reading's value.
type Snapshot struct {
	Meta       SensorMeta
	Count      int
	Mean       float64
	StdDev     float64
	LastValue  float64
	HasLast    bool
	LastSeenAt time.Time
	Latest     float64
	WindowLen  int
}

type sensorState struct {
	meta     SensorMeta
	window   []Sample
	mean     float64
	m2       float64
	lastSeen time.Time
	updates  int
}

func (s *sensorState) snapshot() Snapshot {
	snap := Snapshot{
		Meta:       s.meta,
		Count:      len(s.window),
		Mean:       s.mean,
		StdDev:     s.stddev(),
		LastSeenAt: s.lastSeen,
		WindowLen:  len(s.window),
	}
	if n := len(s.window); n > 0 {
		snap.LastValue = s.window[n-1].Value
		snap.Latest = snap.LastValue
		snap.HasLast = true
	}
	return snap
}

// stddev is the sample standard deviation of the window.
func (s *sensorState) stddev() float64 {
	n := len(s.window)
	if n < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(n-1))
}

// Welford add; len(window) already includes v.
func (s *sensorState) add(v float64) {
	n := float64(len(s.window))
	d := v - s.mean
	s.mean += d / n
	s.m2 += d * (v - s.mean)
}

// Welford remove; len(window) already excludes v.
func (s *sensorState) remove(v float64) {
	n := len(s.window)
	if n == 0 {
		s.mean, s.m2 = 0, 0
		return
	}
	old := s.mean
	s.mean = (old*float64(n+1) - v) / float64(n)
	s.m2 -= (v - old) * (v - s.mean)
	if s.m2 < 0 {
		s.m2 = 0
	}
}

func (s *sensorState) recompute() {
	s.mean, s.m2 = 0, 0
	for i, smp := range s.window {
		d := smp.Value - s.mean
		s.mean += d / float64(i+1)
		s.m2 += d * (smp.Value - s.mean)
	}
	s.updates = 0
}

type shard struct {
	mu      sync.Mutex
	sensors map[string]*sensorState
}

// StateStore keeps one rolling window per sensor. Each shard owns its own
// lock, so sensors on different shards never contend.
type StateStore struct {
	cfg     Config
	shards  []*shard
	tracked atomic.Int64
}

func NewStateStore(cfg Config) *StateStore {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxSensors <= 0 {
		cfg.MaxSensors = def.MaxSensors
	}

	s := &StateStore{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range s.shards {
		s.shards[i] = &shard{sensors: make(map[string]*sensorState)}
	}
	return s
}

func (s *StateStore) shardFor(sensorID string) *shard {
	return s.shards[xxhash.Sum64String(sensorID)%uint64(len(s.shards))]
}

// Update folds r into the sensor's window and returns the snapshot detectors
// score against. Duplicate and out-of-order readings leave state untouched.
func (s *StateStore) Update(meta SensorMeta, r data.RawReading) (Snapshot, error) {
	sh := s.shardFor(r.SensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sensors[r.SensorID]
	if !ok {
		if s.tracked.Load() >= int64(s.cfg.MaxSensors) {
			return Snapshot{}, ErrStoreFull
		}
		st = &sensorState{window: make([]Sample, 0, s.cfg.WindowSize)}
		sh.sensors[r.SensorID] = st
		s.tracked.Add(1)
	}
	st.meta = meta

	if n := len(st.window); n > 0 {
		i := sort.Search(n, func(i int) bool { return !st.window[i].At.Before(r.Timestamp) })
		if i < n && st.window[i].At.Equal(r.Timestamp) {
			return Snapshot{}, ErrDuplicateReading
		}
		if r.Timestamp.Before(st.lastSeen) {
			return Snapshot{}, ErrOutOfOrder
		}
	}

	baseline := st.snapshot()

	st.window = append(st.window, Sample{At: r.Timestamp, Value: r.Value})
	st.add(r.Value)
	st.lastSeen = r.Timestamp

	cutoff := r.Timestamp.Add(-s.cfg.Retention)
	for len(st.window) > 0 && (len(st.window) > s.cfg.WindowSize || st.window[0].At.Before(cutoff)) {
		old := st.window[0]
		st.window = st.window[1:]
		st.remove(old.Value)
	}

	// bound floating point drift from repeated add/remove
	st.updates++
	if st.updates >= s.cfg.WindowSize {
		st.recompute()
	}

	baseline.Meta = meta
	baseline.Latest = r.Value
	baseline.WindowLen = len(st.window)
	return baseline, nil
}

// Peek returns the current view of a sensor without mutating it.
func (s *StateStore) Peek(sensorID string) (Snapshot, bool) {
	sh := s.shardFor(sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sensors[sensorID]
	if !ok || len(st.window) == 0 {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Window returns a copy of the sensor's rolling window.
func (s *StateStore) Window(sensorID string) []Sample {
	sh := s.shardFor(sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sensors[sensorID]
	if !ok {
		return nil
	}
	out := make([]Sample, len(st.window))
	copy(out, st.window)
	return out
}

// Silent lists sensors whose last reading is older than now-after.
func (s *StateStore) Silent(now time.Time, after time.Duration) []Snapshot {
	cutoff := now.Add(-after)
	var out []Snapshot
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, st := range sh.sensors {
			if st.lastSeen.Before(cutoff) {
				out = append(out, st.snapshot())
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Sweep forgets sensors that have been silent past the retention horizon.
func (s *StateStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, st := range sh.sensors {
			if st.lastSeen.Before(cutoff) {
				delete(sh.sensors, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.tracked.Add(int64(-removed))
	return removed
}

func (s *StateStore) Len() int {
	return int(s.tracked.Load())
}
