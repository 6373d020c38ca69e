// internal/alerting/alerter.go
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/anomaly"
	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/rules"
	"telemetry-gateway/internal/storage"
)

var (
	ErrAlertPersistFailed = errors.New("alert persistence failed")
	ErrAlertNotFound      = errors.New("alert not found")
	ErrInvalidTransition  = errors.New("invalid alert state transition")
)

type Decision string

const (
	DecisionNone     Decision = "NONE"
	DecisionCreate   Decision = "CREATE"
	DecisionUpdate   Decision = "UPDATE"
	DecisionSuppress Decision = "SUPPRESS"
	DecisionEscalate Decision = "ESCALATE"
	DecisionResolve  Decision = "RESOLVE"
	DecisionAck      Decision = "ACKNOWLEDGE"
)

// Notify reports whether the decision reaches notification channels.
// Suppressed updates are only broadcast.
func (d Decision) Notify() bool {
	return d == DecisionCreate || d == DecisionUpdate || d == DecisionEscalate
}

type Config struct {
	Threshold        float64       `mapstructure:"threshold"`
	Cooldowns        Cooldowns     `mapstructure:"cooldowns"`
	AutoResolveAfter time.Duration `mapstructure:"auto_resolve_after"`
	CommsLossAfter   time.Duration `mapstructure:"comms_loss_after"`
	PersistAttempts  int           `mapstructure:"persist_attempts"`
	PersistBackoff   time.Duration `mapstructure:"persist_backoff"`
	Shards           int           `mapstructure:"shards"`
}

type Cooldowns struct {
	Critical time.Duration `mapstructure:"critical"`
	High     time.Duration `mapstructure:"high"`
	Medium   time.Duration `mapstructure:"medium"`
	Low      time.Duration `mapstructure:"low"`
	Info     time.Duration `mapstructure:"info"`
}

func (c Cooldowns) For(s data.Severity) time.Duration {
	switch s {
	case data.SeverityCritical:
		return c.Critical
	case data.SeverityHigh:
		return c.High
	case data.SeverityMedium:
		return c.Medium
	case data.SeverityLow:
		return c.Low
	}
	return c.Info
}

func DefaultConfig() Config {
	return Config{
		Threshold: 0.6,
		Cooldowns: Cooldowns{
			Critical: time.Minute,
			High:     5 * time.Minute,
			Medium:   10 * time.Minute,
			Low:      15 * time.Minute,
			Info:     30 * time.Minute,
		},
		AutoResolveAfter: time.Hour,
		CommsLossAfter:   15 * time.Minute,
		PersistAttempts:  3,
		PersistBackoff:   50 * time.Millisecond,
		Shards:           32,
	}
}

// SeverityForScore maps a combined score onto the severity scale.
func SeverityForScore(score float64) data.Severity {
	switch {
	case score >= 0.9:
		return data.SeverityCritical
	case score >= 0.8:
		return data.SeverityHigh
	case score >= 0.7:
		return data.SeverityMedium
	case score >= 0.6:
		return data.SeverityLow
	}
	return data.SeverityInfo
}

// Classify picks the alert type for a scored reading.
func Classify(sensorType string, r data.RawReading, score anomaly.CombinedScore) data.AlertType {
	if r.Faulty() {
		return data.AlertFault
	}
	switch sensorType {
	case storage.TypeLeak:
		return data.AlertLeak
	case storage.TypeFlow:
		return data.AlertFlow
	case storage.TypePressure:
		if score.Detector == anomaly.NameRate && score.Signal < 0 {
			return data.AlertBurst
		}
		return data.AlertPressure
	}
	return data.AlertAnomaly
}

// Event is one scored, rule-evaluated reading.
type Event struct {
	Reading data.RawReading
	Meta    storage.SensorMeta
	Score   anomaly.CombinedScore
	Matches []rules.Match
}

// Outcome carries an immutable copy of the alert after the decision.
type Outcome struct {
	Decision Decision
	Alert    *data.Alert
}

type key struct {
	sensorID string
	typ      data.AlertType
}

type shard struct {
	mu     sync.Mutex
	alerts map[key]*data.Alert
}

// Manager owns the lifecycle of every alert. One alert exists per
// (sensor, type) until it is resolved.
type Manager struct {
	cfg      Config
	repo     Repository
	recorder audit.Recorder
	logger   zerolog.Logger
	now      func() time.Time

	shards []*shard
	byID   sync.Map // alert id -> key
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRecorder(r audit.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func NewManager(cfg Config, repo Repository, logger zerolog.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if repo == nil {
		repo = NewMemoryRepository()
	}

	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		recorder: audit.Discard,
		logger:   logger.With().Str("component", "alerting").Logger(),
		now:      time.Now,
		shards:   make([]*shard, cfg.Shards),
	}
	for i := range m.shards {
		m.shards[i] = &shard{alerts: make(map[key]*data.Alert)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) shardFor(sensorID string) *shard {
	return m.shards[xxhash.Sum64String(sensorID)%uint64(len(m.shards))]
}

// Qualifies reports whether the event opens or updates an alert.
func (m *Manager) Qualifies(ev Event) bool {
	return ev.Score.Score >= m.cfg.Threshold || len(ev.Matches) > 0 || ev.Reading.Faulty()
}

// Process applies a qualifying event. Non-qualifying events return
// DecisionNone without touching state.
func (m *Manager) Process(ctx context.Context, ev Event) (Outcome, error) {
	if !m.Qualifies(ev) {
		return Outcome{Decision: DecisionNone}, nil
	}

	sev := SeverityForScore(ev.Score.Score)
	ruleIDs := make([]string, 0, len(ev.Matches))
	for _, match := range ev.Matches {
		if match.Severity > sev {
			sev = match.Severity
		}
		ruleIDs = append(ruleIDs, match.RuleID)
	}
	if ev.Reading.Faulty() && sev < data.SeverityLow {
		sev = data.SeverityLow
	}

	k := key{ev.Reading.SensorID, Classify(ev.Meta.Type, ev.Reading, ev.Score)}
	now := m.now().UTC()

	sh := m.shardFor(k.sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.alerts[k]
	var (
		next     *data.Alert
		decision Decision
	)
	if existing == nil || !existing.Open() {
		decision = DecisionCreate
		next = &data.Alert{
			ID:             uuid.NewString(),
			TenantID:       ev.Meta.TenantID,
			SensorID:       k.sensorID,
			Type:           k.typ,
			Severity:       sev,
			Score:          ev.Score.Score,
			Status:         data.StatusOpen,
			OpenedAt:       now,
			LastUpdatedAt:  now,
			CooldownUntil:  now.Add(m.cfg.Cooldowns.For(sev)),
			TriggerReading: ev.Reading.Ref(),
			Rationale:      ev.Score.Rationale,
			RuleIDs:        ruleIDs,
			Version:        1,
		}
	} else {
		next = existing.Clone()
		next.Score = ev.Score.Score
		next.LastUpdatedAt = now
		next.TriggerReading = ev.Reading.Ref()
		next.Rationale = ev.Score.Rationale
		next.RuleIDs = ruleIDs
		next.Version++

		switch {
		case sev > existing.Severity:
			decision = DecisionEscalate
			next.Severity = sev
		case now.Before(existing.CooldownUntil):
			decision = DecisionSuppress
		default:
			decision = DecisionUpdate
		}
		// every update restarts the cooldown, suppressed ones included
		next.CooldownUntil = now.Add(m.cfg.Cooldowns.For(next.Severity))
	}

	if err := m.persist(ctx, next); err != nil {
		return Outcome{}, err
	}

	if existing != nil && existing.ID != next.ID {
		m.byID.Delete(existing.ID)
	}
	sh.alerts[k] = next
	m.byID.Store(next.ID, k)

	m.logger.Info().
		Str("alert_id", next.ID).
		Str("sensor_id", next.SensorID).
		Str("type", string(next.Type)).
		Stringer("severity", next.Severity).
		Str("decision", string(decision)).
		Int("version", next.Version).
		Msg("Alert decision")

	return Outcome{Decision: decision, Alert: next.Clone()}, nil
}

// RaiseCommsLoss opens a comms-loss alert for a sensor that went silent.
// An already open one is left as is.
func (m *Manager) RaiseCommsLoss(ctx context.Context, snap storage.Snapshot) (Outcome, error) {
	k := key{snap.Meta.SensorID, data.AlertCommsLoss}
	now := m.now().UTC()

	sh := m.shardFor(k.sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.alerts[k]
	if existing != nil && existing.Open() {
		return Outcome{Decision: DecisionSuppress, Alert: existing.Clone()}, nil
	}

	sev := data.SeverityMedium
	next := &data.Alert{
		ID:             uuid.NewString(),
		TenantID:       snap.Meta.TenantID,
		SensorID:       k.sensorID,
		Type:           data.AlertCommsLoss,
		Severity:       sev,
		Status:         data.StatusOpen,
		OpenedAt:       now,
		LastUpdatedAt:  now,
		CooldownUntil:  now.Add(m.cfg.Cooldowns.For(sev)),
		TriggerReading: fmt.Sprintf("%s@%s", k.sensorID, snap.LastSeenAt.UTC().Format(time.RFC3339Nano)),
		Rationale:      fmt.Sprintf("no reading since %s", snap.LastSeenAt.UTC().Format(time.RFC3339)),
		Version:        1,
	}
	if err := m.persist(ctx, next); err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		m.byID.Delete(existing.ID)
	}
	sh.alerts[k] = next
	m.byID.Store(next.ID, k)

	m.logger.Warn().Str("alert_id", next.ID).Str("sensor_id", next.SensorID).Msg("Sensor communication lost")
	return Outcome{Decision: DecisionCreate, Alert: next.Clone()}, nil
}

// ClearCommsLoss resolves the sensor's comms-loss alert once it reports again.
func (m *Manager) ClearCommsLoss(ctx context.Context, sensorID string) (Outcome, error) {
	k := key{sensorID, data.AlertCommsLoss}
	sh := m.shardFor(sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.alerts[k]
	if existing == nil || !existing.Open() {
		return Outcome{Decision: DecisionNone}, nil
	}
	return m.transition(ctx, sh, k, existing, data.StatusResolved, DecisionResolve)
}

func (m *Manager) Acknowledge(ctx context.Context, id string) (Outcome, error) {
	return m.byIDTransition(ctx, id, data.StatusAcknowledged, DecisionAck)
}

func (m *Manager) Resolve(ctx context.Context, id string) (Outcome, error) {
	return m.byIDTransition(ctx, id, data.StatusResolved, DecisionResolve)
}

func (m *Manager) byIDTransition(ctx context.Context, id string, status data.AlertStatus, decision Decision) (Outcome, error) {
	v, ok := m.byID.Load(id)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	k := v.(key)
	sh := m.shardFor(k.sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.alerts[k]
	if existing == nil || existing.ID != id {
		return Outcome{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	switch status {
	case data.StatusAcknowledged:
		if existing.Status != data.StatusOpen {
			return Outcome{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, existing.Status)
		}
	case data.StatusResolved:
		if !existing.Open() {
			return Outcome{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, existing.Status)
		}
	}
	return m.transition(ctx, sh, k, existing, status, decision)
}

// transition must be called with sh.mu held.
func (m *Manager) transition(ctx context.Context, sh *shard, k key, existing *data.Alert, status data.AlertStatus, decision Decision) (Outcome, error) {
	next := existing.Clone()
	next.Status = status
	next.LastUpdatedAt = m.now().UTC()
	next.Version++

	if err := m.persist(ctx, next); err != nil {
		return Outcome{}, err
	}
	sh.alerts[k] = next

	m.logger.Info().Str("alert_id", next.ID).Str("status", string(status)).Int("version", next.Version).Msg("Alert status changed")
	return Outcome{Decision: decision, Alert: next.Clone()}, nil
}

// SweepExpired resolves OPEN alerts that have not been updated within
// AutoResolveAfter.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) []Outcome {
	if m.cfg.AutoResolveAfter <= 0 {
		return nil
	}
	cutoff := now.Add(-m.cfg.AutoResolveAfter)

	var out []Outcome
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, a := range sh.alerts {
			// comms-loss clears when the sensor reports again
			// acknowledged alerts wait for an operator
			if a.Status != data.StatusOpen || k.typ == data.AlertCommsLoss || !a.LastUpdatedAt.Before(cutoff) {
				continue
			}
			res, err := m.transition(ctx, sh, k, a, data.StatusResolved, DecisionResolve)
			if err != nil {
				m.logger.Error().Err(err).Str("alert_id", a.ID).Msg("Auto-resolve failed")
				continue
			}
			out = append(out, res)
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore reloads open alerts from the repository after a restart.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	open, err := m.repo.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore open alerts: %w", err)
	}
	for _, a := range open {
		k := key{a.SensorID, a.Type}
		sh := m.shardFor(a.SensorID)
		sh.mu.Lock()
		sh.alerts[k] = a.Clone()
		sh.mu.Unlock()
		m.byID.Store(a.ID, k)
	}
	return len(open), nil
}

func (m *Manager) Get(id string) (*data.Alert, bool) {
	v, ok := m.byID.Load(id)
	if !ok {
		return nil, false
	}
	k := v.(key)
	sh := m.shardFor(k.sensorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	a := sh.alerts[k]
	if a == nil || a.ID != id {
		return nil, false
	}
	return a.Clone(), true
}

// Filter selects alerts for List; empty fields match everything.
type Filter struct {
	TenantID string
	SensorID string
	Status   data.AlertStatus
}

// List returns matching alerts, most recently updated first.
func (m *Manager) List(f Filter) []*data.Alert {
	var out []*data.Alert
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, a := range sh.alerts {
			if f.TenantID != "" && a.TenantID != f.TenantID {
				continue
			}
			if f.SensorID != "" && a.SensorID != f.SensorID {
				continue
			}
			if f.Status != "" && a.Status != f.Status {
				continue
			}
			out = append(out, a.Clone())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt) })
	return out
}

// persist saves with bounded exponential backoff. On failure the caller must
// leave in-memory state unchanged.
func (m *Manager) persist(ctx context.Context, a *data.Alert) error {
	backoff := m.cfg.PersistBackoff
	var err error
	for attempt := 1; attempt <= m.cfg.PersistAttempts; attempt++ {
		if err = m.repo.Save(ctx, a); err == nil {
			return nil
		}
		m.logger.Warn().Err(err).Str("alert_id", a.ID).Int("attempt", attempt).Msg("Alert save failed")
		if attempt == m.cfg.PersistAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			attempt = m.cfg.PersistAttempts
		case <-t.C:
		}
		backoff *= 2
	}

	m.logger.Error().Err(err).Str("alert_id", a.ID).Str("sensor_id", a.SensorID).Msg("ALERT_PERSIST_FAILED")
	m.recorder.Record(audit.Record{
		Kind:     audit.KindAlert,
		Reason:   audit.ReasonAlertPersistFailed,
		SensorID: a.SensorID,
		AlertID:  a.ID,
		Detail:   err.Error(),
	})
	return fmt.Errorf("%w: alert %s: %v", ErrAlertPersistFailed, a.ID, err)
}
