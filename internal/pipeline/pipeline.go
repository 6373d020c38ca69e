package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/alerting"
	"telemetry-gateway/internal/anomaly"
	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/metrics"
	"telemetry-gateway/internal/rules"
	"telemetry-gateway/internal/storage"
)

var ErrBackpressure = errors.New("pipeline saturated")

type Config struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     256,
		SubmitTimeout: 250 * time.Millisecond,
		SweepInterval: time.Minute,
	}
}

type Authenticator interface {
	Authenticate(ctx context.Context, deviceID, credential string) auth.AuthResult
}

type RuleEvaluator interface {
	Evaluate(facts rules.Facts, sensorType string) []rules.Match
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a *data.Alert, notify bool) error
}

// Deps are the stages a reading flows through, in order.
type Deps struct {
	Auth       Authenticator
	Registry   *storage.Registry
	Store      *storage.StateStore
	Engine     *anomaly.Engine
	Rules      RuleEvaluator
	Alerts     *alerting.Manager
	Dispatcher Dispatcher
	Recorder   audit.Recorder
	Metrics    *metrics.Metrics
}

// Pipeline authenticates readings at submission and processes them on a
// fixed set of workers. A sensor always maps to the same worker, so its
// readings are handled in arrival order.
type Pipeline struct {
	cfg Config
	Deps
	commsLossAfter time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	inboxes   []chan data.RawReading
	saturated atomic.Bool
	wg        sync.WaitGroup

	// mu guards stopped and keeps Submit from sending on a closed inbox
	mu      sync.RWMutex
	stopped bool
}

func New(cfg Config, deps Deps, commsLossAfter time.Duration, logger zerolog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.Discard
	}

	p := &Pipeline{
		cfg:            cfg,
		Deps:           deps,
		commsLossAfter: commsLossAfter,
		logger:         logger.With().Str("component", "pipeline").Logger(),
		now:            time.Now,
		inboxes:        make([]chan data.RawReading, cfg.Workers),
	}
	for i := range p.inboxes {
		p.inboxes[i] = make(chan data.RawReading, cfg.QueueSize)
	}
	return p
}

// Submit authenticates a reading and queues it on its sensor's worker.
// Unauthenticated readings never reach the state store.
func (p *Pipeline) Submit(ctx context.Context, r data.RawReading, credential string) error {
	p.Metrics.ReadingReceived(r.Transport)

	if res := p.Auth.Authenticate(ctx, r.DeviceID, credential); !res.OK {
		p.reject(r, audit.ReasonUnauthenticated, res.Reason)
		return res.Err()
	}
	if p.saturated.Load() {
		p.reject(r, audit.ReasonBackpressure, "pipeline saturated")
		return ErrBackpressure
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.reject(r, audit.ReasonBackpressure, "pipeline stopped")
		return ErrBackpressure
	}

	inbox := p.inboxes[xxhash.Sum64String(r.SensorID)%uint64(len(p.inboxes))]
	select {
	case inbox <- r:
		return nil
	default:
	}

	t := time.NewTimer(p.cfg.SubmitTimeout)
	defer t.Stop()
	select {
	case inbox <- r:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	p.reject(r, audit.ReasonBackpressure, "worker inbox full")
	return fmt.Errorf("%w: sensor %s", ErrBackpressure, r.SensorID)
}

// RejectMalformed records a payload an adapter could not decode.
func (p *Pipeline) RejectMalformed(transport, deviceID string, err error) {
	p.Metrics.ReadingRejected(audit.ReasonMalformed)
	p.logger.Debug().Err(err).Str("transport", transport).Str("device_id", deviceID).Msg("Malformed payload")
	p.Recorder.Record(audit.Record{
		Kind:     audit.KindReading,
		Reason:   audit.ReasonMalformed,
		DeviceID: deviceID,
		Detail:   fmt.Sprintf("%s: %v", transport, err),
	})
}

func (p *Pipeline) reject(r data.RawReading, reason, detail string) {
	p.Metrics.ReadingRejected(reason)
	p.logger.Debug().Str("device_id", r.DeviceID).Str("sensor_id", r.SensorID).Str("reason", reason).Msg("Reading rejected")
	p.Recorder.Record(audit.Record{
		Kind:     audit.KindReading,
		Reason:   reason,
		DeviceID: r.DeviceID,
		SensorID: r.SensorID,
		Detail:   detail,
	})
}

// Saturated reports whether the state store ran out of capacity.
func (p *Pipeline) Saturated() bool { return p.saturated.Load() }

// Run starts the workers and the sweeper and blocks until ctx is done and
// every accepted reading has been processed. Once ctx is done Submit
// refuses new readings, so stop ingress before cancelling ctx.
func (p *Pipeline) Run(ctx context.Context) {
	// queued readings are still processed after ctx ends
	workCtx := context.WithoutCancel(ctx)
	for i, inbox := range p.inboxes {
		p.wg.Add(1)
		go p.worker(workCtx, i, inbox)
	}

	p.wg.Add(1)
	go p.sweeper(ctx)

	<-ctx.Done()
	p.stop()
	p.wg.Wait()
	p.logger.Info().Msg("Pipeline stopped")
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for _, inbox := range p.inboxes {
		close(inbox)
	}
}

func (p *Pipeline) worker(ctx context.Context, id int, inbox <-chan data.RawReading) {
	defer p.wg.Done()
	for r := range inbox {
		p.Process(ctx, r)
	}
	p.logger.Debug().Int("worker", id).Msg("Worker drained")
}

// Process runs one authenticated reading through state, detection, rules,
// the alert lifecycle and fan-out.
func (p *Pipeline) Process(ctx context.Context, r data.RawReading) {
	start := p.now()
	meta := p.Registry.Lookup(r.SensorID, r.DeviceID)

	snap, err := p.Store.Update(meta, r)
	switch {
	case errors.Is(err, storage.ErrDuplicateReading):
		p.reject(r, audit.ReasonDuplicate, r.Ref())
		return
	case errors.Is(err, storage.ErrOutOfOrder):
		p.reject(r, audit.ReasonOutOfOrder, r.Ref())
		return
	case errors.Is(err, storage.ErrStoreFull):
		if !p.saturated.Swap(true) {
			p.logger.Error().Err(err).Msg("State store full, rejecting new readings until sweep")
		}
		p.reject(r, audit.ReasonBackpressure, err.Error())
		return
	case err != nil:
		p.logger.Error().Err(err).Str("sensor_id", r.SensorID).Msg("State update failed")
		return
	}
	p.Recorder.Record(audit.Record{
		Kind:     audit.KindReading,
		Reason:   audit.ReasonAccepted,
		DeviceID: r.DeviceID,
		SensorID: r.SensorID,
		Detail:   r.Ref(),
	})

	if meta.Registered {
		if out, err := p.Alerts.ClearCommsLoss(ctx, r.SensorID); err != nil {
			p.logger.Warn().Err(err).Str("sensor_id", r.SensorID).Msg("Clearing comms-loss failed")
		} else if out.Decision != alerting.DecisionNone {
			p.fanOut(ctx, out)
		}
	}

	combined := p.Engine.Run(ctx, r, snap)
	for _, name := range combined.Degraded {
		p.Metrics.DetectorDegraded(name)
	}

	var matches []rules.Match
	if p.Rules != nil {
		facts := rules.NewFacts(r, meta.Type, combined.Score, p.siblingValues(meta))
		matches = p.Rules.Evaluate(facts, meta.Type)
	}
	p.recordScore(r, combined, matches)

	out, err := p.Alerts.Process(ctx, alerting.Event{Reading: r, Meta: meta, Score: combined, Matches: matches})
	if err != nil {
		// persistence failures are audited by the manager
		p.logger.Error().Err(err).Str("sensor_id", r.SensorID).Msg("Alert processing failed")
	} else if out.Decision != alerting.DecisionNone {
		p.fanOut(ctx, out)
	}

	p.Metrics.ReadingProcessed(p.now().Sub(start).Seconds(), combined.Score)
}

func (p *Pipeline) recordScore(r data.RawReading, combined anomaly.CombinedScore, matches []rules.Match) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.RuleID
	}
	p.Recorder.Record(audit.Record{
		Kind:     audit.KindScore,
		Reason:   audit.ReasonScored,
		DeviceID: r.DeviceID,
		SensorID: r.SensorID,
		Detail:   fmt.Sprintf("%s score=%.3f detector=%s rules=[%s]", r.Ref(), combined.Score, combined.Detector, strings.Join(ids, ",")),
	})
}

func (p *Pipeline) fanOut(ctx context.Context, out alerting.Outcome) {
	p.Metrics.AlertDecision(string(out.Decision))
	p.Recorder.Record(audit.Record{
		Kind:     audit.KindAlert,
		Reason:   string(out.Decision),
		SensorID: out.Alert.SensorID,
		AlertID:  out.Alert.ID,
		Detail:   fmt.Sprintf("%s %s v%d", out.Alert.Type, out.Alert.Severity, out.Alert.Version),
	})
	if p.Dispatcher == nil {
		return
	}
	if err := p.Dispatcher.Dispatch(ctx, out.Alert, out.Decision.Notify()); err != nil {
		p.logger.Warn().Err(err).Str("alert_id", out.Alert.ID).Msg("Fan-out incomplete")
	}
}

// Publish fans out an alert changed outside the reading path, such as an
// operator acknowledgement.
func (p *Pipeline) Publish(ctx context.Context, out alerting.Outcome) {
	p.fanOut(ctx, out)
}

// siblingValues maps each sibling's sensor type to its latest value.
func (p *Pipeline) siblingValues(meta storage.SensorMeta) map[string]float64 {
	ids := p.Registry.Siblings(meta.DeviceID, meta.SensorID)
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		snap, ok := p.Store.Peek(id)
		if !ok {
			continue
		}
		out[snap.Meta.Type] = snap.Latest
	}
	return out
}

func (p *Pipeline) sweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx, p.now())
		}
	}
}

// Sweep evicts idle sensor state, raises comms-loss alerts and resolves
// idle alerts.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) {
	if removed := p.Store.Sweep(now); removed > 0 {
		if p.saturated.Swap(false) {
			p.logger.Info().Int("evicted", removed).Msg("State store capacity recovered")
		}
	}
	p.Metrics.SetTrackedSensors(p.Store.Len())

	if p.commsLossAfter > 0 {
		for _, snap := range p.Store.Silent(now, p.commsLossAfter) {
			if !snap.Meta.Registered {
				continue
			}
			out, err := p.Alerts.RaiseCommsLoss(ctx, snap)
			if err != nil {
				p.logger.Error().Err(err).Str("sensor_id", snap.Meta.SensorID).Msg("Raising comms-loss failed")
				continue
			}
			if out.Decision == alerting.DecisionCreate {
				p.fanOut(ctx, out)
			}
		}
	}

	for _, out := range p.Alerts.SweepExpired(ctx, now) {
		p.fanOut(ctx, out)
	}
}
