package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/metrics"
)

var ErrEnqueueFull = errors.New("notification queue full")

type ChannelConfig struct {
	Name        string `mapstructure:"name"`
	MinSeverity string `mapstructure:"min_severity"`
}

type Config struct {
	// Tenants maps tenant id to its notification channels.
	Tenants        map[string][]ChannelConfig `mapstructure:"tenants"`
	QueueSize      int                        `mapstructure:"queue_size"`
	EnqueueTimeout time.Duration              `mapstructure:"enqueue_timeout"`
	PublishRetries int                        `mapstructure:"publish_retries"`
	RetryBackoff   time.Duration              `mapstructure:"retry_backoff"`
	Brokers        []string                   `mapstructure:"brokers"`
	Topic          string                     `mapstructure:"topic"`
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		EnqueueTimeout: 100 * time.Millisecond,
		PublishRetries: 5,
		RetryBackoff:   200 * time.Millisecond,
		Topic:          "notifications",
	}
}

type channel struct {
	name        string
	minSeverity data.Severity
}

// Broadcaster pushes alert snapshots to a tenant's live observers.
type Broadcaster interface {
	Broadcast(tenantID string, ev data.AlertEvent)
}

// Dispatcher fans an alert change out to live observers and to the
// notification queue. It never blocks alert persistence for longer than
// EnqueueTimeout per job.
type Dispatcher struct {
	cfg         Config
	tenants     map[string][]channel
	queue       chan data.NotificationJob
	broadcaster Broadcaster
	recorder    audit.Recorder
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func NewDispatcher(cfg Config, b Broadcaster, rec audit.Recorder, m *metrics.Metrics, logger zerolog.Logger) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if rec == nil {
		rec = audit.Discard
	}

	tenants := make(map[string][]channel, len(cfg.Tenants))
	for tenant, chans := range cfg.Tenants {
		for _, c := range chans {
			sev := data.SeverityInfo
			if c.MinSeverity != "" {
				var err error
				if sev, err = data.ParseSeverity(c.MinSeverity); err != nil {
					return nil, fmt.Errorf("tenant %s channel %s: %w", tenant, c.Name, err)
				}
			}
			tenants[strings.ToLower(tenant)] = append(tenants[strings.ToLower(tenant)], channel{name: c.Name, minSeverity: sev})
		}
	}

	return &Dispatcher{
		cfg:         cfg,
		tenants:     tenants,
		queue:       make(chan data.NotificationJob, cfg.QueueSize),
		broadcaster: b,
		recorder:    rec,
		metrics:     m,
		logger:      logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Jobs is the queue the relay drains.
func (d *Dispatcher) Jobs() <-chan data.NotificationJob { return d.queue }

// Dispatch broadcasts the alert and, when notify is set, enqueues one job
// per tenant channel whose minimum severity the alert meets. Dropped jobs
// are reported through ErrEnqueueFull.
func (d *Dispatcher) Dispatch(ctx context.Context, a *data.Alert, notify bool) error {
	ev := data.NewAlertEvent(a)
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(a.TenantID, ev)
	}
	if !notify {
		return nil
	}

	dropped := 0
	for _, c := range d.tenants[strings.ToLower(a.TenantID)] {
		if a.Severity < c.minSeverity {
			continue
		}
		job := data.NotificationJob{
			AlertID:  a.ID,
			Channel:  c.name,
			Version:  a.Version,
			TenantID: a.TenantID,
			Payload:  ev,
		}
		if err := d.enqueue(ctx, job); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d job(s) for alert %s dropped", ErrEnqueueFull, dropped, a.ID)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, job data.NotificationJob) error {
	select {
	case d.queue <- job:
		d.enqueued(job)
		return nil
	default:
	}

	t := time.NewTimer(d.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case d.queue <- job:
		d.enqueued(job)
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	d.metrics.NotificationDropped()
	d.logger.Error().
		Str("alert_id", job.AlertID).
		Str("channel", job.Channel).
		Int("version", job.Version).
		Msg("NOTIFICATION_ENQUEUE_DROPPED")
	d.recorder.Record(audit.Record{
		Kind:    audit.KindNotification,
		Reason:  audit.ReasonEnqueueDropped,
		AlertID: job.AlertID,
		Detail:  job.IdempotencyKey(),
	})
	return ErrEnqueueFull
}

func (d *Dispatcher) enqueued(job data.NotificationJob) {
	d.metrics.NotificationEnqueued(job.Channel)
	d.recorder.Record(audit.Record{
		Kind:    audit.KindNotification,
		Reason:  audit.ReasonNotificationQueued,
		AlertID: job.AlertID,
		Detail:  job.IdempotencyKey(),
	})
}
