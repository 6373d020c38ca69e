package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/data"
)

// JobPublisher hands a job to the external delivery worker.
type JobPublisher interface {
	Publish(ctx context.Context, job data.NotificationJob) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes jobs keyed by alert id so every version of one
// alert lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, job data.NotificationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.AlertID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(job.IdempotencyKey())},
			{Key: "channel", Value: []byte(job.Channel)},
		},
		Time: time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// LogPublisher is used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, job data.NotificationJob) error {
	p.logger.Info().
		Str("idempotency_key", job.IdempotencyKey()).
		Str("tenant_id", job.TenantID).
		Stringer("severity", job.Payload.Severity).
		Msg("Notification job")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Relay drains the dispatcher queue into a publisher, retrying failed
// publishes with backoff.
type Relay struct {
	jobs      <-chan data.NotificationJob
	publisher JobPublisher
	retries   int
	backoff   time.Duration
	recorder  audit.Recorder
	logger    zerolog.Logger
}

func NewRelay(d *Dispatcher, p JobPublisher, logger zerolog.Logger) *Relay {
	retries := d.cfg.PublishRetries
	if retries <= 0 {
		retries = DefaultConfig().PublishRetries
	}
	backoff := d.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultConfig().RetryBackoff
	}
	return &Relay{
		jobs:      d.Jobs(),
		publisher: p,
		retries:   retries,
		backoff:   backoff,
		recorder:  d.recorder,
		logger:    logger.With().Str("component", "relay").Logger(),
	}
}

// Run publishes until ctx is done. Jobs still queued at shutdown are
// flushed with a fresh deadline.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case job := <-r.jobs:
			r.publish(ctx, job)
		}
	}
}

func (r *Relay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case job := <-r.jobs:
			r.publish(ctx, job)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, job data.NotificationJob) {
	backoff := r.backoff
	var err error
	for attempt := 1; attempt <= r.retries; attempt++ {
		if err = r.publisher.Publish(ctx, job); err == nil {
			return
		}
		r.logger.Warn().Err(err).Str("idempotency_key", job.IdempotencyKey()).Int("attempt", attempt).Msg("Notification publish failed")
		if attempt == r.retries {
			break
		}
		select {
		case <-ctx.Done():
			attempt = r.retries
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	r.logger.Error().Err(err).Str("idempotency_key", job.IdempotencyKey()).Msg("Notification job abandoned")
	r.recorder.Record(audit.Record{
		Kind:    audit.KindNotification,
		Reason:  audit.ReasonNotificationFailure,
		AlertID: job.AlertID,
		Detail:  fmt.Sprintf("%s: %v", job.IdempotencyKey(), err),
	})
}
