package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/data"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events map[string][]data.AlertEvent
}

func (b *recordingBroadcaster) Broadcast(tenant string, ev data.AlertEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][]data.AlertEvent)
	}
	b.events[tenant] = append(b.events[tenant], ev)
}

type recordingAuditor struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recordingAuditor) Record(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tenants = map[string][]ChannelConfig{
		"north": {
			{Name: "sms", MinSeverity: "critical"},
			{Name: "email", MinSeverity: "low"},
			{Name: "webhook"},
		},
	}
	return cfg
}

func alert(sev data.Severity) *data.Alert {
	return &data.Alert{ID: "a-1", TenantID: "north", SensorID: "S1", Type: data.AlertPressure, Severity: sev, Status: data.StatusOpen, Version: 3}
}

func drain(d *Dispatcher) []data.NotificationJob {
	var out []data.NotificationJob
	for {
		select {
		case j := <-d.Jobs():
			out = append(out, j)
		default:
			return out
		}
	}
}

func TestDispatch_OneJobPerQualifyingChannel(t *testing.T) {
	b := &recordingBroadcaster{}
	d, err := NewDispatcher(testConfig(), b, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), alert(data.SeverityCritical), true))
	jobs := drain(d)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a-1:sms:3", jobs[0].IdempotencyKey())

	require.NoError(t, d.Dispatch(context.Background(), alert(data.SeverityMedium), true))
	jobs = drain(d)
	require.Len(t, jobs, 2)
	assert.Equal(t, "email", jobs[0].Channel)

	assert.Len(t, b.events["north"], 2)
}

func TestDispatch_SuppressedOnlyBroadcasts(t *testing.T) {
	b := &recordingBroadcaster{}
	d, err := NewDispatcher(testConfig(), b, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), alert(data.SeverityCritical), false))
	assert.Empty(t, drain(d))
	assert.Len(t, b.events["north"], 1)
}

func TestDispatch_DropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = 10 * time.Millisecond
	aud := &recordingAuditor{}
	d, err := NewDispatcher(cfg, nil, aud, nil, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	err = d.Dispatch(context.Background(), alert(data.SeverityCritical), true)
	assert.ErrorIs(t, err, ErrEnqueueFull)
	assert.Less(t, time.Since(start), time.Second)

	assert.Len(t, drain(d), 1)
	require.Len(t, aud.recs, 3)
	assert.Equal(t, audit.ReasonNotificationQueued, aud.recs[0].Reason)
	assert.Equal(t, "a-1:sms:3", aud.recs[0].Detail)
	assert.Equal(t, audit.ReasonEnqueueDropped, aud.recs[1].Reason)
	assert.Equal(t, audit.ReasonEnqueueDropped, aud.recs[2].Reason)
}

func TestNewDispatcher_RejectsUnknownSeverity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tenants = map[string][]ChannelConfig{"north": {{Name: "sms", MinSeverity: "urgent"}}}
	_, err := NewDispatcher(cfg, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.errs > 0 {
		w.errs--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestRelay_PublishesWithRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = time.Millisecond
	d, err := NewDispatcher(cfg, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	w := &fakeWriter{errs: 2}
	relay := NewRelay(d, NewKafkaPublisher(w), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	require.NoError(t, d.Dispatch(ctx, alert(data.SeverityHigh), true))
	assert.Eventually(t, func() bool { return w.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msg := w.msgs[0]
	assert.Equal(t, "a-1", string(msg.Key))
	var job data.NotificationJob
	require.NoError(t, json.Unmarshal(msg.Value, &job))
	assert.Equal(t, "email", job.Channel)
	assert.Equal(t, "a-1:email:3", string(msg.Headers[0].Value))
}
