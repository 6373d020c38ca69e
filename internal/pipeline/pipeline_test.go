package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-gateway/internal/alerting"
	"telemetry-gateway/internal/anomaly"
	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/dispatch"
	"telemetry-gateway/internal/rules"
	"telemetry-gateway/internal/storage"
)

const secret = "s3cret"

type auditLog struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (a *auditLog) Record(rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
}

func (a *auditLog) count(reason string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.recs {
		if r.Reason == reason {
			n++
		}
	}
	return n
}

type broadcasts struct {
	mu     sync.Mutex
	events []data.AlertEvent
}

func (b *broadcasts) Broadcast(_ string, ev data.AlertEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *broadcasts) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

type ruleSet []rules.Rule

func (rs ruleSet) Evaluate(facts rules.Facts, sensorType string) []rules.Match {
	return rules.Evaluate(facts, sensorType, rs)
}

type fixture struct {
	p     *Pipeline
	audit *auditLog
	bc    *broadcasts
	disp  *dispatch.Dispatcher
}

func newFixture(t *testing.T, cfg Config, rs ruleSet) *fixture {
	t.Helper()

	registry := storage.NewRegistry("default", []storage.SensorConfig{
		{SensorID: "S1", DeviceID: "D1", Type: storage.TypePressure, Tenant: "north"},
		{SensorID: "F1", DeviceID: "D1", Type: storage.TypeFlow, Tenant: "north"},
	})
	store := storage.NewStateStore(storage.DefaultConfig())

	acfg := anomaly.DefaultConfig()
	engine := anomaly.NewEngine(zerolog.Nop())
	engine.RegisterDetector(anomaly.NewStatisticalDetector(acfg))
	engine.RegisterDetector(anomaly.NewRateDetector(acfg))
	engine.RegisterDetector(anomaly.NewThresholdDetector(acfg, store.Peek))

	log := &auditLog{}
	alerts := alerting.NewManager(alerting.DefaultConfig(), nil, zerolog.Nop(), alerting.WithRecorder(log))

	bc := &broadcasts{}
	dcfg := dispatch.DefaultConfig()
	dcfg.Tenants = map[string][]dispatch.ChannelConfig{
		"north": {{Name: "sms", MinSeverity: "critical"}, {Name: "email", MinSeverity: "low"}},
	}
	disp, err := dispatch.NewDispatcher(dcfg, bc, log, nil, zerolog.Nop())
	require.NoError(t, err)

	creds := auth.NewStaticStore([]auth.DeviceConfig{{DeviceID: "D1", SecretHash: auth.SHA256Hash(secret)}})

	p := New(cfg, Deps{
		Auth:       auth.NewAuthenticator(creds),
		Registry:   registry,
		Store:      store,
		Engine:     engine,
		Rules:      rs,
		Alerts:     alerts,
		Dispatcher: disp,
		Recorder:   log,
	}, 15*time.Minute, zerolog.Nop())

	return &fixture{p: p, audit: log, bc: bc, disp: disp}
}

func reading(sensor string, v float64, at time.Time) data.RawReading {
	return data.RawReading{DeviceID: "D1", SensorID: sensor, Value: v, Timestamp: at, Transport: "http"}
}

func jobs(d *dispatch.Dispatcher) []data.NotificationJob {
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

func TestPipeline_PressureDropRaisesCriticalAlert(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.p.Run(ctx)
		close(done)
	}()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 20; i++ {
		v := 3.5
		if i%2 == 1 {
			v = 4.5
		}
		require.NoError(t, f.p.Submit(ctx, reading("S1", v, base.Add(time.Duration(i)*time.Minute)), secret))
	}
	require.NoError(t, f.p.Submit(ctx, reading("S1", 0.2, base.Add(20*time.Minute)), secret))

	require.Eventually(t, func() bool {
		return len(f.p.Alerts.List(alerting.Filter{SensorID: "S1"})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a := f.p.Alerts.List(alerting.Filter{SensorID: "S1"})[0]
	assert.Equal(t, data.SeverityCritical, a.Severity)
	assert.Equal(t, data.AlertPressure, a.Type)
	assert.Equal(t, data.StatusOpen, a.Status)
	assert.Equal(t, "north", a.TenantID)

	cancel()
	<-done

	got := jobs(f.disp)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"sms", "email"}, []string{got[0].Channel, got[1].Channel})
	assert.Equal(t, 1, f.bc.len())
	assert.Equal(t, 1, f.audit.count(string(alerting.DecisionCreate)))
}

func TestPipeline_UnauthenticatedReadingLeavesNoTrace(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	err := f.p.Submit(context.Background(), reading("S1", 0.2, time.Now()), "wrong")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	assert.Zero(t, f.p.Store.Len())
	assert.Empty(t, f.p.Alerts.List(alerting.Filter{}))
	assert.Equal(t, 1, f.audit.count(audit.ReasonUnauthenticated))
}

func TestPipeline_ReplayedReadingIsDropped(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	r := reading("S1", 4, time.Now())

	f.p.Process(ctx, r)
	f.p.Process(ctx, r)

	snap, ok := f.p.Store.Peek("S1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.WindowLen)
	assert.Equal(t, 1, f.audit.count(audit.ReasonDuplicate))
}

func TestPipeline_RuleSeesSiblingValues(t *testing.T) {
	cond, err := rules.Compile(rules.ConditionSpec{And: []rules.ConditionSpec{
		{Field: "pressure", Op: "LT", Value: 2.0},
		{Field: "flow", Op: "GT", Value: 100.0},
	}})
	require.NoError(t, err)
	rs := ruleSet{{ID: "burst-suspect", SensorType: storage.TypePressure, Condition: cond, SeverityOnMatch: data.SeverityHigh, Active: true}}

	f := newFixture(t, DefaultConfig(), rs)
	ctx := context.Background()
	now := time.Now()

	f.p.Process(ctx, reading("F1", 150, now))
	f.p.Process(ctx, reading("S1", 1.5, now))

	got := f.p.Alerts.List(alerting.Filter{SensorID: "S1"})
	require.Len(t, got, 1)
	assert.Equal(t, data.SeverityHigh, got[0].Severity)
	assert.Contains(t, got[0].RuleIDs, "burst-suspect")
}

func TestPipeline_Backpressure(t *testing.T) {
	cfg := Config{Workers: 1, QueueSize: 1, SubmitTimeout: 10 * time.Millisecond}
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.p.Submit(ctx, reading("S1", 1, now), secret))
	err := f.p.Submit(ctx, reading("S1", 2, now.Add(time.Second)), secret)
	require.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, 1, f.audit.count(audit.ReasonBackpressure))
}

func TestPipeline_SweepRaisesAndClearsCommsLoss(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	seen := time.Now().Add(-20 * time.Minute)

	f.p.Process(ctx, reading("S1", 4, seen))
	f.p.Sweep(ctx, time.Now())

	open := f.p.Alerts.List(alerting.Filter{SensorID: "S1", Status: data.StatusOpen})
	require.Len(t, open, 1)
	assert.Equal(t, data.AlertCommsLoss, open[0].Type)
	assert.Equal(t, data.SeverityMedium, open[0].Severity)

	// a second sweep does not raise again
	f.p.Sweep(ctx, time.Now())
	assert.Len(t, f.p.Alerts.List(alerting.Filter{SensorID: "S1"}), 1)

	f.p.Process(ctx, reading("S1", 4, time.Now()))
	assert.Empty(t, f.p.Alerts.List(alerting.Filter{SensorID: "S1", Status: data.StatusOpen}))
}

func (a *auditLog) kind(k audit.Kind) []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Record
	for _, r := range a.recs {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

func TestPipeline_AuditsEveryAcceptedReading(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		f.p.Process(ctx, reading("S1", 4, base.Add(time.Duration(i)*time.Second)))
	}

	assert.Empty(t, f.p.Alerts.List(alerting.Filter{}))
	assert.Equal(t, 3, f.audit.count(audit.ReasonAccepted))

	scored := f.audit.kind(audit.KindScore)
	require.Len(t, scored, 3)
	assert.Equal(t, audit.ReasonScored, scored[0].Reason)
	assert.Equal(t, "S1", scored[0].SensorID)
	assert.Contains(t, scored[0].Detail, "score=")
	assert.Contains(t, scored[0].Detail, "rules=[]")
}

func TestPipeline_ScoreRecordCarriesMatchedRules(t *testing.T) {
	cond, err := rules.Compile(rules.ConditionSpec{Field: "value", Op: "LT", Value: 2.0})
	require.NoError(t, err)
	rs := ruleSet{{ID: "low-pressure", SensorType: storage.TypePressure, Condition: cond, SeverityOnMatch: data.SeverityHigh, Active: true}}

	f := newFixture(t, DefaultConfig(), rs)
	f.p.Process(context.Background(), reading("S1", 1.5, time.Now()))

	scored := f.audit.kind(audit.KindScore)
	require.Len(t, scored, 1)
	assert.Contains(t, scored[0].Detail, "rules=[low-pressure]")
}

func TestPipeline_ShutdownProcessesEveryAcceptedReading(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, QueueSize: 64, SubmitTimeout: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.p.Run(ctx)
		close(done)
	}()

	accepted := make(chan int)
	go func() {
		n := 0
		base := time.Now().Add(-time.Hour)
		for i := 0; ; i++ {
			select {
			case <-done:
				accepted <- n
				return
			default:
			}
			if f.p.Submit(context.Background(), reading("S1", 4, base.Add(time.Duration(i)*time.Millisecond)), secret) == nil {
				n++
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	n := <-accepted

	assert.Positive(t, n)
	assert.Equal(t, n, f.audit.count(audit.ReasonAccepted))

	err := f.p.Submit(context.Background(), reading("S1", 4, time.Now()), secret)
	assert.ErrorIs(t, err, ErrBackpressure)
}
