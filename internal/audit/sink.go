package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/metrics"
)

type Config struct {
	Dir           string        `mapstructure:"dir"`
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	CompactBytes  int64         `mapstructure:"compact_bytes"`
	Writer        string        `mapstructure:"writer"` // log, postgres, nats
	DatabaseURL   string        `mapstructure:"database_url"`
	Table         string        `mapstructure:"table"`
	NATSURL       string        `mapstructure:"nats_url"`
	Subject       string        `mapstructure:"subject"`
}

func DefaultConfig() Config {
	return Config{
		Dir:           "./data/audit",
		Buffer:        4096,
		BatchSize:     256,
		FlushInterval: time.Second,
		CompactBytes:  1 << 20,
		Writer:        "log",
		Table:         "audit_records",
		Subject:       "audit",
	}
}

// Sink is the append-only audit trail. Record never blocks: records go
// through a buffered channel to the WAL, and straight to the WAL when the
// buffer is full. Run ships uncommitted WAL entries to the writer and
// commits them once written, so delivery is at least once.
type Sink struct {
	cfg     Config
	wal     *FileWAL
	writer  Writer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	ch      chan Record
	spilled atomic.Int64
	done    chan struct{}
}

func NewSink(cfg Config, wal *FileWAL, writer Writer, m *metrics.Metrics, logger zerolog.Logger) *Sink {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.CompactBytes <= 0 {
		cfg.CompactBytes = def.CompactBytes
	}
	return &Sink{
		cfg:     cfg,
		wal:     wal,
		writer:  writer,
		metrics: m,
		logger:  logger.With().Str("component", "audit").Logger(),
		now:     time.Now,
		ch:      make(chan Record, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

func (s *Sink) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = s.now().UTC()
	}
	s.metrics.AuditRecorded(string(rec.Kind))

	select {
	case s.ch <- rec:
	default:
		if _, err := s.wal.Append(rec); err != nil {
			s.logger.Error().Err(err).Str("reason", rec.Reason).Msg("Audit record lost")
			return
		}
		s.spilled.Add(1)
	}
}

// Spilled counts records that bypassed the buffer.
func (s *Sink) Spilled() int64 { return s.spilled.Load() }

// Run ships records until ctx is done, then drains what is buffered.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)

	// replay whatever a previous run left uncommitted
	s.ship(ctx)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.ship(context.Background())
			return
		case rec := <-s.ch:
			s.append(rec)
			pending++
			if pending >= s.cfg.BatchSize {
				s.ship(ctx)
				pending = 0
			}
		case <-ticker.C:
			s.ship(ctx)
			pending = 0
		}
	}
}

// Done is closed when Run has returned.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) append(rec Record) {
	if _, err := s.wal.Append(rec); err != nil {
		s.logger.Error().Err(err).Str("reason", rec.Reason).Msg("Audit record lost")
	}
}

func (s *Sink) drain() {
	for {
		select {
		case rec := <-s.ch:
			s.append(rec)
		default:
			return
		}
	}
}

// ship writes uncommitted entries batch by batch; a failed write leaves
// them for the next tick.
func (s *Sink) ship(ctx context.Context) {
	for {
		ids, recs, err := s.wal.Uncommitted(s.cfg.BatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("Audit WAL read failed")
			return
		}
		if len(recs) == 0 {
			break
		}
		if err := s.writer.WriteBatch(ctx, recs); err != nil {
			s.logger.Warn().Err(err).Str("writer", s.writer.Name()).Int("records", len(recs)).Msg("Audit write failed, will retry")
			return
		}
		if err := s.wal.Commit(ids[len(ids)-1]); err != nil {
			s.logger.Error().Err(err).Msg("Audit WAL commit failed")
			return
		}
		if len(recs) < s.cfg.BatchSize {
			break
		}
	}

	if s.wal.Stats().SizeBytes > s.cfg.CompactBytes {
		if err := s.wal.TruncateCommitted(); err != nil {
			s.logger.Error().Err(err).Msg("Audit WAL compaction failed")
		}
	}
}
